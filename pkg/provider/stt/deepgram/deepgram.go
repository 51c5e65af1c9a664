// Package deepgram provides a Deepgram-backed STT provider using the
// Deepgram streaming WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lifert/life/pkg/audio"
	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// keepAliveInterval is how often a KeepAlive message is written while
	// the session is open.
	keepAliveInterval = time.Second
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en",
// "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used by tests to point
// at a local server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "deepgram" }

// Generate implements stt.Provider. It dials the streaming endpoint and
// returns a live job; pushed PCM frames are forwarded as binary messages and
// transcription results come back as content chunks.
func (p *Provider) Generate(ctx context.Context, cfg stt.Config) (*job.Job, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Upstream, fmt.Errorf("deepgram: dial: %w", err))
	}

	s := &session{
		conn:  conn,
		audio: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	s.job = job.New(
		job.WithOnCancel(s.close),
		job.WithPush(s.pushVoice),
	)

	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.keepAliveLoop()

	return s.job, nil
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (p *Provider) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = audio.SampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure Deepgram sends for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session feeding one job.
type session struct {
	conn  *websocket.Conn
	job   *job.Job
	audio chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// pushVoice converts PCM samples to little-endian bytes and queues them.
// Full queue drops the frame rather than blocking the audio path.
func (s *session) pushVoice(samples []int16) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.audio <- audio.SamplesToBytes(samples):
	case <-s.done:
	default:
	}
}

// close tears the session down: flush signal to Deepgram, stop the loops,
// close the socket. Runs once, from the job's cancel hook.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
}

// writeLoop forwards queued audio as binary messages.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// keepAliveLoop pings Deepgram once per second so the session survives
// silence.
func (s *session) keepAliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives Deepgram messages and emits content chunks for non-empty
// transcripts. Events without alternatives and empty transcripts are
// dropped.
func (s *session) readLoop() {
	defer s.wg.Done()
	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				// Cancelled locally; the forced end chunk is already queued.
			default:
				s.job.Emit(job.Chunk{Kind: job.Error, Text: err.Error()})
				s.job.Emit(job.Chunk{Kind: job.End})
			}
			return
		}

		text, ok := parseTranscript(msg)
		if !ok {
			continue
		}
		s.job.Emit(job.Chunk{Kind: job.Content, Text: text})
	}
}

// parseTranscript extracts the transcript text from a raw Deepgram message.
// Returns ("", false) for non-Results events, events without alternatives,
// and empty transcripts.
func parseTranscript(data []byte) (string, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false
	}
	if resp.Type != "Results" {
		return "", false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return "", false
	}
	text := resp.Channel.Alternatives[0].Transcript
	if text == "" {
		return "", false
	}
	return text, true
}
