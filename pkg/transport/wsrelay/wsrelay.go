// Package wsrelay is the reference realtime-transport client. It speaks a
// small WebSocket relay protocol: peers join a room on the relay server,
// text streams travel as JSON envelopes, and audio travels as binary frames
// of raw 16 kHz mono signed 16-bit PCM prefixed with the sender identity.
//
// The relay server itself is external infrastructure; this package only
// implements the client capability surface plus the HMAC token source the
// supervisor uses to mint join tokens.
package wsrelay

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.Capability = (*Client)(nil)

const (
	eventBuf    = 256
	outboundBuf = 256
)

// envelope is the JSON wire form of a text-stream chunk. EOF marks the
// sender's Close; Data is empty on EOF envelopes.
type envelope struct {
	Topic  string `json:"topic"`
	Stream string `json:"stream"`
	Peer   string `json:"peer,omitempty"` // set by the relay on inbound envelopes
	Data   string `json:"data,omitempty"` // base64
	EOF    bool   `json:"eof,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithIdentity sets the peer identity announced to the relay. Defaults to a
// fresh UUID.
func WithIdentity(id string) Option {
	return func(c *Client) { c.identity = id }
}

// Client implements transport.Capability against a relay server.
type Client struct {
	serverURL string
	identity  string

	mu       sync.Mutex
	conn     *websocket.Conn
	joined   bool
	cancel   context.CancelFunc
	handlers map[string]transport.TextHandler
	streams  map[string]chan []byte // inbound stream id -> chunk channel
	wg       sync.WaitGroup

	outbound chan outMsg
	events   chan transport.Event
}

type outMsg struct {
	kind websocket.MessageType
	data []byte
}

// New creates a Client for the given relay server URL (ws:// or wss://).
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("wsrelay: serverURL must not be empty")
	}
	c := &Client{
		serverURL: serverURL,
		identity:  uuid.NewString(),
		handlers:  make(map[string]transport.TextHandler),
		events:    make(chan transport.Event, eventBuf),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// JoinRoom implements transport.Capability.
func (c *Client) JoinRoom(ctx context.Context, room transport.Room) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined {
		return lifeerr.New(lifeerr.Conflict, "wsrelay: already joined a room")
	}

	u, err := url.Parse(c.serverURL)
	if err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	u.Path, err = url.JoinPath(u.Path, "rooms", room.Name)
	if err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	q := u.Query()
	q.Set("identity", c.identity)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+room.Token)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return lifeerr.Wrap(lifeerr.Upstream, fmt.Errorf("wsrelay: dial: %w", err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.joined = true
	c.streams = make(map[string]chan []byte)
	c.outbound = make(chan outMsg, outboundBuf)

	c.wg.Add(2)
	go c.readLoop(loopCtx)
	go c.writeLoop(loopCtx)

	c.deliver(transport.Event{Kind: transport.Connected})
	return nil
}

// LeaveRoom implements transport.Capability.
func (c *Client) LeaveRoom(context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	cancel()
	conn.Close(websocket.StatusNormalClosure, "leaving room")
	c.wg.Wait()

	for _, ch := range streams {
		close(ch)
	}
	c.deliver(transport.Event{Kind: transport.Disconnected})
	return nil
}

// SendStreamText implements transport.Capability.
func (c *Client) SendStreamText(_ context.Context, topic string) (transport.TextWriter, error) {
	if topic == "" {
		return nil, lifeerr.New(lifeerr.Validation, "wsrelay: topic must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return nil, lifeerr.New(lifeerr.Conflict, "wsrelay: not joined to a room")
	}
	return &textWriter{
		client: c,
		topic:  topic,
		stream: uuid.NewString(),
	}, nil
}

// RegisterTextHandler implements transport.Capability.
func (c *Client) RegisterTextHandler(topic string, h transport.TextHandler) {
	c.mu.Lock()
	c.handlers[topic] = h
	c.mu.Unlock()
}

// EnableMicrophone implements transport.Capability. Relay clients run
// server-side and have no microphone device.
func (c *Client) EnableMicrophone(context.Context) error {
	return lifeerr.New(lifeerr.NotImplemented, "wsrelay: no microphone on server peers")
}

// PlayAudio implements transport.Capability. The relay has no separate
// track negotiation; publishing starts with the first audio frame.
func (c *Client) PlayAudio(context.Context) error { return nil }

// StreamAudioChunk implements transport.Capability. The binary layout is
// one length byte, the sender identity, then little-endian PCM.
func (c *Client) StreamAudioChunk(_ context.Context, pcm []int16) error {
	c.mu.Lock()
	joined := c.joined
	out := c.outbound
	c.mu.Unlock()
	if !joined {
		return lifeerr.New(lifeerr.Conflict, "wsrelay: not joined to a room")
	}

	if len(c.identity) > 255 {
		return lifeerr.New(lifeerr.Validation, "wsrelay: identity too long for audio framing")
	}
	buf := make([]byte, 1+len(c.identity)+len(pcm)*2)
	buf[0] = byte(len(c.identity))
	copy(buf[1:], c.identity)
	off := 1 + len(c.identity)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[off+i*2:], uint16(s))
	}

	select {
	case out <- outMsg{kind: websocket.MessageBinary, data: buf}:
		return nil
	default:
		return lifeerr.New(lifeerr.Upstream, "wsrelay: outbound queue full")
	}
}

// Events implements transport.Capability.
func (c *Client) Events() <-chan transport.Event { return c.events }

// ---- loops ----

func (c *Client) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbound:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.Write(ctx, msg.kind, msg.data); err != nil {
				c.deliver(transport.Event{Kind: transport.Error, Err: err})
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		kind, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.deliver(transport.Event{Kind: transport.Error, Err: err})
				c.deliver(transport.Event{Kind: transport.Disconnected})
			}
			return
		}

		switch kind {
		case websocket.MessageText:
			c.handleText(data)
		case websocket.MessageBinary:
			c.handleAudio(data)
		}
	}
}

func (c *Client) handleText(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.deliver(transport.Event{Kind: transport.Error, Err: fmt.Errorf("wsrelay: bad envelope: %w", err)})
		return
	}

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	ch, known := c.streams[env.Stream]
	if !known && !env.EOF {
		if h, ok := c.handlers[env.Topic]; ok {
			ch = make(chan []byte, 64)
			c.streams[env.Stream] = ch
			known = true
			go h(ch, env.Peer)
		}
	}
	if env.EOF && known {
		delete(c.streams, env.Stream)
	}
	c.mu.Unlock()

	if !known {
		return
	}
	if env.EOF {
		close(ch)
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		c.deliver(transport.Event{Kind: transport.Error, Err: fmt.Errorf("wsrelay: bad chunk encoding: %w", err)})
		return
	}
	ch <- chunk
}

func (c *Client) handleAudio(data []byte) {
	if len(data) < 1 {
		return
	}
	idLen := int(data[0])
	if len(data) < 1+idLen {
		return
	}
	peer := string(data[1 : 1+idLen])
	pcmBytes := data[1+idLen:]
	frame := make([]int16, len(pcmBytes)/2)
	for i := range frame {
		frame[i] = int16(binary.LittleEndian.Uint16(pcmBytes[i*2:]))
	}
	c.deliver(transport.Event{Kind: transport.Audio, PeerID: peer, Frame: frame})
}

func (c *Client) deliver(e transport.Event) {
	select {
	case c.events <- e:
	default:
	}
}

func (c *Client) enqueueText(env envelope) error {
	c.mu.Lock()
	joined := c.joined
	out := c.outbound
	c.mu.Unlock()
	if !joined {
		return lifeerr.New(lifeerr.Conflict, "wsrelay: not joined to a room")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	select {
	case out <- outMsg{kind: websocket.MessageText, data: data}:
		return nil
	default:
		return lifeerr.New(lifeerr.Upstream, "wsrelay: outbound queue full")
	}
}

// textWriter sends chunk envelopes for one outbound stream.
type textWriter struct {
	client *Client
	topic  string
	stream string

	mu     sync.Mutex
	closed bool
}

func (w *textWriter) Write(chunk []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wsrelay: write on closed stream")
	}
	return w.client.enqueueText(envelope{
		Topic:  w.topic,
		Stream: w.stream,
		Data:   base64.StdEncoding.EncodeToString(chunk),
	})
}

func (w *textWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.client.enqueueText(envelope{
		Topic:  w.topic,
		Stream: w.stream,
		EOF:    true,
	})
}
