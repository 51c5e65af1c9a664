package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lifert/life/internal/observe"
	"github.com/lifert/life/pkg/audio"
	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/provider/llm"
	"github.com/lifert/life/pkg/provider/stt"
	"github.com/lifert/life/pkg/transport"
)

// SayTopic is the text topic the agent's spoken replies stream on.
const SayTopic = "say"

// Synthesizer turns reply text into outbound PCM. Real TTS providers plug in
// here; the default TextEcho keeps the audio path exercised without one.
type Synthesizer func(text string) []int16

// TextEcho is the default synthesizer: each input byte becomes one sample,
// scaled into an audible range. It carries no speech, but it flows real
// frames through the framer and the transport.
func TextEcho(text string) []int16 {
	samples := make([]int16, len(text))
	for i := 0; i < len(text); i++ {
		samples[i] = int16(text[i]) << 6
	}
	return samples
}

// pipeline wires one agent's voice loop: inbound room audio feeds an STT
// session, transcripts drive LLM generation, and reply text streams out as
// both a text stream and framed audio.
type pipeline struct {
	cap       transport.Capability
	llm       llm.Provider
	stt       stt.Provider
	synth     Synthesizer
	contexts  *ContextStore
	telemetry *observe.Queue
	fatal     func(error)

	systemPrompt string
	language     string
	syncPlugins  []string

	framer *audio.Framer
	sttJob *job.Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	history []llm.Message
	current *job.Job
}

func newPipeline(cap transport.Capability, llmP llm.Provider, sttP stt.Provider, opts pipelineOptions) *pipeline {
	synth := opts.synth
	if synth == nil {
		synth = TextEcho
	}
	return &pipeline{
		cap:          cap,
		llm:          llmP,
		stt:          sttP,
		synth:        synth,
		contexts:     opts.contexts,
		telemetry:    opts.telemetry,
		fatal:        opts.fatal,
		systemPrompt: opts.systemPrompt,
		language:     opts.language,
		syncPlugins:  opts.syncPlugins,
	}
}

type pipelineOptions struct {
	contexts     *ContextStore
	telemetry    *observe.Queue
	systemPrompt string
	language     string
	syncPlugins  []string
	synth        Synthesizer
	fatal        func(error)
}

// start opens the STT session and begins consuming room audio. The caller
// must have joined the room already.
func (p *pipeline) start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.framer = audio.NewFramer(func(frame []int16) {
		if err := p.cap.StreamAudioChunk(p.ctx, frame); err != nil {
			slog.Warn("pipeline: stream audio chunk failed", "err", err)
		}
	})

	sttJob, err := p.stt.Generate(p.ctx, stt.Config{
		Language:   p.language,
		SampleRate: audio.SampleRate,
	})
	if err != nil {
		p.framer.Close()
		p.cancel()
		return err
	}
	p.sttJob = sttJob

	if err := p.cap.PlayAudio(p.ctx); err != nil {
		sttJob.Cancel()
		p.framer.Close()
		p.cancel()
		return err
	}

	p.wg.Add(2)
	go p.audioLoop()
	go p.transcriptLoop()
	return nil
}

// stop tears the pipeline down: the STT session, any in-flight generation,
// and the framer. Idempotent.
func (p *pipeline) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
	if p.sttJob != nil {
		p.sttJob.Cancel()
	}
	p.wg.Wait()
	p.framer.Close()
}

// recoverPanic converts a panic in a pipeline goroutine into a fatal runtime
// error, so the process still dies through the ordinary shutdown path with
// its telemetry flushed.
func (p *pipeline) recoverPanic(loop string) {
	if r := recover(); r != nil {
		slog.Error("pipeline panic", "loop", loop, "panic", r)
		if p.fatal != nil {
			p.fatal(fmt.Errorf("pipeline %s panicked: %v", loop, r))
		}
	}
}

// audioLoop feeds inbound room audio into the STT session.
func (p *pipeline) audioLoop() {
	defer p.wg.Done()
	defer p.recoverPanic("audio loop")
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.cap.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.Audio:
				p.sttJob.PushVoice(ev.Frame)
			case transport.Disconnected:
				return
			case transport.Error:
				slog.Warn("pipeline: transport error", "err", ev.Err)
			}
		}
	}
}

// transcriptLoop turns STT transcripts into replies, one at a time: the loop
// blocks in respond until the current reply finishes, so a transcript that
// arrives mid-reply waits its turn.
func (p *pipeline) transcriptLoop() {
	defer p.wg.Done()
	defer p.recoverPanic("transcript loop")
	for chunk := range p.sttJob.Chunks() {
		switch chunk.Kind {
		case job.Content:
			p.respond(chunk.Text)
		case job.Error:
			slog.Warn("pipeline: stt error", "err", chunk.Text)
		case job.End:
			return
		}
	}
}

// respond streams one LLM reply for the given utterance to the say topic and
// the outbound audio track. It blocks until the reply finishes or stop
// cancels the in-flight job.
func (p *pipeline) respond(utterance string) {
	p.mu.Lock()
	p.history = append(p.history, llm.Message{Role: "user", Content: utterance})
	req := llm.MessageRequest{
		Messages:     append([]llm.Message(nil), p.history...),
		SystemPrompt: p.systemPrompt,
	}
	started := time.Now()
	j := p.llm.GenerateMessage(p.ctx, req)
	p.current = j
	p.mu.Unlock()

	writer, err := p.cap.SendStreamText(p.ctx, SayTopic)
	if err != nil {
		slog.Warn("pipeline: open say stream failed", "err", err)
		j.Cancel()
		return
	}

	var reply strings.Builder
	for chunk := range j.Chunks() {
		switch chunk.Kind {
		case job.Content:
			reply.WriteString(chunk.Text)
			if err := writer.Write([]byte(chunk.Text)); err != nil {
				slog.Warn("pipeline: say write failed", "err", err)
			}
			p.framer.Write(p.synth(chunk.Text))
		case job.Error:
			slog.Warn("pipeline: llm error", "provider", p.llm.Name(), "err", chunk.Text)
			p.enqueueSignal("llm.errors", 1, nil)
		}
	}
	_ = writer.Close()

	p.mu.Lock()
	if p.current == j {
		p.current = nil
	}
	if reply.Len() > 0 {
		p.history = append(p.history, llm.Message{Role: "assistant", Content: reply.String()})
	}
	transcript := transcriptTail(p.history, 20)
	p.mu.Unlock()

	p.enqueueSignal("llm.duration", time.Since(started).Seconds(),
		map[string]string{"provider": p.llm.Name()})

	if reply.Len() > 0 && p.contexts != nil {
		for _, plugin := range p.syncPlugins {
			p.contexts.Set(plugin, transcript)
		}
	}
}

func (p *pipeline) enqueueSignal(name string, value float64, attrs map[string]string) {
	if p.telemetry == nil {
		return
	}
	p.telemetry.Enqueue(observe.Signal{Name: name, Value: value, Attrs: attrs})
}

// transcriptTail renders the last n turns of history as plain role/text
// pairs, the shape plugins persist across restarts.
func transcriptTail(history []llm.Message, n int) []map[string]any {
	start := 0
	if len(history) > n {
		start = len(history) - n
	}
	out := make([]map[string]any, 0, len(history)-start)
	for _, m := range history[start:] {
		out = append(out, map[string]any{"role": m.Role, "text": m.Content})
	}
	return out
}
