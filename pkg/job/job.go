// Package job defines the provider-agnostic job abstraction: a cancellable
// handle to an in-flight LLM or STT operation exposing a lazy, finite,
// single-consumer chunk stream.
//
// Producers (provider adaptors) emit chunks with [Job.Emit]; consumers range
// over [Job.Chunks]. The stream terminates with exactly one End chunk. After
// [Job.Cancel] no further chunks are delivered except possibly a single End.
// The internal queue is unbounded — consumers must drain the stream or cancel
// the job.
package job

import (
	"sync"

	"github.com/google/uuid"
)

// Kind discriminates chunk variants.
type Kind int

const (
	// Content carries incremental text output.
	Content Kind = iota

	// Reasoning carries incremental model reasoning text (LLM only).
	Reasoning

	// Tools carries the accumulated tool calls, emitted once when the
	// upstream model signals tool-calls finished (LLM only).
	Tools

	// Error carries a non-terminal upstream error.
	Error

	// End terminates the stream. At most one End is ever emitted.
	End
)

// String returns the lower-case chunk kind name.
func (k Kind) String() string {
	switch k {
	case Content:
		return "content"
	case Reasoning:
		return "reasoning"
	case Tools:
		return "tools"
	case Error:
		return "error"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// ToolCall is a single tool invocation requested by the model, with its
// arguments already JSON-decoded.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Chunk is one element of a job's output stream.
type Chunk struct {
	Kind  Kind
	Text  string     // Content, Reasoning, Error (message)
	Tools []ToolCall // Tools only
}

// Job is a cancellable streaming handle. Create with [New]; producers own
// Emit, consumers own Chunks and Cancel.
type Job struct {
	id string

	mu      sync.Mutex
	pending []Chunk
	ended   bool // an End chunk has been queued
	notify  chan struct{}

	out     chan Chunk
	outOnce sync.Once

	cancelled  chan struct{}
	cancelOnce sync.Once
	onCancel   func()

	push func(samples []int16)
}

// Option configures a Job at construction.
type Option func(*Job)

// WithOnCancel registers a hook invoked exactly once when the job is
// cancelled, before the forced End is queued. Providers use it to abort the
// upstream request.
func WithOnCancel(fn func()) Option {
	return func(j *Job) { j.onCancel = fn }
}

// WithPush registers the voice-input sink for STT jobs. See [Job.PushVoice].
func WithPush(fn func(samples []int16)) Option {
	return func(j *Job) { j.push = fn }
}

// New creates a Job with a fresh "job_"-prefixed id.
func New(opts ...Option) *Job {
	j := &Job{
		id:        "job_" + uuid.NewString(),
		notify:    make(chan struct{}, 1),
		out:       make(chan Chunk),
		cancelled: make(chan struct{}),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Emit queues a chunk for the consumer. It never blocks. Chunks emitted
// after End, or after Cancel (other than the single forced End), are dropped.
func (j *Job) Emit(c Chunk) {
	j.mu.Lock()
	if j.ended {
		j.mu.Unlock()
		return
	}
	if j.isCancelled() && c.Kind != End {
		j.mu.Unlock()
		return
	}
	if c.Kind == End {
		j.ended = true
	}
	j.pending = append(j.pending, c)
	j.mu.Unlock()

	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// Chunks returns the job's output stream. The stream is lazy (no work is
// lost if the consumer attaches late), single-consumer, and closed after the
// End chunk is delivered.
func (j *Job) Chunks() <-chan Chunk {
	j.outOnce.Do(func() {
		go j.pump()
	})
	return j.out
}

// Cancel cancels the job. Idempotent. The producer's cancel hook runs once;
// if no End has been emitted yet, a single End is queued so the stream still
// terminates.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() {
		close(j.cancelled)
		if j.onCancel != nil {
			j.onCancel()
		}
		j.mu.Lock()
		needEnd := !j.ended
		if needEnd {
			j.ended = true
			j.pending = append(j.pending, Chunk{Kind: End})
		}
		j.mu.Unlock()
		if needEnd {
			select {
			case j.notify <- struct{}{}:
			default:
			}
		}
	})
}

// Done returns a channel closed when the job is cancelled.
func (j *Job) Done() <-chan struct{} { return j.cancelled }

// PushVoice forwards signed 16-bit mono PCM samples to an STT job. It is
// fire-and-forget: after Cancel the call returns silently, and jobs without
// a voice sink ignore it.
func (j *Job) PushVoice(samples []int16) {
	if j.push == nil || j.isCancelled() {
		return
	}
	j.push(samples)
}

func (j *Job) isCancelled() bool {
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// pump moves chunks from the unbounded queue to the consumer channel and
// closes it after delivering End. Once the job is cancelled, delivery turns
// best-effort so an abandoned consumer does not pin the goroutine.
func (j *Job) pump() {
	defer close(j.out)
	for {
		j.mu.Lock()
		var (
			next Chunk
			have bool
		)
		if len(j.pending) > 0 {
			next = j.pending[0]
			j.pending = j.pending[1:]
			have = true
		}
		drained := j.ended && len(j.pending) == 0
		j.mu.Unlock()

		if have {
			if j.isCancelled() {
				select {
				case j.out <- next:
				default:
					return
				}
			} else {
				j.out <- next
			}
			if next.Kind == End {
				return
			}
			continue
		}

		if drained {
			return
		}

		<-j.notify
	}
}
