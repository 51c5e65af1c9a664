// Package rpc implements the full-duplex, typed request/response layer used
// on the realtime transport's reserved "rpc" topic and on the parent-child
// control channel.
//
// Both sides of a pipe run an [Endpoint]; each endpoint can register
// procedures and issue calls concurrently. Requests and responses are
// correlated strictly by id: in-flight calls are unbounded, responses may
// arrive in any order, and a late response for an already-resolved id is
// discarded. Payloads travel in canonical form, so dates, big integers,
// sets, errors, URLs, and regular expressions round-trip exactly.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lifert/life/pkg/canonical"
	"github.com/lifert/life/pkg/lifeerr"
)

// DefaultCallTimeout bounds a call when the caller does not supply one.
const DefaultCallTimeout = 10 * time.Second

// Pipe is a bidirectional, ordered frame channel. Send must not be called
// concurrently by the endpoint (it serializes); Frames is closed when the
// underlying channel closes.
type Pipe interface {
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	Close() error
}

// message is the wire shape shared by both directions.
type message struct {
	Type   string         `json:"type"` // "request" | "response"
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Input  any            `json:"input,omitempty"`
	Result map[string]any `json:"result,omitempty"` // {"ok": v} | {"error": e}
}

// Handler executes a registered procedure. Returned errors become the
// error arm of the response result; everything else is the ok arm.
type Handler func(ctx context.Context, input any) (any, error)

// Procedure is a named handler with optional input/output schemas. Schemas
// are JSON Schema documents compiled with [CompileSchema].
type Procedure struct {
	Name         string
	InputSchema  *Schema
	OutputSchema *Schema
	Handler      Handler
}

// CallSpec describes an outgoing call.
type CallSpec struct {
	Name         string
	Input        any
	InputSchema  *Schema
	OutputSchema *Schema
	Timeout      time.Duration // 0 means DefaultCallTimeout; negative disables
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithObfuscateErrors controls whether non-public handler errors are
// replaced with a generic Unknown before crossing the pipe. Enable on
// untrusted boundaries (the realtime transport); leave off between the
// supervisor and its own workers.
func WithObfuscateErrors(on bool) Option {
	return func(e *Endpoint) { e.obfuscate = on }
}

// Endpoint is one side of an RPC pipe. Create with [NewEndpoint]; it serves
// inbound frames until the pipe closes or [Endpoint.Close] is called.
type Endpoint struct {
	pipe      Pipe
	obfuscate bool

	sendMu sync.Mutex // a request is issued only after its predecessor is accepted

	mu      sync.Mutex
	procs   map[string]Procedure
	pending map[string]chan map[string]any
	closed  bool

	wg sync.WaitGroup
}

// NewEndpoint creates an endpoint over pipe and starts serving inbound
// frames immediately.
func NewEndpoint(pipe Pipe, opts ...Option) *Endpoint {
	e := &Endpoint{
		pipe:    pipe,
		procs:   make(map[string]Procedure),
		pending: make(map[string]chan map[string]any),
	}
	for _, o := range opts {
		o(e)
	}
	e.wg.Add(1)
	go e.serve()
	return e
}

// Register installs a procedure. A duplicate name replaces the prior
// handler.
func (e *Endpoint) Register(p Procedure) {
	e.mu.Lock()
	e.procs[p.Name] = p
	e.mu.Unlock()
}

// Call validates spec.Input, sends a request, and awaits the matching
// response or the call timeout. Server-side errors come back as coded
// errors; an output-schema mismatch yields Validation.
func (e *Endpoint) Call(ctx context.Context, spec CallSpec) (any, error) {
	if spec.InputSchema != nil {
		if err := spec.InputSchema.Validate(spec.Input); err != nil {
			return nil, lifeerr.Wrap(lifeerr.Validation, err)
		}
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := uuid.NewString()
	resultCh := make(chan map[string]any, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, lifeerr.New(lifeerr.Unknown, "rpc: endpoint is closed")
	}
	e.pending[id] = resultCh
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}()

	if err := e.send(ctx, message{Type: "request", ID: id, Name: spec.Name, Input: spec.Input}); err != nil {
		return nil, err
	}

	select {
	case result := <-resultCh:
		return e.decodeResult(result, spec.OutputSchema)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, lifeerr.Newf(lifeerr.Timeout, "rpc: call %q timed out", spec.Name)
		}
		return nil, ctx.Err()
	}
}

// Close stops the endpoint and closes the pipe. In-flight calls fail.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.pipe.Close()
	e.wg.Wait()
	return err
}

// ---- internals ----

func (e *Endpoint) send(ctx context.Context, msg message) error {
	data, err := canonical.Marshal(msg)
	if err != nil {
		return err
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.pipe.Send(ctx, data)
}

func (e *Endpoint) serve() {
	defer e.wg.Done()
	for frame := range e.pipe.Frames() {
		var msg message
		if err := canonical.Unmarshal(frame, &msg); err != nil {
			slog.Warn("rpc: dropping undecodable frame", "err", err)
			continue
		}
		switch msg.Type {
		case "request":
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handleRequest(msg)
			}()
		case "response":
			e.handleResponse(msg)
		default:
			slog.Warn("rpc: dropping frame with unknown type", "type", msg.Type)
		}
	}
}

func (e *Endpoint) handleResponse(msg message) {
	e.mu.Lock()
	ch, ok := e.pending[msg.ID]
	if ok {
		delete(e.pending, msg.ID)
	}
	e.mu.Unlock()
	if !ok {
		// Late response for an already-resolved (or unknown) id.
		return
	}
	ch <- msg.Result
}

func (e *Endpoint) handleRequest(msg message) {
	result := e.execute(msg)
	resp := message{Type: "response", ID: msg.ID, Result: result}
	if err := e.send(context.Background(), resp); err != nil {
		slog.Warn("rpc: failed to send response", "id", msg.ID, "name", msg.Name, "err", err)
	}
}

func (e *Endpoint) execute(msg message) map[string]any {
	e.mu.Lock()
	proc, ok := e.procs[msg.Name]
	e.mu.Unlock()

	if !ok {
		return e.errResult(lifeerr.Newf(lifeerr.NotFound, "rpc: unknown procedure %q", msg.Name).AsPublic())
	}

	if proc.InputSchema != nil {
		if err := proc.InputSchema.Validate(msg.Input); err != nil {
			return e.errResult(lifeerr.Wrap(lifeerr.Validation, err).AsPublic())
		}
	}

	out, err := func() (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = lifeerr.Newf(lifeerr.Unknown, "rpc: handler panic: %v", r)
			}
		}()
		return proc.Handler(context.Background(), msg.Input)
	}()
	if err != nil {
		return e.errResult(lifeerr.From(err))
	}

	if proc.OutputSchema != nil {
		if verr := proc.OutputSchema.Validate(out); verr != nil {
			return e.errResult(lifeerr.Wrap(lifeerr.Validation, fmt.Errorf("rpc: handler output rejected by schema: %w", verr)))
		}
	}
	return map[string]any{"ok": out}
}

func (e *Endpoint) errResult(err *lifeerr.Error) map[string]any {
	if e.obfuscate {
		err = lifeerr.Obfuscate(err)
	}
	return map[string]any{"error": err}
}

func (e *Endpoint) decodeResult(result map[string]any, outSchema *Schema) (any, error) {
	if result == nil {
		return nil, lifeerr.New(lifeerr.Unknown, "rpc: empty result")
	}
	if rawErr, ok := result["error"]; ok {
		if le, ok := rawErr.(*lifeerr.Error); ok {
			return nil, le
		}
		return nil, lifeerr.Newf(lifeerr.Unknown, "rpc: malformed error result: %v", rawErr)
	}
	out := result["ok"]
	if outSchema != nil {
		if err := outSchema.Validate(out); err != nil {
			return nil, lifeerr.Wrap(lifeerr.Validation, err)
		}
	}
	return out, nil
}
