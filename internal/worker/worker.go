// Package worker implements the agent-worker runtime: one isolated process
// hosting one agent definition for one conversation. The runtime serves the
// supervisor's control procedures over the parent-child channel, joins the
// realtime room, and runs the voice pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lifert/life/internal/buildindex"
	"github.com/lifert/life/internal/observe"
	"github.com/lifert/life/internal/rpc"
	"github.com/lifert/life/internal/stats"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/provider/llm"
	"github.com/lifert/life/pkg/provider/stt"
	"github.com/lifert/life/pkg/transport"
)

// LLMFactory builds the LLM provider for an agent from its resolved server
// config.
type LLMFactory func(cfg map[string]any) (llm.Provider, error)

// STTFactory builds the STT provider for an agent from its resolved server
// config.
type STTFactory func(cfg map[string]any) (stt.Provider, error)

// StartParams is the payload of the supervisor's start call.
type StartParams struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Scope           map[string]any `json:"scope"`
	TransportRoom   transport.Room `json:"transportRoom"`
	PluginsContexts map[string]any `json:"pluginsContexts"`
	IsRestart       bool           `json:"isRestart"`
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithSynthesizer replaces the default text-echo synthesizer.
func WithSynthesizer(s Synthesizer) Option {
	return func(r *Runtime) { r.synth = s }
}

// WithTelemetryQueue replaces the runtime's telemetry queue.
func WithTelemetryQueue(q *observe.Queue) Option {
	return func(r *Runtime) { r.telemetry = q }
}

// Runtime hosts one agent inside a worker process.
type Runtime struct {
	endpoint   *rpc.Endpoint
	cap        transport.Capability
	index      *buildindex.Index
	llmFactory LLMFactory
	sttFactory STTFactory
	telemetry  *observe.Queue
	synth      Synthesizer

	mu           sync.Mutex
	agentID      string
	pipeline     *pipeline
	roomEndpoint *rpc.Endpoint
	joined       bool

	fatal    chan error
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a runtime serving control procedures on pipe. The runtime
// registers its procedures immediately; call [Runtime.Run] to block until
// the supervisor stops it.
func New(pipe rpc.Pipe, cap transport.Capability, index *buildindex.Index,
	llmFactory LLMFactory, sttFactory STTFactory, opts ...Option) *Runtime {

	r := &Runtime{
		cap:        cap,
		index:      index,
		llmFactory: llmFactory,
		sttFactory: sttFactory,
		telemetry:  observe.NewQueue(),
		fatal:      make(chan error, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.endpoint = rpc.NewEndpoint(pipe)
	r.endpoint.Register(rpc.Procedure{Name: "start", Handler: r.handleStart})
	r.endpoint.Register(rpc.Procedure{Name: "stop", Handler: r.handleStop})
	r.endpoint.Register(rpc.Procedure{Name: "ping", Handler: r.handlePing})
	r.endpoint.Register(rpc.Procedure{Name: "getProcessStats", Handler: r.handleGetProcessStats})
	return r
}

// Run forwards telemetry and blocks until the supervisor stops the worker or
// ctx is cancelled. Buffered telemetry is flushed on the way out.
func (r *Runtime) Run(ctx context.Context) error {
	forwarderCtx, cancelForwarder := context.WithCancel(ctx)
	var forwarder sync.WaitGroup
	forwarder.Add(1)
	go func() {
		defer forwarder.Done()
		r.forwardTelemetry(forwarderCtx)
	}()

	var fatalErr error
	select {
	case <-ctx.Done():
		r.stopAgent(context.Background())
	case fatalErr = <-r.fatal:
		r.stopAgent(context.Background())
	case <-r.done:
	}

	cancelForwarder()
	forwarder.Wait()
	r.telemetry.Close()
	r.telemetry.Flush(observe.DefaultFlushBudget, r.sendTelemetrySignal)

	// The endpoint stays open so the stop response and the final telemetry
	// drain can reach the supervisor; process exit closes the channel.
	return fatalErr
}

// reportFatal delivers one unrecoverable pipeline error to Run. Later
// reports are dropped; the first one already dooms the process.
func (r *Runtime) reportFatal(err error) {
	select {
	case r.fatal <- err:
	default:
	}
}

// Telemetry returns the runtime's telemetry queue for pipeline components.
func (r *Runtime) Telemetry() *observe.Queue { return r.telemetry }

func (r *Runtime) handleStart(ctx context.Context, input any) (any, error) {
	var params StartParams
	if err := decodeInto(input, &params); err != nil {
		return nil, err
	}
	if params.ID == "" || params.Name == "" {
		return nil, lifeerr.New(lifeerr.Validation, "start requires id and name")
	}

	def, err := r.index.Get(params.Name)
	if err != nil {
		return nil, err
	}

	resolved, err := buildindex.Resolve(def)
	if err != nil {
		return nil, err
	}

	scopeSchema, err := def.CompileScopeSchema()
	if err != nil {
		return nil, err
	}
	if scopeSchema != nil {
		if err := scopeSchema.Validate(params.Scope); err != nil {
			return nil, err
		}
	}

	llmProvider, err := r.llmFactory(resolved.Server)
	if err != nil {
		return nil, lifeerr.From(err)
	}
	sttProvider, err := r.sttFactory(resolved.Server)
	if err != nil {
		return nil, lifeerr.From(err)
	}

	contexts := NewContextStore(params.ID, params.PluginsContexts, r.sendContextChange)
	var syncPlugins []string
	for _, p := range def.Plugins {
		if p.SyncContext {
			syncPlugins = append(syncPlugins, p.Name)
		}
	}

	pl := newPipeline(r.cap, llmProvider, sttProvider, pipelineOptions{
		contexts:     contexts,
		telemetry:    r.telemetry,
		systemPrompt: stringConfig(resolved.Server, "systemPrompt"),
		language:     stringConfig(resolved.Server, "language"),
		syncPlugins:  syncPlugins,
		synth:        r.synth,
		fatal:        r.reportFatal,
	})

	r.mu.Lock()
	if r.pipeline != nil {
		r.mu.Unlock()
		return nil, lifeerr.New(lifeerr.Conflict, "agent is already started")
	}
	r.agentID = params.ID
	r.mu.Unlock()

	if err := r.cap.JoinRoom(ctx, params.TransportRoom); err != nil {
		return nil, lifeerr.Wrap(lifeerr.Upstream, fmt.Errorf("join room %q: %w", params.TransportRoom.Name, err))
	}
	if err := pl.start(context.Background()); err != nil {
		_ = r.cap.LeaveRoom(ctx)
		return nil, lifeerr.From(err)
	}

	// Room peers get their own endpoint on the reserved rpc topic. Errors
	// crossing it are obfuscated; the control procedures stay on the trusted
	// parent-child channel.
	roomPipe, err := rpc.NewTransportPipe(ctx, r.cap)
	if err != nil {
		pl.stop()
		_ = r.cap.LeaveRoom(ctx)
		return nil, lifeerr.From(err)
	}
	roomEndpoint := rpc.NewEndpoint(roomPipe, rpc.WithObfuscateErrors(true))
	roomEndpoint.Register(rpc.Procedure{Name: "ping", Handler: r.handlePing})
	roomEndpoint.Register(rpc.Procedure{Name: "getProcessStats", Handler: r.handleGetProcessStats})

	r.mu.Lock()
	r.pipeline = pl
	r.roomEndpoint = roomEndpoint
	r.joined = true
	r.mu.Unlock()

	slog.Info("agent started",
		"id", params.ID,
		"name", params.Name,
		"room", params.TransportRoom.Name,
		"restart", params.IsRestart,
	)

	go r.sendReady(params.ID)
	return "ok", nil
}

func (r *Runtime) handleStop(ctx context.Context, _ any) (any, error) {
	r.stopAgent(ctx)
	r.doneOnce.Do(func() { close(r.done) })
	return "ok", nil
}

func (r *Runtime) handlePing(context.Context, any) (any, error) {
	return "pong", nil
}

func (r *Runtime) handleGetProcessStats(ctx context.Context, _ any) (any, error) {
	snap, err := stats.Self(ctx)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Unknown, err)
	}
	return toPlain(snap)
}

func (r *Runtime) stopAgent(ctx context.Context) {
	r.mu.Lock()
	pl := r.pipeline
	re := r.roomEndpoint
	joined := r.joined
	r.pipeline = nil
	r.roomEndpoint = nil
	r.joined = false
	r.mu.Unlock()

	if pl != nil {
		pl.stop()
	}
	if re != nil {
		if err := re.Close(); err != nil {
			slog.Warn("close room endpoint failed", "err", err)
		}
	}
	if joined {
		if err := r.cap.LeaveRoom(ctx); err != nil {
			slog.Warn("leave room failed", "err", err)
		}
	}
}

// sendReady tells the supervisor the agent is serving. The supervisor's
// start waits on this.
func (r *Runtime) sendReady(agentID string) {
	_, err := r.endpoint.Call(context.Background(), rpc.CallSpec{
		Name:  "ready",
		Input: map[string]any{"agentId": agentID},
	})
	if err != nil {
		slog.Error("ready call failed", "err", err)
	}
}

// sendContextChange forwards one plugin-context update. Failures are logged
// and do not stop the agent.
func (r *Runtime) sendContextChange(change ContextChange) {
	go func() {
		input, err := toPlain(change)
		if err != nil {
			slog.Error("sync context: encode failed", "plugin", change.PluginName, "err", err)
			return
		}
		if _, err := r.endpoint.Call(context.Background(), rpc.CallSpec{
			Name:  "syncContext",
			Input: input,
		}); err != nil {
			slog.Error("sync context failed", "plugin", change.PluginName, "err", err)
		}
	}()
}

// forwardTelemetry drains the queue and delivers signals to the supervisor
// until ctx is cancelled or the queue closes.
func (r *Runtime) forwardTelemetry(ctx context.Context) {
	for r.telemetry.Wait(ctx) {
		for _, s := range r.telemetry.Drain() {
			if err := r.sendTelemetrySignal(s); err != nil {
				slog.Error("sync telemetry failed", "signal", s.Name, "err", err)
			}
		}
	}
}

func (r *Runtime) sendTelemetrySignal(s observe.Signal) error {
	input, err := toPlain(s)
	if err != nil {
		return err
	}
	_, err = r.endpoint.Call(context.Background(), rpc.CallSpec{
		Name:    "syncTelemetry",
		Input:   input,
		Timeout: 5 * time.Second,
	})
	return err
}

// decodeInto converts a decoded wire value into a typed struct.
func decodeInto(input any, out any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	return nil
}

// toPlain converts a typed struct into the generic map shape the wire codec
// carries.
func toPlain(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	return out, nil
}

func stringConfig(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}
