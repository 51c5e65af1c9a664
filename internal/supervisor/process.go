// Package supervisor hosts agent workers: it spawns one OS process per
// conversation, drives the per-worker lifecycle state machine, health-checks
// children, auto-restarts crashes with exponential backoff, and exposes the
// public agent API behind session tokens.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lifert/life/internal/observe"
	"github.com/lifert/life/internal/rpc"
	"github.com/lifert/life/internal/worker"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/transport"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

const (
	defaultHealthInterval = 10 * time.Second
	defaultHealthTimeout  = 3 * time.Second
	defaultStopTimeout    = 10 * time.Second
	defaultReadyTimeout   = 30 * time.Second

	// maxAutoRestarts bounds crash recovery: a worker is not auto-restarted
	// once its restart count reaches this value.
	maxAutoRestarts = 3

	maxRestartDelay = 30 * time.Second
)

// Child is a spawned worker process as the supervisor sees it: a control pipe
// plus process lifetime. *ipc.Child satisfies it via a thin adapter in the
// server.
type Child interface {
	Pipe() rpc.Pipe
	PID() int
	Wait() error
	Kill() error
}

// Spawner launches a fresh worker process for one agent.
type Spawner func(ctx context.Context) (Child, error)

// restartDelay returns the backoff before auto-restart number restarts+1:
// zero for the first crash, then 1000·2^n ms capped at 30 s.
func restartDelay(restarts int) time.Duration {
	if restarts <= 0 {
		return 0
	}
	d := time.Duration(1000<<restarts) * time.Millisecond
	if d > maxRestartDelay {
		d = maxRestartDelay
	}
	return d
}

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithHealthInterval sets the health-check period.
func WithHealthInterval(d time.Duration) ProcessOption {
	return func(p *Process) {
		if d > 0 {
			p.healthInterval = d
		}
	}
}

// WithHealthTimeout sets the per-ping deadline of the health check.
func WithHealthTimeout(d time.Duration) ProcessOption {
	return func(p *Process) {
		if d > 0 {
			p.healthTimeout = d
		}
	}
}

// WithStopTimeout sets the graceful-stop deadline before the child is
// force-killed.
func WithStopTimeout(d time.Duration) ProcessOption {
	return func(p *Process) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

// WithReadyTimeout bounds the wait for the child's ready() after start.
func WithReadyTimeout(d time.Duration) ProcessOption {
	return func(p *Process) {
		if d > 0 {
			p.readyTimeout = d
		}
	}
}

// WithMaxAutoRestarts overrides the crash-recovery budget.
func WithMaxAutoRestarts(n int) ProcessOption {
	return func(p *Process) { p.maxRestarts = n }
}

// WithProcessMetrics sets the metrics instance. Defaults to
// observe.DefaultMetrics.
func WithProcessMetrics(m *observe.Metrics) ProcessOption {
	return func(p *Process) { p.metrics = m }
}

// WithTelemetrySink sets the callback receiving worker telemetry signals.
func WithTelemetrySink(sink func(observe.Signal)) ProcessOption {
	return func(p *Process) { p.telemetrySink = sink }
}

// Process supervises one worker: spawn, control channel, health checks, and
// crash recovery. All exported methods are safe for concurrent use; the
// lifecycle state machine serializes behind one mutex.
type Process struct {
	id    string
	name  string
	spawn Spawner

	healthInterval time.Duration
	healthTimeout  time.Duration
	stopTimeout    time.Duration
	readyTimeout   time.Duration
	maxRestarts    int
	metrics        *observe.Metrics
	telemetrySink  func(observe.Signal)

	mu            sync.Mutex
	status        Status
	child         Child
	endpoint      *rpc.Endpoint
	exitCh        chan struct{}
	ready         chan struct{}
	healthCancel  context.CancelFunc
	restartTimer  *time.Timer
	started       bool
	restartCount  int
	lastScope     map[string]any
	lastRoom      transport.Room
	lastStartedAt time.Time
	lastSeenAt    time.Time

	// generation ties the exit watcher and health loop to the child they
	// belong to; bumping it detaches them.
	generation int

	// pluginContexts accumulates syncContext updates and is replayed into
	// the next start so plugin state survives restarts.
	pluginContexts map[string]any
}

// NewProcess creates a stopped worker record for one agent instance.
func NewProcess(id, name string, spawn Spawner, opts ...ProcessOption) *Process {
	p := &Process{
		id:             id,
		name:           name,
		spawn:          spawn,
		status:         StatusStopped,
		healthInterval: defaultHealthInterval,
		healthTimeout:  defaultHealthTimeout,
		stopTimeout:    defaultStopTimeout,
		readyTimeout:   defaultReadyTimeout,
		maxRestarts:    maxAutoRestarts,
		pluginContexts: make(map[string]any),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// ID returns the worker id.
func (p *Process) ID() string { return p.id }

// Name returns the agent name this worker hosts.
func (p *Process) Name() string { return p.name }

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Scope returns a copy of the scope of the last start.
func (p *Process) Scope() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.lastScope))
	for k, v := range p.lastScope {
		out[k] = v
	}
	return out
}

// RestartCount returns how many times this worker has been restarted.
func (p *Process) RestartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartCount
}

// LastStartedAt returns when the worker last reached running, or the zero
// time when stopped.
func (p *Process) LastStartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStartedAt
}

// LastSeenAt returns the time of the last successful health ping.
func (p *Process) LastSeenAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeenAt
}

// PluginContexts returns a copy of the accumulated plugin contexts.
func (p *Process) PluginContexts() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.pluginContexts))
	for k, v := range p.pluginContexts {
		out[k] = v
	}
	return out
}

// Start spawns a worker and brings the agent to running. It is idempotent
// while starting or running, rejects with Conflict while stopping, and on
// any failure stops the partial worker and returns the original error.
func (p *Process) Start(ctx context.Context, scope map[string]any, room transport.Room) error {
	p.mu.Lock()
	switch p.status {
	case StatusStarting, StatusRunning:
		status := p.status
		p.mu.Unlock()
		slog.Warn("agent start requested while already started",
			"id", p.id, "name", p.name, "status", status)
		return nil
	case StatusStopping:
		p.mu.Unlock()
		return lifeerr.Newf(lifeerr.Conflict, "agent %s is stopping", p.id)
	}
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
	p.status = StatusStarting
	p.started = true
	p.lastScope = scope
	p.lastRoom = room
	isRestart := p.restartCount > 0
	contexts := make(map[string]any, len(p.pluginContexts))
	for k, v := range p.pluginContexts {
		contexts[k] = v
	}
	p.mu.Unlock()

	startedAt := time.Now()
	if err := p.launch(ctx, scope, room, contexts, isRestart); err != nil {
		// If the exit handler already moved us to stopped (and possibly
		// scheduled a restart), Stop is a no-op and leaves the timer alone.
		_ = p.Stop(context.Background())
		return lifeerr.From(err)
	}

	p.metrics.WorkerStartDuration.Record(ctx, time.Since(startedAt).Seconds())
	slog.Info("agent started", "id", p.id, "name", p.name, "room", room.Name, "restart", isRestart)
	return nil
}

func (p *Process) launch(ctx context.Context, scope map[string]any, room transport.Room,
	contexts map[string]any, isRestart bool) error {

	child, err := p.spawn(ctx)
	if err != nil {
		return lifeerr.Wrap(lifeerr.Unknown, fmt.Errorf("spawn worker for agent %s: %w", p.id, err))
	}

	ready := make(chan struct{}, 1)
	endpoint := rpc.NewEndpoint(child.Pipe())
	endpoint.Register(rpc.Procedure{Name: "ready", Handler: func(context.Context, any) (any, error) {
		select {
		case ready <- struct{}{}:
		default:
		}
		return "ok", nil
	}})
	endpoint.Register(rpc.Procedure{Name: "syncContext", Handler: p.handleSyncContext})
	endpoint.Register(rpc.Procedure{Name: "syncTelemetry", Handler: p.handleSyncTelemetry})

	p.mu.Lock()
	p.generation++
	gen := p.generation
	exitCh := make(chan struct{})
	p.child = child
	p.endpoint = endpoint
	p.exitCh = exitCh
	p.mu.Unlock()

	go p.watchExit(gen, child, exitCh)

	input, err := toWire(worker.StartParams{
		ID:              p.id,
		Name:            p.name,
		Scope:           scope,
		TransportRoom:   room,
		PluginsContexts: contexts,
		IsRestart:       isRestart,
	})
	if err != nil {
		return err
	}
	if _, err := endpoint.Call(ctx, rpc.CallSpec{
		Name:    "start",
		Input:   input,
		Timeout: p.readyTimeout,
	}); err != nil {
		return err
	}

	select {
	case <-ready:
	case <-exitCh:
		return lifeerr.Newf(lifeerr.Upstream, "worker for agent %s exited before ready", p.id)
	case <-time.After(p.readyTimeout):
		return lifeerr.Newf(lifeerr.Timeout, "worker for agent %s did not become ready", p.id)
	case <-ctx.Done():
		return lifeerr.From(ctx.Err())
	}

	p.mu.Lock()
	if p.generation != gen || p.status != StatusStarting {
		p.mu.Unlock()
		return lifeerr.Newf(lifeerr.Conflict, "agent %s start was interrupted", p.id)
	}
	p.status = StatusRunning
	now := time.Now()
	p.lastStartedAt = now
	p.lastSeenAt = now
	healthCtx, healthCancel := context.WithCancel(context.Background())
	p.healthCancel = healthCancel
	p.mu.Unlock()

	p.metrics.ActiveWorkers.Add(context.Background(), 1)
	go p.healthLoop(healthCtx, gen, endpoint, child)
	return nil
}

// Stop gracefully shuts the worker down: stop RPC with a deadline, then
// force-kill, then reap. Idempotent from stopped and stopping.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.status == StatusStopped || p.status == StatusStopping {
		p.mu.Unlock()
		return nil
	}
	wasRunning := p.status == StatusRunning
	p.status = StatusStopping
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
	if p.healthCancel != nil {
		p.healthCancel()
		p.healthCancel = nil
	}
	p.generation++ // detach the exit handler
	child := p.child
	endpoint := p.endpoint
	exitCh := p.exitCh
	p.child = nil
	p.endpoint = nil
	p.exitCh = nil
	p.mu.Unlock()

	if endpoint != nil {
		if _, err := endpoint.Call(ctx, rpc.CallSpec{Name: "stop", Timeout: p.stopTimeout}); err != nil {
			slog.Warn("graceful stop failed, killing worker",
				"id", p.id, "name", p.name, "err", err)
			if child != nil {
				_ = child.Kill()
			}
		}
	}
	if exitCh != nil {
		select {
		case <-exitCh:
		case <-time.After(p.stopTimeout):
			slog.Warn("worker did not exit after stop, killing", "id", p.id, "name", p.name)
			if child != nil {
				_ = child.Kill()
			}
			<-exitCh
		}
	}
	if endpoint != nil {
		_ = endpoint.Close()
	}

	p.mu.Lock()
	p.status = StatusStopped
	p.lastStartedAt = time.Time{}
	p.lastSeenAt = time.Time{}
	p.mu.Unlock()

	if wasRunning {
		p.metrics.ActiveWorkers.Add(context.Background(), -1)
	}
	slog.Info("agent stopped", "id", p.id, "name", p.name)
	return nil
}

// Restart stops the worker and starts it again with the last known scope and
// room. Rejects with Conflict if the worker was never started. The restart
// count increments before the start, so backoff and isRestart reflect it.
func (p *Process) Restart(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return lifeerr.Newf(lifeerr.Conflict, "agent %s has never been started", p.id)
	}
	scope := p.lastScope
	room := p.lastRoom
	p.restartCount++
	p.mu.Unlock()

	p.metrics.RecordWorkerRestart(ctx, p.name)
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(ctx, scope, room)
}

// Ping calls the child's ping procedure with the health-check deadline.
func (p *Process) Ping(ctx context.Context) error {
	p.mu.Lock()
	endpoint := p.endpoint
	status := p.status
	p.mu.Unlock()
	if status != StatusRunning || endpoint == nil {
		return lifeerr.Newf(lifeerr.Conflict, "agent %s is not running", p.id)
	}
	_, err := endpoint.Call(ctx, rpc.CallSpec{Name: "ping", Timeout: p.healthTimeout})
	return err
}

// Stats fetches the worker's own cpu and memory snapshot.
func (p *Process) Stats(ctx context.Context) (map[string]any, error) {
	p.mu.Lock()
	endpoint := p.endpoint
	status := p.status
	p.mu.Unlock()
	if status != StatusRunning || endpoint == nil {
		return nil, lifeerr.Newf(lifeerr.Conflict, "agent %s is not running", p.id)
	}
	out, err := endpoint.Call(ctx, rpc.CallSpec{Name: "getProcessStats"})
	if err != nil {
		return nil, err
	}
	snap, _ := out.(map[string]any)
	return snap, nil
}

// watchExit is the sole caller of child.Wait. It closes exitCh once the
// process is reaped, then hands the exit to the crash handler.
func (p *Process) watchExit(gen int, child Child, exitCh chan struct{}) {
	err := child.Wait()
	close(exitCh)
	p.handleExit(gen, err)
}

// handleExit reacts to an unexpected child exit: it tears the worker state
// down and, within the restart budget, schedules an auto-restart with
// exponential backoff.
func (p *Process) handleExit(gen int, exitErr error) {
	p.mu.Lock()
	if gen != p.generation {
		// A Stop or a newer start owns the lifecycle now.
		p.mu.Unlock()
		return
	}
	status := p.status
	if status != StatusRunning && status != StatusStarting {
		p.mu.Unlock()
		return
	}
	if p.healthCancel != nil {
		p.healthCancel()
		p.healthCancel = nil
	}
	endpoint := p.endpoint
	p.child = nil
	p.endpoint = nil
	p.exitCh = nil
	p.status = StatusStopped
	p.lastStartedAt = time.Time{}
	p.lastSeenAt = time.Time{}

	restarts := p.restartCount
	schedule := restarts < p.maxRestarts
	var delay time.Duration
	if schedule {
		delay = restartDelay(restarts)
		p.restartTimer = time.AfterFunc(delay, func() {
			if err := p.Restart(context.Background()); err != nil {
				slog.Error("auto-restart failed", "id", p.id, "name", p.name, "err", err)
			}
		})
	}
	p.mu.Unlock()

	if endpoint != nil {
		_ = endpoint.Close()
	}
	if status == StatusRunning {
		p.metrics.ActiveWorkers.Add(context.Background(), -1)
	}

	switch {
	case schedule && delay == 0:
		slog.Error("worker exited unexpectedly. Restarting immediately.",
			"id", p.id, "name", p.name, "err", exitErr)
	case schedule:
		slog.Error("worker exited unexpectedly",
			"id", p.id, "name", p.name, "restart_in", delay, "err", exitErr)
	default:
		slog.Error("worker exited unexpectedly, restart budget exhausted",
			"id", p.id, "name", p.name, "restarts", restarts, "err", exitErr)
	}
}

// healthLoop pings the child on a fixed period. A failed or timed-out ping
// force-kills the child; the exit handler takes over from there.
func (p *Process) healthLoop(ctx context.Context, gen int, endpoint *rpc.Endpoint, child Child) {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := endpoint.Call(ctx, rpc.CallSpec{Name: "ping", Timeout: p.healthTimeout}); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("health check failed, killing worker",
				"id", p.id, "name", p.name, "err", err)
			_ = child.Kill()
			return
		}

		p.mu.Lock()
		if gen == p.generation && p.status == StatusRunning {
			p.lastSeenAt = time.Now()
		}
		p.mu.Unlock()
	}
}

func (p *Process) handleSyncContext(_ context.Context, input any) (any, error) {
	var change worker.ContextChange
	if err := fromWire(input, &change); err != nil {
		return nil, err
	}
	if change.PluginName == "" {
		return nil, lifeerr.New(lifeerr.Validation, "syncContext requires pluginName")
	}
	p.mu.Lock()
	p.pluginContexts[change.PluginName] = change.Context
	p.mu.Unlock()
	return "ok", nil
}

func (p *Process) handleSyncTelemetry(_ context.Context, input any) (any, error) {
	var signal observe.Signal
	if err := fromWire(input, &signal); err != nil {
		return nil, err
	}
	p.metrics.RecordTelemetrySignal(context.Background(), signal.Name)
	if p.telemetrySink != nil {
		p.telemetrySink(signal)
	}
	return "ok", nil
}
