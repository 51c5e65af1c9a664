package supervisor

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lifert/life/internal/buildindex"
	"github.com/lifert/life/internal/health"
	"github.com/lifert/life/internal/observe"
	"github.com/lifert/life/internal/stats"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/transport"
)

// Version is the supervisor's own version, reported by info().
const Version = "0.1.0"

const shutdownTimeout = 15 * time.Second

// WorkerSpawner launches the worker process for one agent instance. The
// server calls it once per (re)start with the agent's id.
type WorkerSpawner func(ctx context.Context, agentID string) (Child, error)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAdminAddr enables the admin HTTP listener (healthz, readyz, metrics).
// Empty disables it.
func WithAdminAddr(addr string) ServerOption {
	return func(s *Server) { s.adminAddr = addr }
}

// WithServerMetrics sets the metrics instance. Defaults to
// observe.DefaultMetrics.
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithWorkerOptions forwards options to every Process the server creates.
func WithWorkerOptions(opts ...ProcessOption) ServerOption {
	return func(s *Server) { s.procOpts = append(s.procOpts, opts...) }
}

// WithWatcherOptions forwards options to the build-index watcher.
func WithWatcherOptions(opts ...buildindex.WatcherOption) ServerOption {
	return func(s *Server) { s.watchOpts = append(s.watchOpts, opts...) }
}

// Server is the supervisor root: it owns the worker registry, mints session
// and room tokens, serves the public agent API, and hot-reloads workers when
// the build index changes.
type Server struct {
	index  *buildindex.Index
	tokens transport.TokenSource
	spawn  WorkerSpawner

	metrics   *observe.Metrics
	adminAddr string
	procOpts  []ProcessOption
	watchOpts []buildindex.WatcherOption
	startedAt time.Time

	mu      sync.Mutex
	workers map[string]*workerEntry
}

type workerEntry struct {
	proc         *Process
	sessionToken string
}

// NewServer creates a supervisor over the given build index. tokens mints
// realtime-room join tokens; spawn launches worker processes.
func NewServer(index *buildindex.Index, tokens transport.TokenSource, spawn WorkerSpawner,
	opts ...ServerOption) *Server {

	s := &Server{
		index:     index,
		tokens:    tokens,
		spawn:     spawn,
		startedAt: time.Now(),
		workers:   make(map[string]*workerEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Run watches the build index for hot reload and, when configured, serves the
// admin HTTP listener. It blocks until ctx is cancelled, then stops every
// worker.
func (s *Server) Run(ctx context.Context) error {
	watcher, err := buildindex.NewWatcher(s.index.Dir(), s.onIndexChange, s.watchOpts...)
	if err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	defer watcher.Stop()

	errCh := make(chan error, 1)
	var admin *http.Server
	if s.adminAddr != "" {
		admin = s.adminServer()
		go func() {
			slog.Info("admin listener started", "addr", s.adminAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("admin listener failed", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin listener shutdown error", "err", err)
		}
	}
	s.stopAll(shutdownCtx)
	return runErr
}

func (s *Server) adminServer() *http.Server {
	mux := http.NewServeMux()
	health.New(health.Checker{
		Name: "buildindex",
		Check: func(context.Context) error {
			_, err := os.ReadDir(s.index.Dir())
			return err
		},
	}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{
		Addr:    s.adminAddr,
		Handler: observe.Middleware(s.metrics)(mux),
	}
}

// stopAll stops every registered worker in parallel and clears the registry.
func (s *Server) stopAll(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.workers))
	for _, entry := range s.workers {
		procs = append(procs, entry.proc)
	}
	s.workers = make(map[string]*workerEntry)
	s.mu.Unlock()

	var g errgroup.Group
	for _, proc := range procs {
		g.Go(func() error { return proc.Stop(ctx) })
	}
	if err := g.Wait(); err != nil {
		slog.Warn("worker shutdown error", "err", err)
	}
}

// onIndexChange is the hot-reload path: re-read the index, then restart every
// running worker hosting the changed agent, in parallel.
func (s *Server) onIndexChange(name string) {
	if err := s.index.Reload(); err != nil {
		slog.Error("build index reload failed", "err", err)
		return
	}

	s.mu.Lock()
	var procs []*Process
	for _, entry := range s.workers {
		if entry.proc.Name() == name && entry.proc.Status() == StatusRunning {
			procs = append(procs, entry.proc)
		}
	}
	s.mu.Unlock()
	if len(procs) == 0 {
		return
	}

	slog.Info("hot reload", "agent", name, "workers", len(procs))
	var g errgroup.Group
	for _, proc := range procs {
		g.Go(func() error { return proc.Restart(context.Background()) })
	}
	if err := g.Wait(); err != nil {
		slog.Error("hot reload restart failed", "agent", name, "err", err)
	}
}

// ---- public operations ----

// Available lists every agent in the build index with its scope keys.
func (s *Server) Available() []buildindex.Available {
	return s.index.Available()
}

// Ping is the supervisor liveness probe.
func (s *Server) Ping() string { return "pong" }

// Info describes the supervisor process.
type Info struct {
	LifeVersion    string       `json:"lifeVersion"`
	RuntimeVersion string       `json:"runtimeVersion"`
	StartedAt      time.Time    `json:"startedAt"`
	CPU            stats.CPU    `json:"cpu"`
	Memory         stats.Memory `json:"memory"`
}

// Info returns versions, uptime origin, and host cpu+memory usage.
func (s *Server) Info(ctx context.Context) (*Info, error) {
	snap, err := stats.Host(ctx)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Unknown, err)
	}
	return &Info{
		LifeVersion:    Version,
		RuntimeVersion: runtime.Version(),
		StartedAt:      s.startedAt,
		CPU:            snap.CPU,
		Memory:         snap.Memory,
	}, nil
}

// ProcessRow is one row of the processes() snapshot.
type ProcessRow struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	LastStartedAt time.Time `json:"lastStartedAt"`
}

// Processes snapshots every registered worker, sorted by id.
func (s *Server) Processes() []ProcessRow {
	s.mu.Lock()
	rows := make([]ProcessRow, 0, len(s.workers))
	for id, entry := range s.workers {
		rows = append(rows, ProcessRow{
			ID:            id,
			Name:          entry.proc.Name(),
			Status:        entry.proc.Status(),
			LastStartedAt: entry.proc.LastStartedAt(),
		})
	}
	s.mu.Unlock()
	sort.Slice(rows, func(a, b int) bool { return rows[a].ID < rows[b].ID })
	return rows
}

// CreateParams is the input of agent.create.
type CreateParams struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// CreateResult is the output of agent.create.
type CreateResult struct {
	ID           string         `json:"id"`
	ClientConfig map[string]any `json:"clientConfig"`
}

// CreateAgent allocates and registers a worker for the named agent. The
// worker stays stopped until agent.start.
func (s *Server) CreateAgent(_ context.Context, params CreateParams) (*CreateResult, error) {
	def, err := s.index.Get(params.Name)
	if err != nil {
		return nil, err
	}
	resolved, err := buildindex.Resolve(def)
	if err != nil {
		return nil, err
	}

	id := params.ID
	if id == "" {
		id = "agent_" + uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.workers[id]; exists {
		s.mu.Unlock()
		return nil, lifeerr.Newf(lifeerr.Conflict, "agent %s already exists", id)
	}
	proc := NewProcess(id, def.Name, func(ctx context.Context) (Child, error) {
		return s.spawn(ctx, id)
	}, s.procOpts...)
	s.workers[id] = &workerEntry{proc: proc}
	s.mu.Unlock()

	slog.Info("agent created", "id", id, "name", def.Name)
	return &CreateResult{ID: id, ClientConfig: resolved.Client}, nil
}

// StartRequest is the input of agent.start.
type StartRequest struct {
	ID      string         `json:"id"`
	Request map[string]any `json:"request"`
	Scope   map[string]any `json:"scope"`
}

// StartResult is the output of agent.start. The transport room carries the
// user-side join token; the agent-side token never leaves the supervisor.
type StartResult struct {
	SessionToken  string         `json:"sessionToken"`
	TransportRoom transport.Room `json:"transportRoom"`
}

// StartAgent authorizes the caller against the definition's access schema,
// mints the room and its tokens, and brings the worker to running.
func (s *Server) StartAgent(ctx context.Context, req StartRequest) (*StartResult, error) {
	s.mu.Lock()
	entry, ok := s.workers[req.ID]
	s.mu.Unlock()
	if !ok {
		return nil, lifeerr.Newf(lifeerr.NotFound, "no agent with id %s", req.ID)
	}

	def, err := s.index.Get(entry.proc.Name())
	if err != nil {
		return nil, err
	}
	if err := checkAccess(def, req.Request, req.Scope); err != nil {
		return nil, err
	}

	roomName := "room_" + req.ID
	agentToken, err := s.tokens.CreateToken(ctx, roomName, req.ID)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Upstream, err)
	}
	userToken, err := s.tokens.CreateToken(ctx, roomName, "user_"+req.ID)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Upstream, err)
	}

	if err := entry.proc.Start(ctx, req.Scope, transport.Room{Name: roomName, Token: agentToken}); err != nil {
		return nil, lifeerr.Decorate(err, entry.proc.Name(), req.ID)
	}

	// The session token is constant for the worker's lifetime: an idempotent
	// re-start of a running worker must not rotate it out from under the
	// caller who holds it.
	s.mu.Lock()
	token := entry.sessionToken
	if token == "" {
		if token, err = newSessionToken(); err != nil {
			s.mu.Unlock()
			return nil, lifeerr.Wrap(lifeerr.Unknown, err)
		}
		entry.sessionToken = token
	}
	s.mu.Unlock()

	return &StartResult{
		SessionToken:  token,
		TransportRoom: transport.Room{Name: roomName, Token: userToken},
	}, nil
}

// StopAgent stops the worker and removes it from the registry.
func (s *Server) StopAgent(ctx context.Context, id, sessionToken string) error {
	entry, err := s.authorize(id, sessionToken)
	if err != nil {
		return err
	}
	if err := entry.proc.Stop(ctx); err != nil {
		return lifeerr.Decorate(err, entry.proc.Name(), id)
	}
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
	return nil
}

// RestartAgent restarts the worker in place.
func (s *Server) RestartAgent(ctx context.Context, id, sessionToken string) error {
	entry, err := s.authorize(id, sessionToken)
	if err != nil {
		return err
	}
	if err := entry.proc.Restart(ctx); err != nil {
		return lifeerr.Decorate(err, entry.proc.Name(), id)
	}
	return nil
}

// PingAgent returns "pong" when the worker is running.
func (s *Server) PingAgent(_ context.Context, id, sessionToken string) (string, error) {
	entry, err := s.authorize(id, sessionToken)
	if err != nil {
		return "", err
	}
	if entry.proc.Status() != StatusRunning {
		return "", lifeerr.Newf(lifeerr.Conflict, "agent %s is not running", id)
	}
	return "pong", nil
}

// AgentInfo is the output of agent.info. CPU and memory come from the
// worker's own stats and are nil when the worker is not running.
type AgentInfo struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Scope         map[string]any `json:"scope"`
	Status        Status         `json:"status"`
	LastStartedAt time.Time      `json:"lastStartedAt"`
	LastSeenAt    time.Time      `json:"lastSeenAt"`
	RestartCount  int            `json:"restartCount"`
	CPU           any            `json:"cpu"`
	Memory        any            `json:"memory"`
}

// GetAgentInfo describes one worker, including its own cpu+memory usage when
// running.
func (s *Server) GetAgentInfo(ctx context.Context, id, sessionToken string) (*AgentInfo, error) {
	entry, err := s.authorize(id, sessionToken)
	if err != nil {
		return nil, err
	}
	proc := entry.proc

	info := &AgentInfo{
		ID:            id,
		Name:          proc.Name(),
		Scope:         proc.Scope(),
		Status:        proc.Status(),
		LastStartedAt: proc.LastStartedAt(),
		LastSeenAt:    proc.LastSeenAt(),
		RestartCount:  proc.RestartCount(),
	}
	if info.Status == StatusRunning {
		snap, err := proc.Stats(ctx)
		if err != nil {
			slog.Warn("worker stats unavailable", "id", id, "err", err)
		} else {
			info.CPU = snap["cpu"]
			info.Memory = snap["memory"]
		}
	}
	return info, nil
}

// authorize looks the worker up and checks the session token in constant
// time. A worker that has not been started yet has no token, so every
// comparison fails.
func (s *Server) authorize(id, sessionToken string) (*workerEntry, error) {
	s.mu.Lock()
	entry, ok := s.workers[id]
	var stored string
	if ok {
		stored = entry.sessionToken
	}
	s.mu.Unlock()
	if !ok {
		return nil, lifeerr.Newf(lifeerr.NotFound, "no agent with id %s", id)
	}
	if stored == "" ||
		subtle.ConstantTimeCompare([]byte(sessionToken), []byte(stored)) != 1 {
		return nil, lifeerr.New(lifeerr.Forbidden, "invalid session token")
	}
	return entry, nil
}

// checkAccess validates {request, scope} against the definition's access
// schema. A rejection surfaces as Forbidden, never as Validation, so callers
// cannot probe the schema.
func checkAccess(def *buildindex.Definition, request, scope map[string]any) error {
	schema, err := def.CompileAccessSchema()
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(map[string]any{"request": request, "scope": scope}); err != nil {
		return lifeerr.Newf(lifeerr.Forbidden, "access to agent %q denied", def.Name)
	}
	return nil
}

// newSessionToken mints a 256-bit random token.
func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
