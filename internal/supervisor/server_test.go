package supervisor

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lifert/life/internal/buildindex"
	"github.com/lifert/life/internal/rpc"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/transport"
)

// echoDefinition requires request.role == "admin" for access.
const echoServerDefinition = `{
	"name": "echo",
	"sourcePath": "/src/echo/agent.ts",
	"scopeSchema": {
		"type": "object",
		"properties": {"userId": {"type": "string"}},
		"required": ["userId"]
	},
	"accessSchema": {
		"type": "object",
		"properties": {
			"request": {
				"type": "object",
				"properties": {"role": {"const": "admin"}},
				"required": ["role"]
			}
		},
		"required": ["request"]
	},
	"plugins": [{"name": "transcript", "syncContext": true}],
	"config": {"systemPrompt": "You are echo.", "language": "en"}
}`

const calcServerDefinition = `{
	"name": "calc",
	"sourcePath": "/src/calc/agent.ts",
	"config": {"systemPrompt": "You are calc."}
}`

// stubTokens mints predictable room tokens.
type stubTokens struct{}

func (stubTokens) CreateToken(_ context.Context, _, identity string) (string, error) {
	return "tok_" + identity, nil
}

var _ transport.TokenSource = stubTokens{}

// serverSpawnEnv records spawns per agent id.
type serverSpawnEnv struct {
	mu   sync.Mutex
	byID map[string][]*fakeWorker
}

func (e *serverSpawnEnv) spawn(_ context.Context, id string) (Child, error) {
	w, c := newFakeWorker()
	e.mu.Lock()
	e.byID[id] = append(e.byID[id], w)
	e.mu.Unlock()
	return c, nil
}

func (e *serverSpawnEnv) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID[id])
}

func (e *serverSpawnEnv) worker(id string, i int) *fakeWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byID[id][i]
}

func newTestServer(t *testing.T) (*Server, *serverSpawnEnv) {
	t.Helper()

	dir := t.TempDir()
	for name, def := range map[string]string{
		"echo.json": echoServerDefinition,
		"calc.json": calcServerDefinition,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(def), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	index, err := buildindex.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	env := &serverSpawnEnv{byID: make(map[string][]*fakeWorker)}
	s := NewServer(index, stubTokens{}, env.spawn,
		WithWorkerOptions(
			WithHealthInterval(20*time.Millisecond),
			WithHealthTimeout(100*time.Millisecond),
			WithStopTimeout(500*time.Millisecond),
			WithReadyTimeout(2*time.Second),
		),
		WithWatcherOptions(
			buildindex.WithInterval(5*time.Millisecond),
			buildindex.WithStabilityWindow(10*time.Millisecond),
		),
	)
	t.Cleanup(func() { s.stopAll(context.Background()) })
	return s, env
}

func startedAgent(t *testing.T, s *Server, name string, request map[string]any) (string, *StartResult) {
	t.Helper()
	created, err := s.CreateAgent(context.Background(), CreateParams{Name: name})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	result, err := s.StartAgent(context.Background(), StartRequest{
		ID:      created.ID,
		Request: request,
		Scope:   map[string]any{"userId": "u1"},
	})
	if err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	return created.ID, result
}

func TestCreateStartStopLifecycle(t *testing.T) {
	s, env := newTestServer(t)

	created, err := s.CreateAgent(context.Background(), CreateParams{Name: "echo"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if !strings.HasPrefix(created.ID, "agent_") {
		t.Errorf("id = %q", created.ID)
	}
	if created.ClientConfig["systemPrompt"] != "You are echo." {
		t.Errorf("clientConfig = %v", created.ClientConfig)
	}

	result, err := s.StartAgent(context.Background(), StartRequest{
		ID:      created.ID,
		Request: map[string]any{"role": "admin"},
		Scope:   map[string]any{"userId": "u1"},
	})
	if err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if result.SessionToken == "" {
		t.Error("empty session token")
	}
	wantRoom := "room_" + created.ID
	if result.TransportRoom.Name != wantRoom {
		t.Errorf("room = %q, want %q", result.TransportRoom.Name, wantRoom)
	}
	if result.TransportRoom.Token != "tok_user_"+created.ID {
		t.Errorf("user token = %q", result.TransportRoom.Token)
	}

	// The worker joined with the agent-side token, not the user's.
	params := env.worker(created.ID, 0).received()
	if params[0].TransportRoom.Token != "tok_"+created.ID {
		t.Errorf("agent token = %q", params[0].TransportRoom.Token)
	}
	if params[0].TransportRoom.Name != wantRoom {
		t.Errorf("agent room = %q", params[0].TransportRoom.Name)
	}

	pong, err := s.PingAgent(context.Background(), created.ID, result.SessionToken)
	if err != nil || pong != "pong" {
		t.Fatalf("PingAgent = %q, %v", pong, err)
	}

	if err := s.StopAgent(context.Background(), created.ID, result.SessionToken); err != nil {
		t.Fatalf("StopAgent: %v", err)
	}
	if rows := s.Processes(); len(rows) != 0 {
		t.Errorf("registry not empty after stop: %v", rows)
	}
	_, err = s.GetAgentInfo(context.Background(), created.ID, result.SessionToken)
	if lifeerr.CodeOf(err) != lifeerr.NotFound {
		t.Errorf("info after stop = %v, want NotFound", err)
	}
}

func TestCreateUnknownAgentIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.CreateAgent(context.Background(), CreateParams{Name: "missing"})
	if lifeerr.CodeOf(err) != lifeerr.NotFound {
		t.Fatalf("code = %v, want NotFound", lifeerr.CodeOf(err))
	}
}

func TestCreateDuplicateIDIsConflict(t *testing.T) {
	s, _ := newTestServer(t)

	if _, err := s.CreateAgent(context.Background(), CreateParams{ID: "a1", Name: "echo"}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	_, err := s.CreateAgent(context.Background(), CreateParams{ID: "a1", Name: "calc"})
	if lifeerr.CodeOf(err) != lifeerr.Conflict {
		t.Fatalf("code = %v, want Conflict", lifeerr.CodeOf(err))
	}
}

func TestStartUnknownIDIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.StartAgent(context.Background(), StartRequest{ID: "missing"})
	if lifeerr.CodeOf(err) != lifeerr.NotFound {
		t.Fatalf("code = %v, want NotFound", lifeerr.CodeOf(err))
	}
}

func TestStartWithoutAccessIsForbidden(t *testing.T) {
	s, env := newTestServer(t)

	created, err := s.CreateAgent(context.Background(), CreateParams{Name: "echo"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	_, err = s.StartAgent(context.Background(), StartRequest{
		ID:      created.ID,
		Request: map[string]any{"role": "user"},
		Scope:   map[string]any{"userId": "u1"},
	})
	if lifeerr.CodeOf(err) != lifeerr.Forbidden {
		t.Fatalf("code = %v, want Forbidden", lifeerr.CodeOf(err))
	}
	if env.count(created.ID) != 0 {
		t.Error("worker spawned despite denied access")
	}
}

func TestWrongSessionTokenIsForbiddenWithoutSideEffects(t *testing.T) {
	s, _ := newTestServer(t)
	id, _ := startedAgent(t, s, "echo", map[string]any{"role": "admin"})

	if _, err := s.PingAgent(context.Background(), id, "xyz"); lifeerr.CodeOf(err) != lifeerr.Forbidden {
		t.Fatalf("ping code = %v, want Forbidden", lifeerr.CodeOf(err))
	}
	if err := s.StopAgent(context.Background(), id, "xyz"); lifeerr.CodeOf(err) != lifeerr.Forbidden {
		t.Fatalf("stop code = %v, want Forbidden", lifeerr.CodeOf(err))
	}

	rows := s.Processes()
	if len(rows) != 1 || rows[0].Status != StatusRunning {
		t.Errorf("worker state changed: %v", rows)
	}
}

func TestSecondStartKeepsSessionToken(t *testing.T) {
	s, env := newTestServer(t)
	id, first := startedAgent(t, s, "echo", map[string]any{"role": "admin"})

	// A second start of a running worker is idempotent; it must hand back the
	// original session token instead of minting a new one.
	again, err := s.StartAgent(context.Background(), StartRequest{
		ID:      id,
		Request: map[string]any{"role": "admin"},
		Scope:   map[string]any{"userId": "u1"},
	})
	if err != nil {
		t.Fatalf("second StartAgent: %v", err)
	}
	if again.SessionToken != first.SessionToken {
		t.Error("session token rotated on idempotent re-start")
	}
	if env.count(id) != 1 {
		t.Errorf("spawned %d workers, want 1", env.count(id))
	}

	if _, err := s.PingAgent(context.Background(), id, first.SessionToken); err != nil {
		t.Errorf("original token rejected after re-start: %v", err)
	}
	if err := s.StopAgent(context.Background(), id, first.SessionToken); err != nil {
		t.Errorf("original token rejected on stop: %v", err)
	}
}

func TestAgentInfoIncludesWorkerStats(t *testing.T) {
	s, _ := newTestServer(t)
	id, result := startedAgent(t, s, "echo", map[string]any{"role": "admin"})

	info, err := s.GetAgentInfo(context.Background(), id, result.SessionToken)
	if err != nil {
		t.Fatalf("GetAgentInfo: %v", err)
	}
	if info.ID != id || info.Name != "echo" || info.Status != StatusRunning {
		t.Errorf("info = %+v", info)
	}
	if info.Scope["userId"] != "u1" {
		t.Errorf("scope = %v", info.Scope)
	}
	if info.RestartCount != 0 {
		t.Errorf("restartCount = %d", info.RestartCount)
	}
	if info.CPU == nil || info.Memory == nil {
		t.Errorf("worker stats missing: cpu=%v memory=%v", info.CPU, info.Memory)
	}
}

func TestRestartAgent(t *testing.T) {
	s, env := newTestServer(t)
	id, result := startedAgent(t, s, "echo", map[string]any{"role": "admin"})

	if err := s.RestartAgent(context.Background(), id, result.SessionToken); err != nil {
		t.Fatalf("RestartAgent: %v", err)
	}
	if env.count(id) != 2 {
		t.Errorf("spawned %d workers, want 2", env.count(id))
	}
	info, err := s.GetAgentInfo(context.Background(), id, result.SessionToken)
	if err != nil {
		t.Fatalf("GetAgentInfo: %v", err)
	}
	if info.RestartCount != 1 {
		t.Errorf("restartCount = %d, want 1", info.RestartCount)
	}
}

func TestAvailableListsIndexedAgents(t *testing.T) {
	s, _ := newTestServer(t)

	available := s.Available()
	if len(available) != 2 {
		t.Fatalf("available = %v", available)
	}
	if available[0].Name != "calc" || available[1].Name != "echo" {
		t.Errorf("names = %v, %v", available[0].Name, available[1].Name)
	}
	if len(available[1].ScopeKeys) != 1 || available[1].ScopeKeys[0] != "userId" {
		t.Errorf("echo scope keys = %v", available[1].ScopeKeys)
	}
}

func TestInfoReportsVersionsAndHostStats(t *testing.T) {
	s, _ := newTestServer(t)

	info, err := s.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.LifeVersion != Version {
		t.Errorf("lifeVersion = %q", info.LifeVersion)
	}
	if !strings.HasPrefix(info.RuntimeVersion, "go") {
		t.Errorf("runtimeVersion = %q", info.RuntimeVersion)
	}
	if info.StartedAt.IsZero() {
		t.Error("startedAt not set")
	}
	if info.Memory.Total == 0 {
		t.Error("memory total is zero")
	}
}

func TestHotReloadRestartsOnlyMatchingWorkers(t *testing.T) {
	s, env := newTestServer(t)

	echoID, _ := startedAgent(t, s, "echo", map[string]any{"role": "admin"})
	calcID, _ := startedAgent(t, s, "calc", nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the watcher snapshot the index

	changed := strings.Replace(echoServerDefinition, "You are echo.", "You are echo v2.", 1)
	if err := os.WriteFile(filepath.Join(s.index.Dir(), "echo.json"), []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite definition: %v", err)
	}

	waitFor(t, "echo worker restart", func() bool { return env.count(echoID) == 2 })
	time.Sleep(50 * time.Millisecond)
	if env.count(calcID) != 1 {
		t.Errorf("calc worker restarted %d times", env.count(calcID)-1)
	}

	// The restarted worker picks up the reloaded definition on its next
	// config resolution; the index itself must already hold it.
	def, err := s.index.Get("echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Config["systemPrompt"] != "You are echo v2." {
		t.Errorf("index not reloaded: %v", def.Config)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if rows := s.Processes(); len(rows) != 0 {
		t.Errorf("workers not stopped on shutdown: %v", rows)
	}
}

func TestAdminEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	s.adminAddr = "127.0.0.1:0"
	handler := s.adminServer().Handler

	for path, wantStatus := range map[string]int{
		"/healthz": 200,
		"/readyz":  200,
		"/metrics": 200,
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != wantStatus {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, wantStatus)
		}
	}
}

func TestRPCSurface(t *testing.T) {
	s, _ := newTestServer(t)

	serverPipe, clientPipe := rpc.NewPipePair()
	s.RegisterProcedures(rpc.NewEndpoint(serverPipe))
	client := rpc.NewEndpoint(clientPipe)

	pong, err := client.Call(context.Background(), rpc.CallSpec{Name: "ping"})
	if err != nil || pong != "pong" {
		t.Fatalf("ping = %v, %v", pong, err)
	}

	available, err := client.Call(context.Background(), rpc.CallSpec{Name: "available"})
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if rows, ok := available.([]any); !ok || len(rows) != 2 {
		t.Errorf("available = %v", available)
	}

	created, err := client.Call(context.Background(), rpc.CallSpec{
		Name:  "agent.create",
		Input: map[string]any{"name": "calc"},
	})
	if err != nil {
		t.Fatalf("agent.create: %v", err)
	}
	id, _ := created.(map[string]any)["id"].(string)
	if id == "" {
		t.Fatalf("agent.create = %v", created)
	}

	startResult, err := client.Call(context.Background(), rpc.CallSpec{
		Name:  "agent.start",
		Input: map[string]any{"id": id, "request": map[string]any{}, "scope": map[string]any{}},
	})
	if err != nil {
		t.Fatalf("agent.start: %v", err)
	}
	token, _ := startResult.(map[string]any)["sessionToken"].(string)
	if token == "" {
		t.Fatalf("agent.start = %v", startResult)
	}

	_, err = client.Call(context.Background(), rpc.CallSpec{
		Name:  "agent.ping",
		Input: map[string]any{"id": id, "sessionToken": "wrong"},
	})
	if lifeerr.CodeOf(err) != lifeerr.Forbidden {
		t.Errorf("wrong token code = %v, want Forbidden", lifeerr.CodeOf(err))
	}

	stopped, err := client.Call(context.Background(), rpc.CallSpec{
		Name:  "agent.stop",
		Input: map[string]any{"id": id, "sessionToken": token},
	})
	if err != nil || stopped != "ok" {
		t.Fatalf("agent.stop = %v, %v", stopped, err)
	}
}
