package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lifert/life/internal/buildindex"
	"github.com/lifert/life/internal/rpc"
	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/provider/llm"
	llmmock "github.com/lifert/life/pkg/provider/llm/mock"
	"github.com/lifert/life/pkg/provider/stt"
	sttmock "github.com/lifert/life/pkg/provider/stt/mock"
	"github.com/lifert/life/pkg/transport"
	transportmock "github.com/lifert/life/pkg/transport/mock"
)

const testDefinition = `{
	"name": "echo",
	"sourcePath": "/src/echo/agent.ts",
	"scopeSchema": {
		"type": "object",
		"properties": {"userId": {"type": "string"}},
		"required": ["userId"]
	},
	"plugins": [{"name": "transcript", "syncContext": true}],
	"config": {"systemPrompt": "You are echo.", "language": "en"}
}`

// parentSide is the supervisor half of the control channel in tests.
type parentSide struct {
	endpoint  *rpc.Endpoint
	ready     chan map[string]any
	contexts  chan map[string]any
	telemetry chan map[string]any
}

func newParentSide(pipe rpc.Pipe) *parentSide {
	p := &parentSide{
		ready:     make(chan map[string]any, 4),
		contexts:  make(chan map[string]any, 16),
		telemetry: make(chan map[string]any, 64),
	}
	p.endpoint = rpc.NewEndpoint(pipe)
	p.endpoint.Register(rpc.Procedure{Name: "ready", Handler: func(_ context.Context, input any) (any, error) {
		p.ready <- asMap(input)
		return "ok", nil
	}})
	p.endpoint.Register(rpc.Procedure{Name: "syncContext", Handler: func(_ context.Context, input any) (any, error) {
		p.contexts <- asMap(input)
		return "ok", nil
	}})
	p.endpoint.Register(rpc.Procedure{Name: "syncTelemetry", Handler: func(_ context.Context, input any) (any, error) {
		p.telemetry <- asMap(input)
		return "ok", nil
	}})
	return p
}

func asMap(input any) map[string]any {
	m, _ := input.(map[string]any)
	return m
}

type fixture struct {
	parent  *parentSide
	runtime *Runtime
	hub     *transportmock.Hub
	user    *transportmock.Peer
	llm     *llmmock.Provider
	stt     *sttmock.Provider
	runDone chan error
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "echo.json"), []byte(testDefinition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	index, err := buildindex.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	hub := transportmock.NewHub()
	agentPeer := hub.NewPeer("agent")
	userPeer := hub.NewPeer("user")

	llmProvider := &llmmock.Provider{
		ProviderName: "mockllm",
		Chunks:       []job.Chunk{{Kind: job.Content, Text: "Hi there"}},
	}
	sttProvider := &sttmock.Provider{ProviderName: "mockstt"}

	parentPipe, childPipe := rpc.NewPipePair()
	parent := newParentSide(parentPipe)
	runtime := New(childPipe, agentPeer, index,
		func(map[string]any) (llm.Provider, error) { return llmProvider, nil },
		func(map[string]any) (stt.Provider, error) { return sttProvider, nil },
		opts...,
	)

	runDone := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { runDone <- runtime.Run(ctx) }()

	return &fixture{
		parent:  parent,
		runtime: runtime,
		hub:     hub,
		user:    userPeer,
		llm:     llmProvider,
		stt:     sttProvider,
		runDone: runDone,
	}
}

func (f *fixture) startAgent(t *testing.T) {
	t.Helper()
	result, err := f.parent.endpoint.Call(context.Background(), rpc.CallSpec{
		Name: "start",
		Input: map[string]any{
			"id":   "agent_1",
			"name": "echo",
			"scope": map[string]any{
				"userId": "u1",
			},
			"transportRoom":   map[string]any{"name": "room_agent_1", "token": "ta"},
			"pluginsContexts": map[string]any{},
			"isRestart":       false,
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result != "ok" {
		t.Fatalf("start = %v", result)
	}

	select {
	case ready := <-f.parent.ready:
		if ready["agentId"] != "agent_1" {
			t.Fatalf("ready payload = %v", ready)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
}

func TestStartRunsAgentAndSignalsReady(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t)

	if len(f.stt.GenerateCalls) != 1 {
		t.Errorf("stt sessions = %d, want 1", len(f.stt.GenerateCalls))
	}
	if f.stt.GenerateCalls[0].Cfg.Language != "en" {
		t.Errorf("stt language = %q", f.stt.GenerateCalls[0].Cfg.Language)
	}
}

func TestStartUnknownAgentIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.parent.endpoint.Call(context.Background(), rpc.CallSpec{
		Name: "start",
		Input: map[string]any{
			"id":            "agent_1",
			"name":          "missing",
			"scope":         map[string]any{"userId": "u1"},
			"transportRoom": map[string]any{"name": "room_agent_1", "token": "ta"},
		},
	})
	if lifeerr.CodeOf(err) != lifeerr.NotFound {
		t.Fatalf("code = %v, want NotFound", lifeerr.CodeOf(err))
	}
}

func TestStartInvalidScopeIsValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.parent.endpoint.Call(context.Background(), rpc.CallSpec{
		Name: "start",
		Input: map[string]any{
			"id":            "agent_1",
			"name":          "echo",
			"scope":         map[string]any{"roomHint": 42},
			"transportRoom": map[string]any{"name": "room_agent_1", "token": "ta"},
		},
	})
	if lifeerr.CodeOf(err) != lifeerr.Validation {
		t.Fatalf("code = %v, want Validation", lifeerr.CodeOf(err))
	}
}

func TestDoubleStartIsConflict(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t)

	_, err := f.parent.endpoint.Call(context.Background(), rpc.CallSpec{
		Name: "start",
		Input: map[string]any{
			"id":            "agent_1",
			"name":          "echo",
			"scope":         map[string]any{"userId": "u1"},
			"transportRoom": map[string]any{"name": "room_agent_1", "token": "ta"},
		},
	})
	if lifeerr.CodeOf(err) != lifeerr.Conflict {
		t.Fatalf("code = %v, want Conflict", lifeerr.CodeOf(err))
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t)

	result, err := f.parent.endpoint.Call(context.Background(), rpc.CallSpec{Name: "ping"})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if result != "pong" {
		t.Errorf("ping = %v", result)
	}
}

func TestGetProcessStats(t *testing.T) {
	f := newFixture(t)

	result, err := f.parent.endpoint.Call(context.Background(), rpc.CallSpec{Name: "getProcessStats"})
	if err != nil {
		t.Fatalf("getProcessStats: %v", err)
	}
	snap := asMap(result)
	if _, ok := snap["cpu"]; !ok {
		t.Errorf("stats missing cpu: %v", snap)
	}
	if _, ok := snap["memory"]; !ok {
		t.Errorf("stats missing memory: %v", snap)
	}
}

func TestUtteranceProducesReplyTextAndAudio(t *testing.T) {
	f := newFixture(t)

	// The user client joins the same room and listens on the say topic.
	sayChunks := make(chan string, 16)
	f.user.RegisterTextHandler(SayTopic, func(chunks <-chan []byte, _ string) {
		for c := range chunks {
			sayChunks <- string(c)
		}
	})
	if err := f.user.JoinRoom(context.Background(), transport.Room{Name: "room_agent_1", Token: "tu"}); err != nil {
		t.Fatalf("user join: %v", err)
	}

	f.startAgent(t)
	f.stt.EmitTranscript("hello")

	select {
	case text := <-sayChunks:
		if text != "Hi there" {
			t.Errorf("say chunk = %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for say text")
	}

	// The reply is also framed to outbound audio (trailing flush covers the
	// short synthetic payload).
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-f.user.Events():
			if ev.Kind == transport.Audio {
				if len(ev.Frame) == 0 {
					t.Fatal("empty audio frame")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for audio frame")
		}
	}
}

func TestUserAudioReachesSTT(t *testing.T) {
	f := newFixture(t)
	if err := f.user.JoinRoom(context.Background(), transport.Room{Name: "room_agent_1", Token: "tu"}); err != nil {
		t.Fatalf("user join: %v", err)
	}
	f.startAgent(t)

	frame := make([]int16, 160)
	if err := f.user.StreamAudioChunk(context.Background(), frame); err != nil {
		t.Fatalf("stream audio: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.stt.PushedFrames()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("audio frame never reached the stt session")
}

func TestReplyUpdatesPluginContext(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t)
	f.stt.EmitTranscript("hello")

	select {
	case change := <-f.parent.contexts:
		if change["agentId"] != "agent_1" {
			t.Errorf("agentId = %v", change["agentId"])
		}
		if change["pluginName"] != "transcript" {
			t.Errorf("pluginName = %v", change["pluginName"])
		}
		if change["context"] == nil {
			t.Error("context payload missing")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for syncContext")
	}
}

func TestReplyForwardsTelemetry(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t)
	f.stt.EmitTranscript("hello")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case signal := <-f.parent.telemetry:
			if signal["name"] == "llm.duration" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for llm.duration signal")
		}
	}
}

func TestRoomPeersCanCallAgentRPC(t *testing.T) {
	f := newFixture(t)
	if err := f.user.JoinRoom(context.Background(), transport.Room{Name: "room_agent_1", Token: "tu"}); err != nil {
		t.Fatalf("user join: %v", err)
	}
	f.startAgent(t)

	// The user client opens its own endpoint on the reserved rpc topic.
	userPipe, err := rpc.NewTransportPipe(context.Background(), f.user)
	if err != nil {
		t.Fatalf("NewTransportPipe: %v", err)
	}
	endpoint := rpc.NewEndpoint(userPipe)
	t.Cleanup(func() { endpoint.Close() })

	pong, err := endpoint.Call(context.Background(), rpc.CallSpec{Name: "ping"})
	if err != nil || pong != "pong" {
		t.Fatalf("room ping = %v, %v", pong, err)
	}

	stats, err := endpoint.Call(context.Background(), rpc.CallSpec{Name: "getProcessStats"})
	if err != nil {
		t.Fatalf("room getProcessStats: %v", err)
	}
	if _, ok := asMap(stats)["cpu"]; !ok {
		t.Errorf("stats missing cpu: %v", stats)
	}

	// Control procedures are not exposed to room peers.
	if _, err := endpoint.Call(context.Background(), rpc.CallSpec{Name: "stop"}); err == nil {
		t.Error("stop reachable from the room")
	}
}

func TestPipelinePanicFailsRun(t *testing.T) {
	f := newFixture(t, WithSynthesizer(func(string) []int16 {
		panic("synth exploded")
	}))
	f.startAgent(t)
	f.stt.EmitTranscript("hello")

	select {
	case err := <-f.runDone:
		if err == nil {
			t.Fatal("Run returned nil after a pipeline panic")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a pipeline panic")
	}
}

func TestStopShutsDownRuntime(t *testing.T) {
	f := newFixture(t)
	f.startAgent(t)

	result, err := f.parent.endpoint.Call(context.Background(), rpc.CallSpec{Name: "stop"})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if result != "ok" {
		t.Errorf("stop = %v", result)
	}

	select {
	case err := <-f.runDone:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after stop")
	}

	if f.stt.CancelledCount() == 0 {
		t.Error("stt session was not cancelled on stop")
	}
}
