package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/lifert/life/internal/buildindex"
	"github.com/lifert/life/internal/ipc"
	"github.com/lifert/life/internal/worker"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/provider/llm"
	"github.com/lifert/life/pkg/provider/llm/anyllm"
	openaillm "github.com/lifert/life/pkg/provider/llm/openai"
	"github.com/lifert/life/pkg/provider/stt"
	"github.com/lifert/life/pkg/provider/stt/deepgram"
	"github.com/lifert/life/pkg/provider/stt/whisper"
	"github.com/lifert/life/pkg/transport/wsrelay"
)

// fatalFlushBudget bounds the telemetry flush before a worker dies.
const fatalFlushBudget = time.Second

// runWorker is the child half of the supervisor: stdio carries the control
// channel, so all logging goes to stderr. A dying worker always exits 1, a
// panic included, after its telemetry flush budget.
func runWorker(args []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panicked", "panic", r)
			time.Sleep(fatalFlushBudget)
			code = 1
		}
	}()

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	indexDir := fs.String("index", "build", "directory holding the compiled agent definitions")
	agentID := fs.String("agent-id", "", "id of the agent instance this worker hosts")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	relayURL := os.Getenv(envRelayURL)
	if relayURL == "" {
		slog.Error("relay url not configured", "env", envRelayURL)
		return 1
	}
	cap, err := wsrelay.New(relayURL, wsrelay.WithIdentity(*agentID))
	if err != nil {
		slog.Error("failed to create transport client", "err", err)
		return 1
	}

	index, err := buildindex.Load(*indexDir)
	if err != nil {
		slog.Error("failed to load the build index", "dir", *indexDir, "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime := worker.New(ipc.Stdio(), cap, index, buildLLM, buildSTT)
	if err := runtime.Run(ctx); err != nil {
		slog.Error("worker failed", "err", err)
		time.Sleep(fatalFlushBudget)
		return 1
	}
	return 0
}

// ---- provider wiring ----

// providerEntry is one element of the resolved config's llm/stt lists.
type providerEntry struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	ServerURL string
	ModelPath string
	Language  string
}

// buildLLM constructs the agent's LLM from the resolved server config: the
// first entry of cfg["llm"] is the primary, the rest are fallbacks.
func buildLLM(cfg map[string]any) (llm.Provider, error) {
	entries, err := providerEntries(cfg, "llm")
	if err != nil {
		return nil, err
	}

	providers := make([]llm.Provider, 0, len(entries))
	for _, e := range entries {
		p, err := newLLMProvider(e)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return llm.NewFallback(providers[0], providers[1:]...), nil
}

func newLLMProvider(e providerEntry) (llm.Provider, error) {
	switch e.Provider {
	case "openai":
		var opts []openaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(e.BaseURL))
		}
		return openaillm.New(e.APIKey, e.Model, opts...)
	default:
		// Everything else goes through the any-llm bridge, which knows the
		// provider names (anthropic, gemini, ollama, deepseek, ...).
		var opts []anyllmlib.Option
		if e.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return anyllm.New(e.Provider, e.Model, opts...)
	}
}

// buildSTT constructs the agent's STT chain from cfg["stt"], mirroring
// buildLLM.
func buildSTT(cfg map[string]any) (stt.Provider, error) {
	entries, err := providerEntries(cfg, "stt")
	if err != nil {
		return nil, err
	}

	providers := make([]stt.Provider, 0, len(entries))
	for _, e := range entries {
		p, err := newSTTProvider(e)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return stt.NewFallback(providers[0], providers[1:]...), nil
}

func newSTTProvider(e providerEntry) (stt.Provider, error) {
	switch e.Provider {
	case "deepgram":
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.Language != "" {
			opts = append(opts, deepgram.WithLanguage(e.Language))
		}
		return deepgram.New(e.APIKey, opts...)
	case "whisper":
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if e.Language != "" {
			opts = append(opts, whisper.WithLanguage(e.Language))
		}
		return whisper.New(e.ServerURL, opts...)
	case "whisper-native":
		var opts []whisper.NativeOption
		if e.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(e.Language))
		}
		return whisper.NewNative(e.ModelPath, opts...)
	default:
		return nil, lifeerr.Newf(lifeerr.Validation, "unknown stt provider %q", e.Provider)
	}
}

// providerEntries reads the named provider list from the resolved config.
func providerEntries(cfg map[string]any, key string) ([]providerEntry, error) {
	raw, ok := cfg[key].([]any)
	if !ok || len(raw) == 0 {
		return nil, lifeerr.Newf(lifeerr.Validation, "config has no %s providers", key)
	}
	entries := make([]providerEntry, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, lifeerr.Newf(lifeerr.Validation, "%s provider %d is not an object", key, i)
		}
		e := providerEntry{
			Provider:  optString(m, "provider"),
			Model:     optString(m, "model"),
			APIKey:    optString(m, "apiKey"),
			BaseURL:   optString(m, "baseURL"),
			ServerURL: optString(m, "serverURL"),
			ModelPath: optString(m, "modelPath"),
			Language:  optString(m, "language"),
		}
		if e.Provider == "" {
			return nil, lifeerr.Newf(lifeerr.Validation, "%s provider %d has no provider name", key, i)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// optString extracts a string value from a decoded config map. Returns "" if
// the key is absent or the value is not a string.
func optString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
