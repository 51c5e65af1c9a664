package llm_test

import (
	"context"
	"testing"
	"time"

	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/provider/llm"
	"github.com/lifert/life/pkg/provider/llm/mock"
)

var personSchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{"name": map[string]any{"type": "string"}},
	"required":   []any{"name"},
}

func TestDecodeObject(t *testing.T) {
	obj, err := llm.DecodeObject("openai", `{"name":"Ada"}`, personSchema)
	if err != nil {
		t.Fatalf("DecodeObject: %v", err)
	}
	if obj["name"] != "Ada" {
		t.Errorf("obj = %v", obj)
	}
}

func TestDecodeObjectErrors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantCode lifeerr.Code
		wantMsg  string
	}{
		{"empty content", "   ", lifeerr.Upstream, "Invalid response format from openai"},
		{"not json", "certainly! here is", lifeerr.Validation, "Failed to parse response as JSON"},
		{"schema mismatch", `{"name":42}`, lifeerr.Validation, "Schema validation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := llm.DecodeObject("openai", tt.content, personSchema)
			if lifeerr.CodeOf(err) != tt.wantCode {
				t.Fatalf("code = %v, want %v (err: %v)", lifeerr.CodeOf(err), tt.wantCode, err)
			}
			le := lifeerr.From(err)
			if le.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", le.Message, tt.wantMsg)
			}
		})
	}
}

func TestParseToolArguments(t *testing.T) {
	input, err := llm.ParseToolArguments("")
	if err != nil {
		t.Fatalf("ParseToolArguments(\"\"): %v", err)
	}
	if len(input) != 0 {
		t.Errorf("empty string must decode to empty object, got %v", input)
	}

	input, err = llm.ParseToolArguments(`{"q":"weather"}`)
	if err != nil {
		t.Fatalf("ParseToolArguments: %v", err)
	}
	if input["q"] != "weather" {
		t.Errorf("input = %v", input)
	}
}

// ── Fallback ──────────────────────────────────────────────────────────────────

func collect(t *testing.T, j *job.Job) []job.Chunk {
	t.Helper()
	var out []job.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-j.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
			if c.Kind == job.End {
				return out
			}
		case <-deadline:
			t.Fatal("timed out draining job")
		}
	}
}

func TestFallbackObjectAdvances(t *testing.T) {
	primary := &mock.Provider{
		ProviderName: "primary",
		ObjectErr:    lifeerr.New(lifeerr.Upstream, "down"),
	}
	secondary := &mock.Provider{
		ProviderName:   "secondary",
		ObjectResponse: map[string]any{"ok": true},
	}
	fb := llm.NewFallback(primary, secondary)

	obj, err := fb.GenerateObject(context.Background(), llm.ObjectRequest{})
	if err != nil {
		t.Fatalf("GenerateObject: %v", err)
	}
	if obj["ok"] != true {
		t.Errorf("obj = %v", obj)
	}
	if len(primary.ObjectCalls) != 3 {
		t.Errorf("primary tried %d times, want 3", len(primary.ObjectCalls))
	}
	if len(secondary.ObjectCalls) != 1 {
		t.Errorf("secondary tried %d times, want 1", len(secondary.ObjectCalls))
	}
}

func TestFallbackObjectReturnsLastError(t *testing.T) {
	primary := &mock.Provider{ObjectErr: lifeerr.New(lifeerr.Upstream, "primary down")}
	secondary := &mock.Provider{ObjectErr: lifeerr.New(lifeerr.Upstream, "secondary down")}
	fb := llm.NewFallback(primary, secondary)

	_, err := fb.GenerateObject(context.Background(), llm.ObjectRequest{})
	if err == nil {
		t.Fatal("expected error after exhausting chain")
	}
	if lifeerr.From(err).Message != "secondary down" {
		t.Errorf("err = %v, want the last error", err)
	}
}

func TestFallbackMessageRetriesFailedStream(t *testing.T) {
	primary := &mock.Provider{
		ProviderName: "primary",
		Chunks:       []job.Chunk{{Kind: job.Error, Text: "boom"}},
	}
	secondary := &mock.Provider{
		ProviderName: "secondary",
		Chunks:       []job.Chunk{{Kind: job.Content, Text: "hello"}},
	}
	fb := llm.NewFallback(primary, secondary)

	chunks := collect(t, fb.GenerateMessage(context.Background(), llm.MessageRequest{}))
	if len(chunks) != 2 || chunks[0].Kind != job.Content || chunks[0].Text != "hello" {
		t.Fatalf("chunks = %+v, want content from fallback then end", chunks)
	}
	if len(primary.MessageCalls) != 3 {
		t.Errorf("primary tried %d times, want 3", len(primary.MessageCalls))
	}
}

func TestFallbackMessageCommittedStreamPassesErrorsThrough(t *testing.T) {
	primary := &mock.Provider{
		ProviderName: "primary",
		Chunks: []job.Chunk{
			{Kind: job.Content, Text: "partial"},
			{Kind: job.Error, Text: "mid-stream failure"},
		},
	}
	secondary := &mock.Provider{ProviderName: "secondary"}
	fb := llm.NewFallback(primary, secondary)

	chunks := collect(t, fb.GenerateMessage(context.Background(), llm.MessageRequest{}))
	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[1].Kind != job.Error {
		t.Errorf("committed stream must forward its errors, got %+v", chunks[1])
	}
	if len(secondary.MessageCalls) != 0 {
		t.Errorf("secondary must not be tried after a committed stream")
	}
}

func TestFallbackExhaustedEmitsErrorThenEnd(t *testing.T) {
	primary := &mock.Provider{Chunks: []job.Chunk{{Kind: job.Error, Text: "a"}}}
	secondary := &mock.Provider{Chunks: []job.Chunk{{Kind: job.Error, Text: "b"}}}
	fb := llm.NewFallback(primary, secondary)

	chunks := collect(t, fb.GenerateMessage(context.Background(), llm.MessageRequest{}))
	if len(chunks) != 2 || chunks[0].Kind != job.Error || chunks[1].Kind != job.End {
		t.Fatalf("chunks = %+v, want error then end", chunks)
	}
}

func TestFallbackName(t *testing.T) {
	fb := llm.NewFallback(
		&mock.Provider{ProviderName: "a"},
		&mock.Provider{ProviderName: "b"},
	)
	if fb.Name() != "a+b" {
		t.Errorf("Name() = %q", fb.Name())
	}
}
