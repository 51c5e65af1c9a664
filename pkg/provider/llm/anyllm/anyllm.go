// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o",
// "claude-3-5-sonnet-latest").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the provider
// falls back to the relevant environment variable (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, ...).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, name: strings.ToLower(providerName), model: model}, nil
}

// NewOpenAI creates a Provider backed by OpenAI.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Provider backed by Anthropic.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewGemini creates a Provider backed by Google Gemini.
func NewGemini(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("gemini", model, opts...)
}

// NewOllama creates a Provider backed by Ollama (local inference).
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// NewDeepSeek creates a Provider backed by DeepSeek.
func NewDeepSeek(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("deepseek", model, opts...)
}

// NewMistral creates a Provider backed by Mistral AI.
func NewMistral(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("mistral", model, opts...)
}

// NewGroq creates a Provider backed by Groq.
func NewGroq(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("groq", model, opts...)
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.name }

// GenerateMessage implements llm.Provider.
func (p *Provider) GenerateMessage(ctx context.Context, req llm.MessageRequest) *job.Job {
	ctx, abort := context.WithCancel(ctx)
	j := job.New(job.WithOnCancel(abort))

	go func() {
		defer abort()

		params := p.buildParams(req.Messages, req.SystemPrompt)
		if req.Temperature != 0 {
			t := req.Temperature
			params.Temperature = &t
		}
		if req.MaxTokens > 0 {
			mt := req.MaxTokens
			params.MaxTokens = &mt
		}
		for _, td := range req.Tools {
			params.Tools = append(params.Tools, anyllmlib.Tool{
				Type: "function",
				Function: anyllmlib.Function{
					Name:        td.Name,
					Description: td.Description,
					Parameters:  td.Parameters,
				},
			})
		}

		backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

		// Accumulated tool calls keyed by index.
		toolCallAccum := map[int]*partialToolCall{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				j.Emit(job.Chunk{Kind: job.Content, Text: delta.Content})
			}

			for i, tc := range delta.ToolCalls {
				acc, ok := toolCallAccum[i]
				if !ok {
					acc = &partialToolCall{}
					toolCallAccum[i] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.arguments += tc.Function.Arguments
			}

			if choice.FinishReason == anyllmlib.FinishReasonToolCalls && len(toolCallAccum) > 0 {
				calls, err := resolveToolCalls(toolCallAccum)
				if err != nil {
					j.Emit(job.Chunk{Kind: job.Error, Text: err.Error()})
					continue
				}
				j.Emit(job.Chunk{Kind: job.Tools, Tools: calls})
			}
		}

		if err := <-backendErrs; err != nil && ctx.Err() == nil {
			j.Emit(job.Chunk{Kind: job.Error, Text: err.Error()})
		}
		j.Emit(job.Chunk{Kind: job.End})
	}()

	return j
}

// GenerateObject implements llm.Provider. The schema travels as a system
// instruction because not every any-llm backend supports native structured
// output; the response is validated locally either way.
func (p *Provider) GenerateObject(ctx context.Context, req llm.ObjectRequest) (map[string]any, error) {
	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	system := req.SystemPrompt
	if system != "" {
		system += "\n\n"
	}
	system += "Respond with a single JSON object matching this JSON Schema, and nothing else:\n" + string(schemaJSON)

	params := p.buildParams(req.Messages, system)
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Upstream, err)
	}
	if len(resp.Choices) == 0 {
		return nil, lifeerr.Newf(lifeerr.Upstream, "Invalid response format from %s", p.Name())
	}
	return llm.DecodeObject(p.Name(), resp.Choices[0].Message.ContentString(), req.Schema)
}

// partialToolCall accumulates streamed tool-call fragments.
type partialToolCall struct {
	id        string
	name      string
	arguments string
}

func resolveToolCalls(accum map[int]*partialToolCall) ([]job.ToolCall, error) {
	calls := make([]job.ToolCall, 0, len(accum))
	for i := 0; i < len(accum); i++ {
		acc, ok := accum[i]
		if !ok {
			continue
		}
		input, err := llm.ParseToolArguments(acc.arguments)
		if err != nil {
			return nil, fmt.Errorf("anyllm: tool call %s arguments: %w", acc.name, err)
		}
		calls = append(calls, job.ToolCall{ID: acc.id, Name: acc.name, Input: input})
	}
	return calls, nil
}

// buildParams converts messages into anyllm CompletionParams.
func (p *Provider) buildParams(msgs []llm.Message, systemPrompt string) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: systemPrompt,
		})
	}

	for _, m := range msgs {
		messages = append(messages, convertMessage(m))
	}

	return anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
}

// convertMessage converts an llm.Message to anyllm.Message.
func convertMessage(m llm.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		args, err := json.Marshal(tc.Input)
		if err != nil {
			args = []byte("{}")
		}
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: string(args),
			},
		})
	}

	return msg
}
