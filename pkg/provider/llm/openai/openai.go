// Package openai provides an LLM provider backed by the OpenAI API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/lifert/life/pkg/job"
	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "openai" }

// GenerateMessage implements llm.Provider. The returned job is live before
// the upstream stream has produced anything; cancelling it aborts the
// request.
func (p *Provider) GenerateMessage(ctx context.Context, req llm.MessageRequest) *job.Job {
	ctx, abort := context.WithCancel(ctx)
	j := job.New(job.WithOnCancel(abort))

	go func() {
		defer abort()

		params, err := p.buildParams(req)
		if err != nil {
			j.Emit(job.Chunk{Kind: job.Error, Text: err.Error()})
			j.Emit(job.Chunk{Kind: job.End})
			return
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		// Accumulated tool calls keyed by upstream index.
		toolCallAccum := map[int]*partialToolCall{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				j.Emit(job.Chunk{Kind: job.Content, Text: delta.Content})
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				acc, ok := toolCallAccum[idx]
				if !ok {
					acc = &partialToolCall{}
					toolCallAccum[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.arguments += tc.Function.Arguments
			}

			if choice.FinishReason == "tool_calls" && len(toolCallAccum) > 0 {
				calls, err := resolveToolCalls(toolCallAccum)
				if err != nil {
					j.Emit(job.Chunk{Kind: job.Error, Text: err.Error()})
					continue
				}
				j.Emit(job.Chunk{Kind: job.Tools, Tools: calls})
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			j.Emit(job.Chunk{Kind: job.Error, Text: err.Error()})
		}
		j.Emit(job.Chunk{Kind: job.End})
	}()

	return j
}

// GenerateObject implements llm.Provider.
func (p *Provider) GenerateObject(ctx context.Context, req llm.ObjectRequest) (map[string]any, error) {
	params, err := p.buildParams(llm.MessageRequest{
		Messages:     req.Messages,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   "response",
				Schema: req.Schema,
			},
		},
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Upstream, err)
	}
	if len(resp.Choices) == 0 {
		return nil, lifeerr.Newf(lifeerr.Upstream, "Invalid response format from %s", p.Name())
	}
	return llm.DecodeObject(p.Name(), resp.Choices[0].Message.Content, req.Schema)
}

// partialToolCall accumulates streamed tool-call fragments.
type partialToolCall struct {
	id        string
	name      string
	arguments string
}

// resolveToolCalls converts accumulated fragments into ordered tool calls
// with decoded arguments. An empty arguments string decodes to an empty
// object.
func resolveToolCalls(accum map[int]*partialToolCall) ([]job.ToolCall, error) {
	calls := make([]job.ToolCall, 0, len(accum))
	for i := 0; i < len(accum); i++ {
		acc, ok := accum[i]
		if !ok {
			continue
		}
		input, err := llm.ParseToolArguments(acc.arguments)
		if err != nil {
			return nil, fmt.Errorf("openai: tool call %s arguments: %w", acc.name, err)
		}
		calls = append(calls, job.ToolCall{ID: acc.id, Name: acc.name, Input: input})
	}
	return calls, nil
}

// buildParams converts a MessageRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.MessageRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	for _, td := range req.Tools {
		toolParam := oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		}
		params.Tools = append(params.Tools, toolParam)
	}

	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		return oai.UserMessage(m.Content), nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Input)
			if err != nil {
				return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: encode tool call %s: %w", tc.Name, err)
			}
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
