// Package anthropic adapts Anthropic's Claude API to agent.Agent,
// grounded in the teacher's graph/model/anthropic ChatModel (system
// prompt extraction, message/tool conversion, injectable client for
// testing). Optional: the core engine never imports this package.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corewave/agentflow/agent"
)

// apiClient is the seam mocked in tests, mirroring the teacher's
// anthropicClient interface.
type apiClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []agent.Message, maxTokens int64) (agent.Response, error)
}

// Agent implements agent.Agent backed by Claude. Unlike the teacher's
// ChatModel, which receives the system prompt embedded in the message
// list (model.RoleSystem), agent.Message has no system role, so the
// system prompt is a constructor-level field here instead.
type Agent struct {
	apiKey       string
	systemPrompt string
	maxTokens    int64
	client       apiClient
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithMaxTokens overrides the default response token budget.
func WithMaxTokens(n int64) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// New builds an Agent. An empty modelName defaults to Claude Sonnet 4.5.
func New(apiKey, modelName string, opts ...Option) *Agent {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	a := &Agent{
		apiKey:    apiKey,
		maxTokens: 4096,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process implements agent.Agent: history becomes the conversation turns
// preceding input, input becomes the final user turn.
func (a *Agent) Process(ctx context.Context, input string, history []agent.Message) (agent.Response, error) {
	if a.apiKey == "" {
		return agent.Response{}, errors.New("anthropic: api key is required")
	}
	if ctx.Err() != nil {
		return agent.Response{}, ctx.Err()
	}

	messages := append(append([]agent.Message{}, history...), agent.Message{Role: agent.RoleUser, Content: input})
	return a.client.createMessage(ctx, a.systemPrompt, messages, a.maxTokens)
}

// defaultClient wraps the official Anthropic SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) createMessage(ctx context.Context, systemPrompt string, messages []agent.Message, maxTokens int64) (agent.Response, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		Messages:  convertMessages(messages),
		MaxTokens: maxTokens,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return agent.Response{}, fmt.Errorf("anthropic: %w", err)
	}
	return convertResponse(resp), nil
}

func convertMessages(messages []agent.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, len(messages))
	for i, m := range messages {
		switch m.Role {
		case agent.RoleAssistant:
			out[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content))
		default:
			out[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content))
		}
	}
	return out
}

func convertResponse(resp *anthropicsdk.Message) agent.Response {
	var out agent.Response
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += b.Text
		case anthropicsdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
				Name:  b.Name,
				Input: convertToolInput(b.Input),
			})
		}
	}
	return out
}

func convertToolInput(input any) map[string]any {
	if input == nil {
		return nil
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	return map[string]any{"_raw": input}
}
