// Package openai adapts OpenAI's chat completions API to agent.Agent,
// grounded in the teacher's graph/model/openai ChatModel (retry-with-
// backoff on transient errors, injectable client for testing).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/corewave/agentflow/agent"
)

// completer is the seam mocked in tests, mirroring the teacher's
// openaiClient interface.
type completer interface {
	createChatCompletion(ctx context.Context, systemPrompt string, messages []agent.Message) (agent.Response, error)
}

// Agent implements agent.Agent backed by OpenAI chat completions.
type Agent struct {
	apiKey       string
	systemPrompt string
	maxRetries   int
	retryDelay   time.Duration
	client       completer
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithSystemPrompt sets the system message sent ahead of every request.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithMaxRetries overrides the default retry budget for transient errors.
func WithMaxRetries(n int) Option {
	return func(a *Agent) { a.maxRetries = n }
}

// New builds an Agent. An empty modelName defaults to gpt-4o.
func New(apiKey, modelName string, opts ...Option) *Agent {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	a := &Agent{
		apiKey:     apiKey,
		maxRetries: 3,
		retryDelay: time.Second,
		client:     &defaultClient{apiKey: apiKey, modelName: modelName},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process implements agent.Agent, retrying transient failures (network
// blips, 5xx, rate limits) with linearly-increasing backoff on rate
// limit errors specifically, matching the teacher's retry policy.
func (a *Agent) Process(ctx context.Context, input string, history []agent.Message) (agent.Response, error) {
	if a.apiKey == "" {
		return agent.Response{}, errors.New("openai: api key is required")
	}
	if ctx.Err() != nil {
		return agent.Response{}, ctx.Err()
	}

	messages := append(append([]agent.Message{}, history...), agent.Message{Role: agent.RoleUser, Content: input})

	var lastErr error
	attempt := 0
	for ; attempt <= a.maxRetries; attempt++ {
		resp, err := a.client.createChatCompletion(ctx, a.systemPrompt, messages)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransientError(err) || attempt >= a.maxRetries {
			break
		}

		delay := a.retryDelay
		if isRateLimitError(err) {
			delay = a.retryDelay * time.Duration(attempt+1)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return agent.Response{}, ctx.Err()
		}
	}
	return agent.Response{}, fmt.Errorf("openai: failed after %d retries: %w", attempt, lastErr)
}

// defaultClient wraps the official OpenAI SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) createChatCompletion(ctx context.Context, systemPrompt string, messages []agent.Message) (agent.Response, error) {
	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(c.modelName),
		Messages: convertMessages(systemPrompt, messages),
	}
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return agent.Response{}, err
	}
	return convertResponse(resp), nil
}

func convertMessages(systemPrompt string, messages []agent.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openaisdk.SystemMessage(systemPrompt))
	}
	for _, m := range messages {
		switch m.Role {
		case agent.RoleAssistant:
			out = append(out, openaisdk.AssistantMessage(m.Content))
		default:
			out = append(out, openaisdk.UserMessage(m.Content))
		}
	}
	return out
}

func convertResponse(resp *openaisdk.ChatCompletion) agent.Response {
	var out agent.Response
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			Name:  tc.Function.Name,
			Input: parseToolInput(tc.Function.Arguments),
		})
	}
	return out
}

func parseToolInput(jsonStr string) map[string]any {
	if jsonStr == "" {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return map[string]any{"_raw": jsonStr}
	}
	return result
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "503", "502", "500"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return isRateLimitError(err)
}

func isRateLimitError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}
