// Package google adapts Google's Gemini API to agent.Agent, grounded in
// the teacher's graph/model/google ChatModel (safety-filter error
// surfacing, injectable client for testing).
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/corewave/agentflow/agent"
)

// generator is the seam mocked in tests, mirroring the teacher's
// googleClient interface.
type generator interface {
	generateContent(ctx context.Context, history []agent.Message, input string) (agent.Response, error)
}

// Agent implements agent.Agent backed by Gemini.
type Agent struct {
	apiKey string
	client generator
}

// New builds an Agent. An empty modelName defaults to gemini-2.5-flash.
func New(apiKey, modelName string) *Agent {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &Agent{apiKey: apiKey, client: &defaultClient{apiKey: apiKey, modelName: modelName}}
}

// Process implements agent.Agent.
func (a *Agent) Process(ctx context.Context, input string, history []agent.Message) (agent.Response, error) {
	if a.apiKey == "" {
		return agent.Response{}, errors.New("google: api key is required")
	}
	if ctx.Err() != nil {
		return agent.Response{}, ctx.Err()
	}
	return a.client.generateContent(ctx, history, input)
}

// defaultClient wraps the official Google Gemini SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, history []agent.Message, input string) (agent.Response, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return agent.Response{}, fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(c.modelName)
	parts := convertMessages(history, input)

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return agent.Response{}, fmt.Errorf("google: %w", err)
	}

	out, blocked := convertResponse(resp)
	if blocked != nil {
		return agent.Response{}, blocked
	}
	return out, nil
}

func convertMessages(history []agent.Message, input string) []genai.Part {
	parts := make([]genai.Part, 0, len(history)+1)
	for _, m := range history {
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
	}
	parts = append(parts, genai.Text(input))
	return parts
}

func convertResponse(resp *genai.GenerateContentResponse) (agent.Response, *SafetyFilterError) {
	var out agent.Response
	if len(resp.Candidates) == 0 {
		return out, nil
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return out, &SafetyFilterError{reason: candidate.FinishReason.String()}
	}
	if candidate.Content == nil {
		return out, nil
	}
	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
				Name:  p.Name,
				Input: p.Args,
			})
		}
	}
	return out, nil
}

// SafetyFilterError is returned when Gemini blocks a response for a
// safety reason (hate speech, sexual content, dangerous content,
// harassment). Use errors.As to inspect it.
type SafetyFilterError struct {
	reason string
}

func (e *SafetyFilterError) Error() string { return "google: content blocked by safety filter: " + e.reason }

// Reason reports the finish-reason string Gemini attached to the block.
func (e *SafetyFilterError) Reason() string { return e.reason }
