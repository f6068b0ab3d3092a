package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/corewave/agentflow/agent"
)

type mockClient struct {
	response  agent.Response
	err       error
	callCount int
	lastSys   string
	lastMsgs  []agent.Message
}

func (m *mockClient) createMessage(_ context.Context, systemPrompt string, messages []agent.Message, _ int64) (agent.Response, error) {
	m.callCount++
	m.lastSys = systemPrompt
	m.lastMsgs = messages
	if m.err != nil {
		return agent.Response{}, m.err
	}
	return m.response, nil
}

func TestNewAppliesDefaultModelAndOptions(t *testing.T) {
	a := New("test-key", "", WithSystemPrompt("be helpful"), WithMaxTokens(100))
	if a.systemPrompt != "be helpful" {
		t.Fatalf("expected system prompt option to apply, got %q", a.systemPrompt)
	}
	if a.maxTokens != 100 {
		t.Fatalf("expected max tokens option to apply, got %d", a.maxTokens)
	}
	if dc, ok := a.client.(*defaultClient); !ok || dc.modelName != "claude-sonnet-4-5-20250929" {
		t.Fatalf("expected default model claude-sonnet-4-5-20250929, got %+v", a.client)
	}
}

func TestProcessSendsHistoryAndInput(t *testing.T) {
	mc := &mockClient{response: agent.Response{Content: "hello there"}}
	a := New("test-key", "claude-3-opus-20240229", WithSystemPrompt("sys"))
	a.client = mc

	resp, err := a.Process(context.Background(), "hi", []agent.Message{
		{Role: agent.RoleUser, Content: "earlier turn"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("expected mock response content, got %q", resp.Content)
	}
	if mc.callCount != 1 {
		t.Fatalf("expected exactly one API call, got %d", mc.callCount)
	}
	if mc.lastSys != "sys" {
		t.Fatalf("expected system prompt to be forwarded, got %q", mc.lastSys)
	}
	if len(mc.lastMsgs) != 2 || mc.lastMsgs[1].Content != "hi" {
		t.Fatalf("expected history plus input appended as final message, got %+v", mc.lastMsgs)
	}
}

func TestProcessRequiresAPIKey(t *testing.T) {
	a := New("", "")
	if _, err := a.Process(context.Background(), "hi", nil); err == nil {
		t.Fatalf("expected an error when api key is empty")
	}
}

func TestProcessPropagatesClientError(t *testing.T) {
	wantErr := errors.New("boom")
	mc := &mockClient{err: wantErr}
	a := New("test-key", "")
	a.client = mc

	if _, err := a.Process(context.Background(), "hi", nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected client error to propagate, got %v", err)
	}
}

func TestProcessRespectsCanceledContext(t *testing.T) {
	a := New("test-key", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Process(ctx, "hi", nil); err == nil {
		t.Fatalf("expected canceled context to produce an error")
	}
}
