package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/go-cmp/cmp"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace/noop"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

type fakeMessages struct {
	params sdk.MessageNewParams
	msg    *sdk.Message
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return f.msg, nil
}

func TestOpenAIComplete(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			FinishReason: openai.FinishReasonToolCalls,
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "read_file", Arguments: `{"path":"a.txt"}`},
				}, {
					Function: openai.FunctionCall{Name: "list_dir"},
				}},
			},
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	c, err := NewOpenAIClient(chat, "qwen2.5-coder", 512)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "execute"},
			{Role: RoleUser, Content: "read a.txt"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c0", Name: "rag", Arguments: `{}`}}},
			{Role: RoleTool, ToolCallID: "c0", Content: "ok"},
		},
		Tools: []ToolDefinition{{Name: "read_file", Description: "Read", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if chat.req.Model != "qwen2.5-coder" || chat.req.MaxTokens != 512 {
		t.Errorf("expected configured model and max tokens, got %s/%d", chat.req.Model, chat.req.MaxTokens)
	}
	if len(chat.req.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(chat.req.Messages))
	}
	if chat.req.Messages[2].ToolCalls[0].Function.Name != "rag" {
		t.Errorf("expected assistant tool call encoded, got %+v", chat.req.Messages[2])
	}
	if chat.req.Messages[3].ToolCallID != "c0" {
		t.Errorf("expected tool call id on tool message, got %q", chat.req.Messages[3].ToolCallID)
	}
	if len(chat.req.Tools) != 1 || string(chat.req.Tools[0].Function.Parameters.(json.RawMessage)) != `{"type":"object"}` {
		t.Errorf("unexpected tools: %+v", chat.req.Tools)
	}

	want := &Response{
		FinishReason: "tool_calls",
		ToolCalls: []ToolCall{
			{ID: "call_1", Name: "read_file", Arguments: `{"path":"a.txt"}`},
			{Name: "list_dir", Arguments: "{}"},
		},
		Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenAICompleteErrors(t *testing.T) {
	chat := &fakeChat{err: errors.New("connection refused")}
	c, _ := NewOpenAIClient(chat, "m", 0)

	if _, err := c.Complete(context.Background(), Request{}); !errors.Is(err, ErrNoMessages) {
		t.Errorf("expected ErrNoMessages, got %v", err)
	}
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected transport error")
	}
}

func TestAnthropicComplete(t *testing.T) {
	msgs := &fakeMessages{msg: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Reading it now."},
			{Type: "tool_use", ID: "toolu_1", Name: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
		Usage:      sdk.Usage{InputTokens: 20, OutputTokens: 7},
	}}
	c, err := NewAnthropicClient(msgs, "claude-sonnet-4-5", 0)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "you are an executor"},
			{Role: RoleUser, Content: "read two files"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "read_file", Arguments: `{"path":"1"}`}, {ID: "b", Name: "read_file", Arguments: "not json"}}},
			{Role: RoleTool, ToolCallID: "a", Content: "one"},
			{Role: RoleTool, ToolCallID: "b", Content: "two"},
		},
		Tools: []ToolDefinition{{Name: "read_file"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if len(msgs.params.System) != 1 || msgs.params.System[0].Text != "you are an executor" {
		t.Errorf("expected system prompt split out, got %+v", msgs.params.System)
	}
	// user, assistant, one user turn holding both tool results
	if len(msgs.params.Messages) != 3 {
		t.Fatalf("expected 3 conversation turns, got %d", len(msgs.params.Messages))
	}
	if n := len(msgs.params.Messages[2].Content); n != 2 {
		t.Errorf("expected tool results folded into one turn, got %d blocks", n)
	}
	if msgs.params.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("expected default max tokens, got %d", msgs.params.MaxTokens)
	}
	if len(msgs.params.Tools) != 1 {
		t.Errorf("expected 1 tool, got %d", len(msgs.params.Tools))
	}

	want := &Response{
		Content:      "Reading it now.",
		FinishReason: "tool_use",
		ToolCalls:    []ToolCall{{ID: "toolu_1", Name: "read_file", Arguments: `{"path":"a.txt"}`}},
		Usage:        Usage{InputTokens: 20, OutputTokens: 7, TotalTokens: 27},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

type countingClient struct {
	calls int
}

func (c *countingClient) Complete(context.Context, Request) (*Response, error) {
	c.calls++
	return &Response{Content: "ok"}, nil
}

func TestWithRateLimit(t *testing.T) {
	inner := &countingClient{}
	if got := WithRateLimit(inner, 0); got != Client(inner) {
		t.Error("expected unlimited client to be returned unchanged")
	}

	limited := WithRateLimit(inner, 1)
	req := Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	if _, err := limited.Complete(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := limited.Complete(ctx, req); err == nil {
		t.Fatal("expected second call to be throttled past the deadline")
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 call to reach the model, got %d", inner.calls)
	}
}

func TestWithTracing(t *testing.T) {
	inner := &countingClient{}
	traced := WithTracing(inner, noop.NewTracerProvider().Tracer("test"), "m")
	resp, err := traced.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil || resp.Content != "ok" {
		t.Fatalf("expected passthrough response, got %v %v", resp, err)
	}
	if WithTracing(inner, nil, "m") != Client(inner) {
		t.Error("expected nil tracer to leave client unwrapped")
	}
}

func TestPoolClient(t *testing.T) {
	var built []Endpoint
	p := NewPool(map[string]Endpoint{
		"coder": {Name: "qwen2.5-coder-7b", Provider: "lmstudio", BaseURL: "http://localhost:1234/v1"},
	}, nil)
	p.build = func(ep Endpoint) (Client, error) {
		built = append(built, ep)
		return &countingClient{}, nil
	}

	c1, err := p.Client("coder", "openai", nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	c2, _ := p.Client("coder", "openai", nil)
	if c1 != c2 {
		t.Error("expected cached client")
	}

	if _, err := p.Client("gpt-4o", "openai", map[string]string{"api_key": "k"}); err != nil {
		t.Fatalf("client from settings: %v", err)
	}

	if len(built) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(built))
	}
	if built[0].Name != "qwen2.5-coder-7b" || built[0].Provider != "lmstudio" {
		t.Errorf("expected configured endpoint, got %+v", built[0])
	}
	if built[1].Name != "gpt-4o" || built[1].APIKey != "k" {
		t.Errorf("expected settings endpoint named after model, got %+v", built[1])
	}

	p.SetEndpoints(nil)
	if _, err := p.Client("coder", "openai", nil); err != nil {
		t.Fatalf("client after reset: %v", err)
	}
	if len(built) != 3 {
		t.Errorf("expected cache cleared by SetEndpoints, got %d builds", len(built))
	}
}

func TestBuildClientUnknownProvider(t *testing.T) {
	if _, err := buildClient(Endpoint{Name: "m", Provider: "carrier-pigeon"}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestEnsureToolCallIDs(t *testing.T) {
	calls := EnsureToolCallIDs([]ToolCall{{ID: "keep"}, {Name: "x"}})
	if calls[0].ID != "keep" {
		t.Errorf("expected existing id kept, got %s", calls[0].ID)
	}
	if calls[1].ID == "" {
		t.Error("expected id assigned")
	}
}

func TestLastUserMessage(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "first"}, {Role: RoleAssistant, Content: "a"}, {Role: RoleUser, Content: "second"}, {Role: RoleTool, Content: "t"}}
	if got := LastUserMessage(msgs); got != "second" {
		t.Errorf("expected second, got %q", got)
	}
}
