package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"cortex/internal/domain"
)

type stubMessages struct {
	resp   *sdk.Message
	err    error
	params sdk.MessageNewParams
	calls  int
}

func (s *stubMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	s.calls++
	s.params = body
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func simpleRequest() Request {
	return Request{
		Model:     "claude-haiku-4-5",
		MaxTokens: 600,
		System:    "be terse",
		Messages:  []Message{TextMessage("user", "hello")},
	}
}

func TestCreateMessageDecodesBlocksAndUsage(t *testing.T) {
	stub := &stubMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "thinking aloud"},
				{Type: "tool_use", ID: "tu-1", Name: "run_sqlite", Input: json.RawMessage(`{"sql":"SELECT 1;"}`)},
			},
			StopReason: sdk.StopReasonToolUse,
			Usage:      sdk.Usage{InputTokens: 120, OutputTokens: 30, CacheReadInputTokens: 80},
		},
	}
	client, err := NewAnthropicClient(stub)
	if err != nil {
		t.Fatalf("NewAnthropicClient error = %v", err)
	}
	resp, err := client.CreateMessage(context.Background(), simpleRequest())
	if err != nil {
		t.Fatalf("CreateMessage error = %v", err)
	}
	if resp.StopReason != "tool_use" {
		t.Fatalf("stop reason = %q", resp.StopReason)
	}
	if resp.Text() != "thinking aloud" {
		t.Fatalf("text = %q", resp.Text())
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "run_sqlite" || uses[0].Input["sql"] != "SELECT 1;" {
		t.Fatalf("tool uses = %+v", uses)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.CacheReadTokens != 80 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestCreateMessageEncodesSystemAndTools(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{StopReason: sdk.StopReasonEndTurn}}
	client, _ := NewAnthropicClient(stub)

	req := simpleRequest()
	req.CacheSystem = true
	req.Tools = []domain.ToolSpec{{
		Name:        "run_sqlite",
		Description: "Execute SQL.",
		InputSchema: domain.ObjectSchema([]string{"sql"}, map[string]domain.PropertySpec{
			"sql": {Type: "string", Description: "SQL text."},
		}),
	}}
	if _, err := client.CreateMessage(context.Background(), req); err != nil {
		t.Fatalf("CreateMessage error = %v", err)
	}
	if len(stub.params.System) != 1 || stub.params.System[0].Text != "be terse" {
		t.Fatalf("system = %+v", stub.params.System)
	}
	if len(stub.params.Tools) != 1 || stub.params.Tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", stub.params.Tools)
	}
	schema := stub.params.Tools[0].OfTool.InputSchema.ExtraFields
	if schema["type"] != "object" {
		t.Fatalf("schema = %v", schema)
	}
	if schema["additionalProperties"] != false {
		t.Fatalf("schema not closed: %v", schema)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{}}
	client, _ := NewAnthropicClient(stub)

	cases := []struct {
		name   string
		mutate func(*Request)
		want   string
	}{
		{"missing model", func(r *Request) { r.Model = "" }, "model identifier is required"},
		{"zero max tokens", func(r *Request) { r.MaxTokens = 0 }, "max_tokens must be positive"},
		{"no messages", func(r *Request) { r.Messages = nil }, "messages are required"},
		{"bad role", func(r *Request) { r.Messages = []Message{TextMessage("system", "x")} }, "unsupported message role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := simpleRequest()
			tc.mutate(&req)
			_, err := client.CreateMessage(context.Background(), req)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want %q", err, tc.want)
			}
			if stub.calls != 0 {
				t.Fatalf("provider called %d times on invalid input", stub.calls)
			}
		})
	}
}

func TestCreateMessageWrapsProviderError(t *testing.T) {
	stub := &stubMessages{err: errors.New("overloaded")}
	client, _ := NewAnthropicClient(stub)
	_, err := client.CreateMessage(context.Background(), simpleRequest())
	if err == nil || !strings.Contains(err.Error(), "anthropic messages.new: overloaded") {
		t.Fatalf("error = %v", err)
	}
}

func TestFakeReplaysScript(t *testing.T) {
	fake := NewFake(
		ToolUseResponse("tu-1", "run_sqlite", map[string]any{"sql": "SELECT 1;"}),
		TextResponse("done"),
	)
	first, err := fake.CreateMessage(context.Background(), simpleRequest())
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	if len(first.ToolUses()) != 1 {
		t.Fatalf("first = %+v", first)
	}
	second, err := fake.CreateMessage(context.Background(), simpleRequest())
	if err != nil || second.Text() != "done" {
		t.Fatalf("second = %+v, err = %v", second, err)
	}
	if _, err := fake.CreateMessage(context.Background(), simpleRequest()); err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if len(fake.Requests) != 3 {
		t.Fatalf("recorded %d requests, want 3", len(fake.Requests))
	}
}
