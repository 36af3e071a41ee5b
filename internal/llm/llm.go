// Package llm is the thin provider layer: one Client interface over the
// Anthropic Messages API plus a scripted fake for tests. The agent loop,
// judge, and critic all speak this interface and never import the SDK.
package llm

import (
	"context"
	"fmt"
	"sync"

	"cortex/internal/domain"
)

// Block is one content block in either direction. Type is "text", "tool_use",
// or "tool_result"; the other fields apply per type.
type Block struct {
	Type      string
	Text      string
	ID        string
	Name      string
	Input     map[string]any
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one conversation turn.
type Message struct {
	Role   string // "user" or "assistant"
	Blocks []Block
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: "text", Text: text}}}
}

// Request is one messages.create call.
type Request struct {
	Model       string
	MaxTokens   int
	System      string
	CacheSystem bool // mark the system prompt as an ephemeral cache checkpoint
	Messages    []Message
	Tools       []domain.ToolSpec
}

// Usage mirrors the provider token counters.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Response is the assistant turn.
type Response struct {
	Blocks     []Block
	StopReason string
	Usage      Usage
}

// Text concatenates the text blocks.
func (r Response) Text() string {
	out := ""
	for _, block := range r.Blocks {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks in order.
func (r Response) ToolUses() []Block {
	var uses []Block
	for _, block := range r.Blocks {
		if block.Type == "tool_use" {
			uses = append(uses, block)
		}
	}
	return uses
}

// Client is the minimal provider contract.
type Client interface {
	CreateMessage(ctx context.Context, req Request) (Response, error)
}

type scriptedCall struct {
	resp Response
	err  error
}

// Fake replays scripted responses in order; calls beyond the script error.
// Requests are recorded for assertion.
type Fake struct {
	mu       sync.Mutex
	script   []scriptedCall
	Requests []Request
}

// NewFake builds a fake that returns the given responses in order.
func NewFake(responses ...Response) *Fake {
	fake := &Fake{}
	for _, resp := range responses {
		fake.script = append(fake.script, scriptedCall{resp: resp})
	}
	return fake
}

// Enqueue appends a scripted response.
func (f *Fake) Enqueue(resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, scriptedCall{resp: resp})
}

// EnqueueError appends a scripted failure.
func (f *Fake) EnqueueError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, scriptedCall{err: err})
}

func (f *Fake) CreateMessage(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	idx := len(f.Requests) - 1
	if idx >= len(f.script) {
		return Response{}, fmt.Errorf("fake llm: no scripted response for call %d", idx+1)
	}
	call := f.script[idx]
	if call.err != nil {
		return Response{}, call.err
	}
	return call.resp, nil
}

// TextResponse scripts a plain text reply with end_turn.
func TextResponse(text string) Response {
	return Response{
		Blocks:     []Block{{Type: "text", Text: text}},
		StopReason: "end_turn",
	}
}

// ToolUseResponse scripts a single tool call.
func ToolUseResponse(id, name string, input map[string]any) Response {
	return Response{
		Blocks:     []Block{{Type: "tool_use", ID: id, Name: name, Input: input}},
		StopReason: "tool_use",
	}
}
