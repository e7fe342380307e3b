package dialogue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atendai/atendai/internal/providers"
	"github.com/atendai/atendai/internal/tools"
)

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	err       error
	calls     int
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "fallback", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type recordingDispatcher struct {
	mu       sync.Mutex
	executed []string
	results  map[string]*tools.Result
	delay    map[string]time.Duration
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		results: make(map[string]*tools.Result),
		delay:   make(map[string]time.Duration),
	}
}

func (d *recordingDispatcher) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{Type: "function", Function: providers.ToolFunctionSchema{Name: "order_lookup"}},
	}
}

func (d *recordingDispatcher) Execute(_ context.Context, name string, _ map[string]interface{}) *tools.Result {
	if wait := d.delay[name]; wait > 0 {
		time.Sleep(wait)
	}
	d.mu.Lock()
	d.executed = append(d.executed, name)
	d.mu.Unlock()
	if r, ok := d.results[name]; ok {
		return r
	}
	return tools.NewResult("ok from " + name)
}

func toolCallResponse(calls ...providers.ToolCall) *providers.ChatResponse {
	return &providers.ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}
}

func textResponse(content string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: content, FinishReason: "stop"}
}

func userMsgs(content string) []providers.Message {
	return []providers.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: content},
	}
}

func TestRunPlainReply(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("hello there")}}
	e := NewEngine(p, newRecordingDispatcher(), "test-model", 5)

	out, err := e.Run(context.Background(), userMsgs("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Reply != "hello there" {
		t.Errorf("reply = %q", out.Reply)
	}
	if out.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", out.Rounds)
	}
	if len(out.ToolTrail) != 0 {
		t.Errorf("tool trail = %v, want empty", out.ToolTrail)
	}
}

func TestRunSingleToolRound(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse(providers.ToolCall{ID: "c1", Name: "order_lookup", Arguments: map[string]interface{}{"order_number": "1042"}}),
		textResponse("your order shipped"),
	}}
	d := newRecordingDispatcher()
	d.results["order_lookup"] = tools.NewResult("Order #1042: shipped")
	e := NewEngine(p, d, "test-model", 5)

	out, err := e.Run(context.Background(), userMsgs("where is 1042?"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Reply != "your order shipped" {
		t.Errorf("reply = %q", out.Reply)
	}
	if out.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", out.Rounds)
	}
	if len(out.ToolTrail) != 1 {
		t.Fatalf("tool trail = %+v", out.ToolTrail)
	}
	rec := out.ToolTrail[0]
	if rec.CallID != "c1" || rec.Name != "order_lookup" || rec.Result != "Order #1042: shipped" || rec.IsError {
		t.Errorf("trail record = %+v", rec)
	}

	// The second request must contain the assistant tool-call message
	// and the paired tool reply.
	second := p.requests[1]
	var sawRequest, sawReply bool
	for _, m := range second.Messages {
		if m.Role == "assistant" && len(m.ToolCalls) == 1 && m.ToolCalls[0].ID == "c1" {
			sawRequest = true
		}
		if m.Role == "tool" && m.ToolCallID == "c1" {
			sawReply = true
		}
	}
	if !sawRequest || !sawReply {
		t.Errorf("second round missing tool pairing: request=%v reply=%v", sawRequest, sawReply)
	}
}

func TestRunParallelToolsKeepModelOrder(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse(
			providers.ToolCall{ID: "slow", Name: "order_lookup", Arguments: map[string]interface{}{}},
			providers.ToolCall{ID: "fast", Name: "shipment_tracking", Arguments: map[string]interface{}{}},
		),
		textResponse("done"),
	}}
	d := newRecordingDispatcher()
	d.delay["order_lookup"] = 40 * time.Millisecond
	e := NewEngine(p, d, "test-model", 5)

	out, err := e.Run(context.Background(), userMsgs("check both"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.ToolTrail) != 2 {
		t.Fatalf("trail = %+v", out.ToolTrail)
	}
	// Despite the first call finishing last, trail and messages keep
	// the model's declared order.
	if out.ToolTrail[0].CallID != "slow" || out.ToolTrail[1].CallID != "fast" {
		t.Errorf("trail order = %s,%s want slow,fast", out.ToolTrail[0].CallID, out.ToolTrail[1].CallID)
	}

	second := p.requests[1]
	var toolIDs []string
	for _, m := range second.Messages {
		if m.Role == "tool" {
			toolIDs = append(toolIDs, m.ToolCallID)
		}
	}
	if len(toolIDs) != 2 || toolIDs[0] != "slow" || toolIDs[1] != "fast" {
		t.Errorf("tool message order = %v", toolIDs)
	}
}

func TestRunToolErrorIsIsolated(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolCallResponse(
			providers.ToolCall{ID: "bad", Name: "order_lookup", Arguments: map[string]interface{}{}},
			providers.ToolCall{ID: "good", Name: "shipment_tracking", Arguments: map[string]interface{}{}},
		),
		textResponse("partial answer"),
	}}
	d := newRecordingDispatcher()
	d.results["order_lookup"] = tools.ErrorResult("backend exploded")
	e := NewEngine(p, d, "test-model", 5)

	out, err := e.Run(context.Background(), userMsgs("check"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Reply != "partial answer" {
		t.Errorf("reply = %q", out.Reply)
	}
	if !out.ToolTrail[0].IsError || out.ToolTrail[1].IsError {
		t.Errorf("error flags = %v,%v", out.ToolTrail[0].IsError, out.ToolTrail[1].IsError)
	}
}

func TestRunRoundCap(t *testing.T) {
	// The model never stops asking for tools.
	var responses []*providers.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, toolCallResponse(
			providers.ToolCall{ID: "c", Name: "order_lookup", Arguments: map[string]interface{}{}},
		))
	}
	p := &scriptedProvider{responses: responses}
	e := NewEngine(p, newRecordingDispatcher(), "test-model", 5)

	out, err := e.Run(context.Background(), userMsgs("loop"))
	if !errors.Is(err, ErrRoundCapExceeded) {
		t.Fatalf("err = %v, want ErrRoundCapExceeded", err)
	}
	if p.calls != 5 {
		t.Errorf("model calls = %d, want exactly 5", p.calls)
	}
	// The trail from the exhausted rounds must survive for persistence.
	if out == nil {
		t.Fatal("no outcome returned at cap")
	}
	if out.Reply != "" {
		t.Errorf("reply = %q, want empty", out.Reply)
	}
	if len(out.ToolTrail) != 5 {
		t.Errorf("tool trail = %d records, want 5", len(out.ToolTrail))
	}
	if out.Rounds != 5 {
		t.Errorf("rounds = %d, want 5", out.Rounds)
	}
}

func TestRunProviderErrorPropagates(t *testing.T) {
	p := &scriptedProvider{err: errors.New("rate limited")}
	e := NewEngine(p, newRecordingDispatcher(), "test-model", 5)

	if _, err := e.Run(context.Background(), userMsgs("hi")); err == nil {
		t.Fatal("provider error swallowed")
	}
}

func TestRunAccumulatesUsage(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			ToolCalls:    []providers.ToolCall{{ID: "c1", Name: "order_lookup", Arguments: map[string]interface{}{}}},
			FinishReason: "tool_calls",
			Usage:        &providers.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		},
		{
			Content:      "done",
			FinishReason: "stop",
			Usage:        &providers.Usage{PromptTokens: 150, CompletionTokens: 30, TotalTokens: 180},
		},
	}}
	e := NewEngine(p, newRecordingDispatcher(), "test-model", 5)

	out, err := e.Run(context.Background(), userMsgs("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Usage.PromptTokens != 250 || out.Usage.CompletionTokens != 50 || out.Usage.TotalTokens != 300 {
		t.Errorf("usage = %+v", out.Usage)
	}
}
