package history

import (
	"fmt"
	"strings"
	"testing"

	"github.com/atendai/atendai/internal/convo"
)

func plainTurn(user, assistant string) convo.Turn {
	return convo.Turn{UserContent: user, AssistantContent: assistant}
}

func TestBuildPlainTurnsRoundTrip(t *testing.T) {
	a := NewAssembler(10)
	turns := []convo.Turn{
		plainTurn("hi", "hello! how can I help?"),
		plainTurn("do you ship to Recife?", "yes, 3-5 business days"),
	}

	msgs := a.Build("system prompt", turns, "what about returns?")

	wantRoles := []string{"system", "user", "assistant", "user", "assistant", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("msgs[%d].Role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if msgs[0].Content != "system prompt" {
		t.Errorf("system content = %q", msgs[0].Content)
	}
	if msgs[len(msgs)-1].Content != "what about returns?" {
		t.Errorf("current turn not last: %q", msgs[len(msgs)-1].Content)
	}
}

func TestBuildExpandsToolTrail(t *testing.T) {
	a := NewAssembler(10)
	turns := []convo.Turn{{
		UserContent: "where is order 1042?",
		ToolCalls: []convo.ToolCallRecord{
			{CallID: "call_1", Name: "order_lookup", Arguments: `{"order_number":"1042"}`, Result: "Order #1042: shipped"},
			{CallID: "call_2", Name: "shipment_tracking", Arguments: `{"tracking_code":"BR123"}`, Result: "in transit"},
		},
		AssistantContent: "your order is in transit!",
	}}

	msgs := a.Build("sys", turns, "thanks")

	// system, user, assistant(tool_calls), tool, tool, assistant, user
	wantRoles := []string{"system", "user", "assistant", "tool", "tool", "assistant", "user"}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Fatalf("msgs[%d].Role = %s, want %s", i, msgs[i].Role, role)
		}
	}

	req := msgs[2]
	if req.Content != "" {
		t.Errorf("tool-call request carries content %q", req.Content)
	}
	if len(req.ToolCalls) != 2 || req.ToolCalls[0].ID != "call_1" || req.ToolCalls[1].ID != "call_2" {
		t.Fatalf("tool calls = %+v", req.ToolCalls)
	}
	if got := req.ToolCalls[0].Arguments["order_number"]; got != "1042" {
		t.Errorf("arguments not replayed: %v", got)
	}

	if msgs[3].ToolCallID != "call_1" || msgs[3].Content != "Order #1042: shipped" {
		t.Errorf("first tool reply = %+v", msgs[3])
	}
	if msgs[4].ToolCallID != "call_2" {
		t.Errorf("second tool reply = %+v", msgs[4])
	}
	if msgs[5].Content != "your order is in transit!" {
		t.Errorf("final assistant = %+v", msgs[5])
	}
}

func TestBuildSynthesizesMissingToolResult(t *testing.T) {
	a := NewAssembler(10)
	turns := []convo.Turn{{
		UserContent: "track it",
		ToolCalls: []convo.ToolCallRecord{
			{CallID: "call_1", Name: "shipment_tracking", Arguments: `{"tracking_code":"X"}`},
		},
		AssistantContent: "couldn't check right now",
	}}

	msgs := a.Build("sys", turns, "ok")
	if msgs[3].Role != "tool" || msgs[3].Content != missingResultPlaceholder {
		t.Errorf("missing result not synthesized: %+v", msgs[3])
	}
}

func TestBuildTruncatesByWholeTurns(t *testing.T) {
	a := NewAssembler(3)
	var turns []convo.Turn
	for i := 0; i < 8; i++ {
		turns = append(turns, plainTurn(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)))
	}

	msgs := a.Build("sys", turns, "current")

	// system + 3 turns * 2 + current
	if len(msgs) != 8 {
		t.Fatalf("got %d messages, want 8", len(msgs))
	}
	if msgs[1].Content != "q5" {
		t.Errorf("oldest kept turn = %q, want q5", msgs[1].Content)
	}
	if msgs[6].Content != "a7" {
		t.Errorf("newest turn answer = %q, want a7", msgs[6].Content)
	}
}

func TestBuildSkipsEmptyAssistantContent(t *testing.T) {
	a := NewAssembler(10)
	turns := []convo.Turn{{
		UserContent: "hello",
		ToolCalls: []convo.ToolCallRecord{
			{CallID: "c1", Name: "product_lookup", Arguments: `{"query":"mug"}`, Result: "none"},
		},
	}}

	msgs := a.Build("sys", turns, "hi")
	for _, m := range msgs {
		if m.Role == "assistant" && len(m.ToolCalls) == 0 {
			t.Errorf("empty assistant content message emitted: %+v", m)
		}
	}
}

func TestBuildSkipsEmptyUserContent(t *testing.T) {
	a := NewAssembler(10)
	// An abandoned exchange persisted with its trail but no text.
	turns := []convo.Turn{{
		ToolCalls: []convo.ToolCallRecord{
			{CallID: "c1", Name: "order_lookup", Arguments: `{"order_number":"7"}`, Result: "not found"},
		},
	}}

	msgs := a.Build("sys", turns, "hello again")
	for i, m := range msgs[:len(msgs)-1] {
		if m.Role == "user" {
			t.Errorf("msgs[%d] is an empty user message: %+v", i, m)
		}
	}
	if msgs[len(msgs)-1].Content != "hello again" {
		t.Errorf("current turn not last: %+v", msgs[len(msgs)-1])
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	p := Persona{
		AssistantName: "Lia",
		ShopName:      "Loja Aurora",
		Language:      "Portuguese",
		Style:         "warm and direct",
		KnowledgeBase: "Free shipping over R$200.",
		Pages:         []string{"Shipping policy", "Returns"},
	}

	prompt := BuildSystemPrompt(p)
	for _, want := range []string{"Lia", "Loja Aurora", "Portuguese", "warm and direct", "Free shipping over R$200.", "Shipping policy"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildSystemPromptDefaults(t *testing.T) {
	prompt := BuildSystemPrompt(Persona{ShopName: "Shop"})
	if !strings.Contains(prompt, "You are Assistant") {
		t.Errorf("default assistant name not applied: %q", prompt)
	}
	if !strings.Contains(prompt, "the customer's language") {
		t.Errorf("default language not applied")
	}
}
