// Package history rebuilds the model message sequence from persisted
// turns, preserving tool-call trails so the provider sees a coherent
// conversation.
package history

import (
	"encoding/json"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/providers"
)

// DefaultTurnLimit bounds how many past turns enter the context.
const DefaultTurnLimit = 10

// missingResultPlaceholder stands in for a tool result that was never
// persisted, so the request still pairs every tool_call with a reply.
const missingResultPlaceholder = "[tool result unavailable]"

type Assembler struct {
	limit int
}

func NewAssembler(limit int) *Assembler {
	if limit <= 0 {
		limit = DefaultTurnLimit
	}
	return &Assembler{limit: limit}
}

// Build produces the full message sequence: system prompt, the most
// recent turns oldest-first, then the current user content. A turn is
// the unit of truncation; its tool sequence is never split.
func (a *Assembler) Build(systemPrompt string, turns []convo.Turn, current string) []providers.Message {
	msgs := make([]providers.Message, 0, len(turns)*3+2)
	msgs = append(msgs, providers.Message{Role: "system", Content: systemPrompt})

	if len(turns) > a.limit {
		turns = turns[len(turns)-a.limit:]
	}
	for _, turn := range turns {
		msgs = append(msgs, expandTurn(turn)...)
	}

	msgs = append(msgs, providers.Message{Role: "user", Content: current})
	return msgs
}

// expandTurn replays one persisted turn in wire order: the user
// message when present, the assistant's tool-call request with the
// original ids and arguments, one tool reply per call, then the final
// assistant text.
func expandTurn(turn convo.Turn) []providers.Message {
	msgs := make([]providers.Message, 0, len(turn.ToolCalls)+3)
	if turn.UserContent != "" {
		msgs = append(msgs, providers.Message{Role: "user", Content: turn.UserContent})
	}

	if len(turn.ToolCalls) > 0 {
		calls := make([]providers.ToolCall, len(turn.ToolCalls))
		for i, rec := range turn.ToolCalls {
			args := make(map[string]interface{})
			if rec.Arguments != "" {
				_ = json.Unmarshal([]byte(rec.Arguments), &args)
			}
			calls[i] = providers.ToolCall{ID: rec.CallID, Name: rec.Name, Arguments: args}
		}
		msgs = append(msgs, providers.Message{Role: "assistant", ToolCalls: calls})

		for _, rec := range turn.ToolCalls {
			result := rec.Result
			if result == "" {
				result = missingResultPlaceholder
			}
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: rec.CallID,
			})
		}
	}

	if turn.AssistantContent != "" {
		msgs = append(msgs, providers.Message{Role: "assistant", Content: turn.AssistantContent})
	}
	return msgs
}
