// Package dialogue runs the bounded tool-calling loop against the
// model provider and produces the final reply plus the tool trail.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/providers"
	"github.com/atendai/atendai/internal/tools"
)

// DefaultMaxRounds caps how many model calls one turn may make. The
// loop fails hard rather than letting a confused model spin.
const DefaultMaxRounds = 5

// ErrRoundCapExceeded means the model was still requesting tools after
// the final round. Nothing is delivered, but the returned Outcome still
// carries the accumulated tool trail so the turn can be persisted.
var ErrRoundCapExceeded = errors.New("dialogue round cap exceeded")

// Dispatcher executes tool calls. *tools.Registry satisfies it.
type Dispatcher interface {
	Definitions() []providers.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]interface{}) *tools.Result
}

// Outcome is a completed turn: the reply text and everything needed to
// persist the tool trail.
type Outcome struct {
	Reply     string
	ToolTrail []convo.ToolCallRecord
	Rounds    int
	Usage     providers.Usage
}

type Engine struct {
	provider  providers.Provider
	registry  Dispatcher
	model     string
	maxRounds int
	tracer    trace.Tracer
}

func NewEngine(provider providers.Provider, registry Dispatcher, model string, maxRounds int) *Engine {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Engine{
		provider:  provider,
		registry:  registry,
		model:     model,
		maxRounds: maxRounds,
		tracer:    otel.Tracer("atendai/dialogue"),
	}
}

// Run drives the loop to completion. msgs must already contain the
// system prompt, history, and the current user turn.
func (e *Engine) Run(ctx context.Context, msgs []providers.Message) (*Outcome, error) {
	messages := make([]providers.Message, len(msgs))
	copy(messages, msgs)

	toolDefs := e.registry.Definitions()
	outcome := &Outcome{}

	for round := 0; ; round++ {
		if round >= e.maxRounds {
			slog.Warn("dialogue still requesting tools at round cap", "rounds", round)
			return outcome, fmt.Errorf("after %d rounds: %w", round, ErrRoundCapExceeded)
		}

		resp, err := e.chatRound(ctx, round, messages, toolDefs)
		if err != nil {
			return nil, fmt.Errorf("model round %d: %w", round, err)
		}
		outcome.Rounds = round + 1
		if resp.Usage != nil {
			outcome.Usage.PromptTokens += resp.Usage.PromptTokens
			outcome.Usage.CompletionTokens += resp.Usage.CompletionTokens
			outcome.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		if len(resp.ToolCalls) == 0 {
			outcome.Reply = resp.Content
			return outcome, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := e.dispatch(ctx, resp.ToolCalls)
		for _, r := range results {
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    r.result.ForLLM,
				ToolCallID: r.tc.ID,
			})
			outcome.ToolTrail = append(outcome.ToolTrail, convo.ToolCallRecord{
				CallID:    r.tc.ID,
				Name:      r.tc.Name,
				Arguments: r.argsJSON,
				Result:    r.result.ForLLM,
				IsError:   r.result.IsError,
			})
		}
	}
}

func (e *Engine) chatRound(ctx context.Context, round int, messages []providers.Message, toolDefs []providers.ToolDefinition) (*providers.ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "dialogue.round",
		trace.WithAttributes(attribute.Int("round", round)))
	defer span.End()

	resp, err := e.provider.Chat(ctx, providers.ChatRequest{
		Messages: messages,
		Tools:    toolDefs,
		Model:    e.model,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("tool_calls", len(resp.ToolCalls)),
		attribute.String("finish_reason", resp.FinishReason),
	)
	return resp, nil
}

type indexedResult struct {
	idx      int
	tc       providers.ToolCall
	result   *tools.Result
	argsJSON string
}

// dispatch executes the round's tool calls, in parallel when there is
// more than one. Results come back sorted by the model's call order so
// message appends stay deterministic.
func (e *Engine) dispatch(ctx context.Context, calls []providers.ToolCall) []indexedResult {
	if len(calls) == 1 {
		return []indexedResult{e.executeOne(ctx, 0, calls[0])}
	}

	resultCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- e.executeOne(ctx, idx, tc)
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	return collected
}

func (e *Engine) executeOne(ctx context.Context, idx int, tc providers.ToolCall) indexedResult {
	argsJSON, _ := json.Marshal(tc.Arguments)

	ctx, span := e.tracer.Start(ctx, "dialogue.tool",
		trace.WithAttributes(
			attribute.String("tool", tc.Name),
			attribute.String("call_id", tc.ID),
		))
	defer span.End()

	start := time.Now()
	result := e.registry.Execute(ctx, tc.Name, tc.Arguments)
	span.SetAttributes(
		attribute.Bool("is_error", result.IsError),
		attribute.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if result.IsError {
		errMsg := result.ForLLM
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		slog.Warn("tool error", "tool", tc.Name, "error", errMsg)
	} else {
		slog.Info("tool call", "tool", tc.Name, "args_len", len(argsJSON))
	}

	return indexedResult{idx: idx, tc: tc, result: result, argsJSON: string(argsJSON)}
}
