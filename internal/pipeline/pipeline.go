// Package pipeline drives a debounced turn end to end: gate checks,
// context assembly, the dialogue engine, persistence, delivery, and
// usage accounting.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/delivery"
	"github.com/atendai/atendai/internal/dialogue"
	"github.com/atendai/atendai/internal/history"
	"github.com/atendai/atendai/internal/intervention"
	"github.com/atendai/atendai/internal/providers"
	"github.com/atendai/atendai/internal/store"
)

// genericApology is delivered best-effort when a turn fails fatally.
const genericApology = "Desculpe, estou com uma dificuldade técnica no momento. Pode tentar de novo em instantes?"

// defaultTurnTimeout bounds one turn end to end, model rounds included.
const defaultTurnTimeout = 90 * time.Second

// Runner is the dialogue engine surface the pipeline needs.
type Runner interface {
	Run(ctx context.Context, msgs []providers.Message) (*dialogue.Outcome, error)
}

// TextSender delivers replies through the channel gateway.
type TextSender interface {
	SendText(ctx context.Context, instance, address, text string) error
}

// InterventionGate reports whether a human owns the conversation.
type InterventionGate interface {
	Active(ctx context.Context, key convo.Key, now time.Time) (bool, error)
}

type Pipeline struct {
	turns         store.TurnStore
	blocks        store.BlockStore
	interventions InterventionGate
	dedupe        store.DedupeStore
	usage         store.UsageStore
	instances     store.InstanceStore
	assembler     *history.Assembler
	engine        Runner
	sender        TextSender
	turnTimeout   time.Duration
	tracer        trace.Tracer
}

type Config struct {
	Stores        *store.Stores
	Interventions InterventionGate
	Assembler     *history.Assembler
	Engine        Runner
	Sender        TextSender
	TurnTimeout   time.Duration
}

// The tracker is the production gate.
var _ InterventionGate = (*intervention.Tracker)(nil)

func New(cfg Config) *Pipeline {
	timeout := cfg.TurnTimeout
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	return &Pipeline{
		turns:         cfg.Stores.Turns,
		blocks:        cfg.Stores.Blocks,
		interventions: cfg.Interventions,
		dedupe:        cfg.Stores.Dedupe,
		usage:         cfg.Stores.Usage,
		instances:     cfg.Stores.Instances,
		assembler:     cfg.Assembler,
		engine:        cfg.Engine,
		sender:        cfg.Sender,
		turnTimeout:   timeout,
		tracer:        otel.Tracer("atendai/pipeline"),
	}
}

// HandleTurn is the debounce fire callback. All failure handling stays
// inside; one conversation's failure never escapes to another.
func (p *Pipeline) HandleTurn(ctx context.Context, turn convo.PendingTurn) {
	ctx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "pipeline.turn",
		trace.WithAttributes(
			attribute.String("conversation", turn.Key.String()),
			attribute.Int("merged_messages", turn.Merged),
		))
	defer span.End()

	p.process(ctx, turn)
}

func (p *Pipeline) process(ctx context.Context, turn convo.PendingTurn) {
	log := slog.With("conversation", turn.Key.String())
	now := time.Now()

	inst, err := p.instances.ByName(ctx, turn.Key.Instance)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("turn for unknown instance dropped")
		return
	}
	if err != nil {
		log.Error("instance lookup failed", "error", err)
		return
	}

	// The block may have landed during the quiet window; re-check.
	block, err := p.blocks.ActiveBlock(ctx, turn.Key, now)
	if err != nil {
		log.Error("block re-check failed", "error", err)
		return
	}
	if block != nil {
		log.Info("turn suppressed by active block", "reasons", block.Reasons)
		return
	}

	// Human takeover gate. A read failure fails closed: staying silent
	// beats talking over an operator.
	active, err := p.interventions.Active(ctx, turn.Key, now)
	if err != nil {
		log.Warn("intervention check failed, suppressing reply", "error", err)
		return
	}
	if active {
		log.Info("turn suppressed, human intervention active")
		return
	}

	if inst.MonthlyMessageLimit > 0 {
		used, err := p.usage.MonthlyCount(ctx, inst.TenantID, store.ActionAssistantReply, now)
		if err != nil {
			log.Warn("quota check failed, proceeding", "error", err)
		} else if used >= inst.MonthlyMessageLimit {
			log.Warn("monthly message quota exhausted, turn dropped",
				"tenant", inst.TenantID, "used", used, "limit", inst.MonthlyMessageLimit)
			return
		}
	}

	// Dedupe before any model work. A store failure here only risks a
	// duplicate reply, so we proceed.
	fp := delivery.Fingerprint(inst.TenantID, turn.Key, turn.Content)
	seen, err := p.dedupe.Seen(ctx, inst.TenantID, fp, delivery.FingerprintTTL)
	if err != nil {
		log.Warn("dedupe check failed, proceeding", "error", err)
	} else if seen {
		log.Info("duplicate turn dropped", "fingerprint", fp)
		return
	}

	// History failure degrades to an empty context rather than
	// dropping the customer's message.
	past, err := p.turns.Recent(ctx, turn.Key, history.DefaultTurnLimit)
	if err != nil {
		log.Warn("history fetch failed, continuing without history", "error", err)
		past = nil
	}

	systemPrompt := history.BuildSystemPrompt(history.Persona{
		AssistantName: inst.AssistantName,
		ShopName:      inst.ShopName,
		Language:      inst.Language,
		Style:         inst.Style,
		KnowledgeBase: inst.KnowledgeBase,
	})
	msgs := p.assembler.Build(systemPrompt, past, turn.Content)

	outcome, err := p.engine.Run(ctx, msgs)
	if err != nil {
		if errors.Is(err, dialogue.ErrRoundCapExceeded) {
			// The model was spinning on tools; delivering anything
			// would be garbage. Keep the tool trail on record so the
			// next turn sees a coherent history, then stay silent.
			log.Error("turn abandoned at round cap", "error", err)
			if outcome != nil {
				p.persistTurn(ctx, inst.TenantID, turn, outcome, now, log)
			}
			return
		}
		log.Error("dialogue failed", "error", err)
		p.sendApology(ctx, turn.Key, log)
		return
	}

	p.persistTurn(ctx, inst.TenantID, turn, outcome, now, log)

	if outcome.Reply == "" {
		log.Warn("dialogue produced empty reply, nothing delivered")
		return
	}

	deliverErr := p.sender.SendText(ctx, turn.Key.Instance, turn.Key.Address, outcome.Reply)
	if deliverErr != nil {
		log.Error("delivery failed", "error", deliverErr)
	}

	// Usage is accounted once delivery was attempted, success or not.
	toolsUsed := make([]string, 0, len(outcome.ToolTrail))
	for _, rec := range outcome.ToolTrail {
		toolsUsed = append(toolsUsed, rec.Name)
	}
	usageRec := store.UsageRecord{
		TenantID:     inst.TenantID,
		Instance:     turn.Key.Instance,
		Conversation: turn.Key.String(),
		ActionType:   store.ActionAssistantReply,
		Count:        1,
		Metadata: map[string]interface{}{
			"reply_length":      len(outcome.Reply),
			"tools_used":        toolsUsed,
			"rounds":            outcome.Rounds,
			"prompt_tokens":     outcome.Usage.PromptTokens,
			"completion_tokens": outcome.Usage.CompletionTokens,
			"delivered":         deliverErr == nil,
		},
		CreatedAt: time.Now(),
	}
	if err := p.usage.Record(ctx, usageRec); err != nil {
		log.Error("usage accounting failed", "error", err)
	}

	log.Info("turn completed",
		"rounds", outcome.Rounds,
		"tools", len(outcome.ToolTrail),
		"reply_length", len(outcome.Reply),
		"delivered", deliverErr == nil)
}

// persistTurn writes the completed exchange with its full tool trail.
// A write failure is logged only; the customer's answer outranks our
// bookkeeping.
func (p *Pipeline) persistTurn(ctx context.Context, tenantID string, turn convo.PendingTurn, outcome *dialogue.Outcome, now time.Time, log *slog.Logger) {
	completed := convo.Turn{
		TenantID:         tenantID,
		Key:              turn.Key,
		UserContent:      turn.Content,
		AssistantContent: outcome.Reply,
		ToolCalls:        outcome.ToolTrail,
		PromptTokens:     outcome.Usage.PromptTokens,
		CompletionTokens: outcome.Usage.CompletionTokens,
		CreatedAt:        now,
	}
	if err := p.turns.Append(ctx, completed); err != nil {
		log.Error("turn persistence failed", "error", err)
	}
}

func (p *Pipeline) sendApology(ctx context.Context, key convo.Key, log *slog.Logger) {
	if err := p.sender.SendText(ctx, key.Instance, key.Address, genericApology); err != nil {
		log.Warn("apology delivery failed", "error", err)
	}
}
