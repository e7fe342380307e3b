package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/dialogue"
	"github.com/atendai/atendai/internal/history"
	"github.com/atendai/atendai/internal/providers"
	"github.com/atendai/atendai/internal/store"
)

var testKey = convo.Key{Instance: "shop-a", Address: "5511999@c.us"}

type fakeTurns struct {
	appended []convo.Turn
	recent   []convo.Turn
	recErr   error
	appErr   error
}

func (f *fakeTurns) Append(_ context.Context, turn convo.Turn) error {
	if f.appErr != nil {
		return f.appErr
	}
	f.appended = append(f.appended, turn)
	return nil
}

func (f *fakeTurns) Recent(context.Context, convo.Key, int) ([]convo.Turn, error) {
	return f.recent, f.recErr
}

type fakeBlocks struct {
	active *convo.Block
	err    error
}

func (f *fakeBlocks) ActiveBlock(context.Context, convo.Key, time.Time) (*convo.Block, error) {
	return f.active, f.err
}
func (f *fakeBlocks) PutBlock(context.Context, convo.Block) error          { return nil }
func (f *fakeBlocks) PurgeExpired(context.Context, time.Time) (int, error) { return 0, nil }

type fakeGate struct {
	active bool
	err    error
}

func (f *fakeGate) Active(context.Context, convo.Key, time.Time) (bool, error) {
	return f.active, f.err
}

type fakeDedupe struct {
	seen bool
	err  error
}

func (f *fakeDedupe) Seen(context.Context, string, string, time.Duration) (bool, error) {
	return f.seen, f.err
}
func (f *fakeDedupe) PurgeExpiredFingerprints(context.Context, time.Time) (int, error) {
	return 0, nil
}

type fakeUsage struct {
	records []store.UsageRecord
	monthly int
}

func (f *fakeUsage) Record(_ context.Context, rec store.UsageRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeUsage) MonthlyCount(context.Context, string, string, time.Time) (int, error) {
	return f.monthly, nil
}

type fakeInstances struct {
	inst *store.Instance
	err  error
}

func (f *fakeInstances) ByName(context.Context, string) (*store.Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.inst, nil
}
func (f *fakeInstances) SetStatus(context.Context, string, string) error { return nil }
func (f *fakeInstances) Upsert(context.Context, store.Instance) error    { return nil }

type fakeEngine struct {
	outcome *dialogue.Outcome
	err     error
	calls   int
	gotMsgs []providers.Message
}

func (f *fakeEngine) Run(_ context.Context, msgs []providers.Message) (*dialogue.Outcome, error) {
	f.calls++
	f.gotMsgs = msgs
	return f.outcome, f.err
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) SendText(_ context.Context, _, _, text string) error {
	f.sent = append(f.sent, text)
	return f.err
}

type fixture struct {
	turns     *fakeTurns
	blocks    *fakeBlocks
	gate      *fakeGate
	dedupe    *fakeDedupe
	usage     *fakeUsage
	instances *fakeInstances
	engine    *fakeEngine
	sender    *fakeSender
	pipeline  *Pipeline
}

func newFixture() *fixture {
	f := &fixture{
		turns:  &fakeTurns{},
		blocks: &fakeBlocks{},
		gate:   &fakeGate{},
		dedupe: &fakeDedupe{},
		usage:  &fakeUsage{},
		instances: &fakeInstances{inst: &store.Instance{
			Name:          "shop-a",
			TenantID:      "t1",
			ShopName:      "Loja da Ana",
			AssistantName: "Ana",
		}},
		engine: &fakeEngine{outcome: &dialogue.Outcome{
			Reply:  "your order shipped yesterday",
			Rounds: 1,
			Usage:  providers.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		}},
		sender: &fakeSender{},
	}
	f.pipeline = New(Config{
		Stores:        store.NewStores(f.turns, f.blocks, nil, f.dedupe, f.usage, f.instances, nil),
		Interventions: f.gate,
		Assembler:     history.NewAssembler(history.DefaultTurnLimit),
		Engine:        f.engine,
		Sender:        f.sender,
	})
	return f
}

func turn(content string) convo.PendingTurn {
	return convo.PendingTurn{Key: testKey, Content: content, Merged: 1}
}

func TestHappyPathDeliversPersistsAndAccounts(t *testing.T) {
	f := newFixture()
	f.pipeline.HandleTurn(context.Background(), turn("where is my order?"))

	if f.engine.calls != 1 {
		t.Fatalf("engine calls = %d", f.engine.calls)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "your order shipped yesterday" {
		t.Errorf("sent = %v", f.sender.sent)
	}
	if len(f.turns.appended) != 1 {
		t.Fatalf("persisted turns = %d", len(f.turns.appended))
	}
	saved := f.turns.appended[0]
	if saved.UserContent != "where is my order?" || saved.AssistantContent != "your order shipped yesterday" {
		t.Errorf("persisted turn = %+v", saved)
	}
	if saved.TenantID != "t1" {
		t.Errorf("tenant = %s", saved.TenantID)
	}
	if len(f.usage.records) != 1 {
		t.Fatalf("usage records = %d", len(f.usage.records))
	}
	rec := f.usage.records[0]
	if rec.ActionType != store.ActionAssistantReply || rec.Count != 1 {
		t.Errorf("usage record = %+v", rec)
	}
	if rec.Metadata["delivered"] != true {
		t.Errorf("metadata = %v", rec.Metadata)
	}
}

func TestActiveBlockSuppressesTurn(t *testing.T) {
	f := newFixture()
	f.blocks.active = &convo.Block{
		Key:       testKey,
		Reasons:   []string{"repeated_messages"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if f.engine.calls != 0 {
		t.Error("blocked turn reached the model")
	}
	if len(f.sender.sent) != 0 {
		t.Error("blocked turn was delivered")
	}
}

func TestInterventionSuppressesWithoutModelCall(t *testing.T) {
	f := newFixture()
	f.gate.active = true
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if f.engine.calls != 0 {
		t.Error("model called while a human owns the conversation")
	}
	if len(f.sender.sent) != 0 || len(f.turns.appended) != 0 || len(f.usage.records) != 0 {
		t.Error("suppressed turn left side effects")
	}
}

func TestInterventionReadFailureFailsClosed(t *testing.T) {
	f := newFixture()
	f.gate.err = errors.New("store down")
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if f.engine.calls != 0 || len(f.sender.sent) != 0 {
		t.Error("reply produced despite unreadable intervention state")
	}
}

func TestDuplicateTurnDropped(t *testing.T) {
	f := newFixture()
	f.dedupe.seen = true
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if f.engine.calls != 0 {
		t.Error("duplicate reached the model")
	}
	if len(f.sender.sent) != 0 {
		t.Error("duplicate was delivered")
	}
}

func TestQuotaExhaustedDropsTurn(t *testing.T) {
	f := newFixture()
	f.instances.inst.MonthlyMessageLimit = 100
	f.usage.monthly = 100
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if f.engine.calls != 0 || len(f.sender.sent) != 0 {
		t.Error("over-quota turn was processed")
	}
}

func TestQuotaUnderLimitProceeds(t *testing.T) {
	f := newFixture()
	f.instances.inst.MonthlyMessageLimit = 100
	f.usage.monthly = 99
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if f.engine.calls != 1 {
		t.Error("under-quota turn was dropped")
	}
}

func TestUnknownInstanceDropped(t *testing.T) {
	f := newFixture()
	f.instances.err = store.ErrNotFound
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if f.engine.calls != 0 || len(f.sender.sent) != 0 {
		t.Error("turn for unknown instance was processed")
	}
}

func TestDialogueFailureSendsApology(t *testing.T) {
	f := newFixture()
	f.engine.err = errors.New("provider unreachable")
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent = %v", f.sender.sent)
	}
	if !strings.Contains(f.sender.sent[0], "Desculpe") {
		t.Errorf("apology = %q", f.sender.sent[0])
	}
	if len(f.turns.appended) != 0 {
		t.Error("failed turn was persisted")
	}
	if len(f.usage.records) != 0 {
		t.Error("failed turn was accounted")
	}
}

func TestRoundCapStaysSilentButPersistsTrail(t *testing.T) {
	f := newFixture()
	f.engine.outcome = &dialogue.Outcome{
		ToolTrail: []convo.ToolCallRecord{
			{CallID: "c1", Name: "order_lookup", Arguments: `{"order_number":"7"}`, Result: "not found"},
		},
		Rounds: 5,
		Usage:  providers.Usage{PromptTokens: 500, CompletionTokens: 80},
	}
	f.engine.err = dialogue.ErrRoundCapExceeded
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if len(f.sender.sent) != 0 {
		t.Errorf("round-cap failure delivered %v", f.sender.sent)
	}
	if len(f.usage.records) != 0 {
		t.Error("abandoned turn was accounted")
	}
	if len(f.turns.appended) != 1 {
		t.Fatal("abandoned turn not persisted")
	}
	saved := f.turns.appended[0]
	if saved.AssistantContent != "" {
		t.Errorf("assistant content = %q, want empty", saved.AssistantContent)
	}
	if len(saved.ToolCalls) != 1 || saved.ToolCalls[0].CallID != "c1" {
		t.Errorf("tool trail = %+v", saved.ToolCalls)
	}
	if saved.PromptTokens != 500 {
		t.Errorf("prompt tokens = %d", saved.PromptTokens)
	}
}

func TestDeliveryFailureStillRecordsUsage(t *testing.T) {
	f := newFixture()
	f.sender.err = errors.New("gateway 502")
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if len(f.turns.appended) != 1 {
		t.Error("turn not persisted")
	}
	if len(f.usage.records) != 1 {
		t.Fatal("usage not recorded after failed delivery")
	}
	if f.usage.records[0].Metadata["delivered"] != false {
		t.Errorf("metadata = %v", f.usage.records[0].Metadata)
	}
}

func TestPersistenceFailureDoesNotBlockDelivery(t *testing.T) {
	f := newFixture()
	f.turns.appErr = errors.New("disk full")
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if len(f.sender.sent) != 1 {
		t.Error("delivery skipped after persistence failure")
	}
}

func TestHistoryFailureDegradesToEmptyContext(t *testing.T) {
	f := newFixture()
	f.turns.recErr = errors.New("query timeout")
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if f.engine.calls != 1 {
		t.Fatal("turn dropped on history failure")
	}
	// System prompt plus the current user message only.
	if len(f.engine.gotMsgs) != 2 {
		t.Errorf("messages = %d", len(f.engine.gotMsgs))
	}
}

func TestEmptyReplyNotDelivered(t *testing.T) {
	f := newFixture()
	f.engine.outcome = &dialogue.Outcome{Reply: "", Rounds: 1}
	f.pipeline.HandleTurn(context.Background(), turn("hi"))

	if len(f.sender.sent) != 0 {
		t.Error("empty reply was delivered")
	}
	if len(f.turns.appended) != 1 {
		t.Error("turn with empty reply not persisted")
	}
}
