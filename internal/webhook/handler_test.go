package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/guard"
	"github.com/atendai/atendai/internal/intervention"
	"github.com/atendai/atendai/internal/store"
)

type memInstances struct {
	byName map[string]*store.Instance
	status map[string]string
}

func (m *memInstances) ByName(_ context.Context, name string) (*store.Instance, error) {
	inst, ok := m.byName[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

func (m *memInstances) SetStatus(_ context.Context, name, status string) error {
	if m.status == nil {
		m.status = make(map[string]string)
	}
	m.status[name] = status
	return nil
}

func (m *memInstances) Upsert(context.Context, store.Instance) error { return nil }

type memBlocks struct {
	mu     sync.Mutex
	blocks map[convo.Key]convo.Block
}

func (m *memBlocks) ActiveBlock(_ context.Context, key convo.Key, now time.Time) (*convo.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[key]
	if !ok || !b.Active(now) {
		return nil, nil
	}
	return &b, nil
}

func (m *memBlocks) PutBlock(_ context.Context, block convo.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks == nil {
		m.blocks = make(map[convo.Key]convo.Block)
	}
	m.blocks[block.Key] = block
	return nil
}

type memInterventions struct {
	mu   sync.Mutex
	recs map[convo.Key]intervention.Record
}

func (m *memInterventions) Get(_ context.Context, key convo.Key) (*intervention.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memInterventions) Put(_ context.Context, rec intervention.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[convo.Key]intervention.Record)
	}
	m.recs[rec.Key] = rec
	return nil
}

func (m *memInterventions) ListActive(context.Context) ([]intervention.Record, error) {
	return nil, nil
}

type captureAccumulator struct {
	mu     sync.Mutex
	events []convo.InboundEvent
}

func (c *captureAccumulator) Add(ev convo.InboundEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureAccumulator) all() []convo.InboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]convo.InboundEvent(nil), c.events...)
}

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(context.Context, string, []byte) (string, error) {
	return s.text, s.err
}

type stubMedia struct {
	data []byte
	err  error
}

func (s *stubMedia) FetchMedia(context.Context, string) ([]byte, error) {
	return s.data, s.err
}

type harness struct {
	srv         *httptest.Server
	acc         *captureAccumulator
	instances   *memInstances
	intStore    *memInterventions
	tracker     *intervention.Tracker
	transcriber *stubTranscriber
	media       *stubMedia
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		acc: &captureAccumulator{},
		instances: &memInstances{byName: map[string]*store.Instance{
			"shop-a": {Name: "shop-a", TenantID: "t1", WebhookSecret: "s3cret"},
		}},
		intStore:    &memInterventions{},
		transcriber: &stubTranscriber{text: "where is my order"},
		media:       &stubMedia{data: []byte("ogg")},
	}
	h.tracker = intervention.NewTracker(h.intStore)
	handler := NewHandler(HandlerConfig{
		Instances:   h.instances,
		Classifier:  guard.NewClassifier(&memBlocks{}),
		Tracker:     h.tracker,
		Debouncer:   h.acc,
		Transcriber: h.transcriber,
		Media:       h.media,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) post(t *testing.T, instance, secret string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(
		fmt.Sprintf("%s/webhook/%s/%s", h.srv.URL, instance, secret),
		"application/json",
		strings.NewReader(body),
	)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func upsertBody(jid, msgID, text string, fromMe bool) string {
	b, _ := json.Marshal(map[string]interface{}{
		"event":    "messages.upsert",
		"instance": "shop-a",
		"data": map[string]interface{}{
			"key": map[string]interface{}{
				"remoteJid": jid,
				"fromMe":    fromMe,
				"id":        msgID,
			},
			"pushName":         "Ana",
			"message":          map[string]interface{}{"conversation": text},
			"messageTimestamp": time.Now().Unix(),
		},
	})
	return string(b)
}

func TestInboundTextReachesAccumulator(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "shop-a", "s3cret", upsertBody("5511999@c.us", "m1", "oi, tudo bem?", false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	evs := h.acc.all()
	if len(evs) != 1 {
		t.Fatalf("events = %d", len(evs))
	}
	ev := evs[0]
	if ev.Key != (convo.Key{Instance: "shop-a", Address: "5511999@c.us"}) {
		t.Errorf("key = %+v", ev.Key)
	}
	if ev.Content != "oi, tudo bem?" || ev.Kind != convo.KindText {
		t.Errorf("event = %+v", ev)
	}
}

func TestBadSecretRejected(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "shop-a", "wrong", upsertBody("5511999@c.us", "m1", "hi", false))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(h.acc.all()) != 0 {
		t.Error("unauthenticated message was accepted")
	}
}

func TestUnknownInstanceRejected(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "shop-z", "s3cret", upsertBody("5511999@c.us", "m1", "hi", false))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestFromMeStartsIntervention(t *testing.T) {
	h := newHarness(t)
	h.post(t, "shop-a", "s3cret", upsertBody("5511999@c.us", "m1", "deixa que eu respondo", true))

	if len(h.acc.all()) != 0 {
		t.Error("operator message entered the debounce queue")
	}
	key := convo.Key{Instance: "shop-a", Address: "5511999@c.us"}
	active, err := h.tracker.Active(context.Background(), key, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !active {
		t.Error("operator message did not start an intervention")
	}
	rec, err := h.intStore.Get(context.Background(), key)
	if err != nil || rec == nil {
		t.Fatalf("record missing: %v", err)
	}
	if !rec.Automatic {
		t.Error("operator-triggered intervention not marked automatic")
	}
}

func TestGroupMessageBlocked(t *testing.T) {
	h := newHarness(t)
	h.post(t, "shop-a", "s3cret", upsertBody("12036304@g.us", "m1", "group chatter", false))
	if len(h.acc.all()) != 0 {
		t.Error("group message reached the accumulator")
	}
}

func TestRepeatedMessageBlockedOnThird(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.post(t, "shop-a", "s3cret", upsertBody("5511999@c.us", fmt.Sprintf("m%d", i), "PROMO PROMO PROMO", false))
	}
	if got := len(h.acc.all()); got != 2 {
		t.Errorf("accumulated = %d, want 2 (third identical blocked)", got)
	}
}

func TestVoiceNoteTranscribed(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(map[string]interface{}{
		"event":    "messages.upsert",
		"instance": "shop-a",
		"data": map[string]interface{}{
			"key":     map[string]interface{}{"remoteJid": "5511999@c.us", "id": "m1"},
			"message": map[string]interface{}{"audioMessage": map[string]interface{}{"url": "https://gw/media/m1", "mimetype": "audio/ogg"}},
		},
	})
	h.post(t, "shop-a", "s3cret", string(body))

	evs := h.acc.all()
	if len(evs) != 1 {
		t.Fatalf("events = %d", len(evs))
	}
	if !strings.Contains(evs[0].Content, "where is my order") {
		t.Errorf("content = %q", evs[0].Content)
	}
}

func TestVoiceNoteFailureDegradesToPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.transcriber.err = fmt.Errorf("whisper down")
	body, _ := json.Marshal(map[string]interface{}{
		"event":    "messages.upsert",
		"instance": "shop-a",
		"data": map[string]interface{}{
			"key":     map[string]interface{}{"remoteJid": "5511999@c.us", "id": "m1"},
			"message": map[string]interface{}{"audioMessage": map[string]interface{}{"url": "https://gw/media/m1"}},
		},
	})
	h.post(t, "shop-a", "s3cret", string(body))

	evs := h.acc.all()
	if len(evs) != 1 {
		t.Fatalf("events = %d", len(evs))
	}
	if !strings.Contains(evs[0].Content, "transcription unavailable") {
		t.Errorf("content = %q", evs[0].Content)
	}
}

func TestConnectionUpdatePersistsStatus(t *testing.T) {
	h := newHarness(t)
	body := `{"event":"connection.update","instance":"shop-a","data":{"state":"open"}}`
	resp := h.post(t, "shop-a", "s3cret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if h.instances.status["shop-a"] != "open" {
		t.Errorf("status = %q", h.instances.status["shop-a"])
	}
}

func TestUnsupportedMessageAcknowledged(t *testing.T) {
	h := newHarness(t)
	body := `{"event":"messages.upsert","instance":"shop-a","data":{"key":{"remoteJid":"5511999@c.us","id":"m1"},"message":{"stickerMessage":{}}}}`
	resp := h.post(t, "shop-a", "s3cret", body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(h.acc.all()) != 0 {
		t.Error("unsupported message was accumulated")
	}
}

func TestUnknownEventAcknowledged(t *testing.T) {
	h := newHarness(t)
	resp := h.post(t, "shop-a", "s3cret", `{"event":"labels.edit","instance":"shop-a","data":{}}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
