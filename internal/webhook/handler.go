// Package webhook is the channel-gateway ingress: it authenticates
// gateway callbacks, filters and classifies inbound messages, and feeds
// surviving ones into the debounce accumulator.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/guard"
	"github.com/atendai/atendai/internal/intervention"
	"github.com/atendai/atendai/internal/store"
	"github.com/atendai/atendai/internal/transcribe"
)

// maxBodyBytes bounds a single webhook payload.
const maxBodyBytes = 1 << 20

// Accumulator is the debounce surface the handler needs.
type Accumulator interface {
	Add(ev convo.InboundEvent)
}

// Transcriber converts a voice note to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// MediaFetcher downloads media payloads from the gateway.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaURL string) ([]byte, error)
}

type Handler struct {
	instances   store.InstanceStore
	classifier  *guard.Classifier
	tracker     *intervention.Tracker
	debouncer   Accumulator
	transcriber Transcriber
	media       MediaFetcher
	limiter     *RateLimiter
	tracer      trace.Tracer
}

type HandlerConfig struct {
	Instances   store.InstanceStore
	Classifier  *guard.Classifier
	Tracker     *intervention.Tracker
	Debouncer   Accumulator
	Transcriber Transcriber
	Media       MediaFetcher
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		instances:   cfg.Instances,
		classifier:  cfg.Classifier,
		tracker:     cfg.Tracker,
		debouncer:   cfg.Debouncer,
		transcriber: cfg.Transcriber,
		media:       cfg.Media,
		limiter:     NewRateLimiter(),
		tracer:      otel.Tracer("atendai/webhook"),
	}
}

// Register mounts the webhook route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/{instance}/{secret}", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	secret := r.PathValue("secret")

	if !h.limiter.Allow(instance) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	inst, err := h.instances.ByName(r.Context(), instance)
	if err != nil {
		// Unknown instance and bad secret answer identically so the
		// response cannot be used to enumerate instance names.
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("webhook instance lookup failed", "instance", instance, "error", err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(inst.WebhookSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "decode payload", http.StatusBadRequest)
		return
	}

	// The gateway retries non-200 responses. Once the payload is
	// authenticated and decoded we always acknowledge; processing
	// failures are ours to log, not the gateway's to replay.
	ctx, span := h.tracer.Start(r.Context(), "webhook.event",
		trace.WithAttributes(
			attribute.String("event", p.Event),
			attribute.String("instance", instance),
		))
	defer span.End()

	switch p.Event {
	case EventMessagesUpsert:
		h.handleMessage(ctx, instance, p.Data)
	case EventConnectionUpdate:
		h.handleConnection(ctx, instance, p.Data)
	case EventQRCodeUpdated:
		slog.Info("instance pairing code refreshed", "instance", instance)
	default:
		slog.Debug("webhook event ignored", "event", p.Event, "instance", instance)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleMessage(ctx context.Context, instance string, raw json.RawMessage) {
	ev, ok, err := parseInbound(instance, raw)
	if err != nil {
		slog.Warn("webhook message unparseable", "instance", instance, "error", err)
		return
	}
	if !ok {
		slog.Debug("unsupported message type skipped", "instance", instance)
		return
	}
	log := slog.With("conversation", ev.Key.String(), "message_id", ev.MessageID)

	// A message sent from the business side means an operator picked up
	// the thread; the assistant yields for a while.
	if ev.FromMe {
		if err := h.tracker.Start(ctx, ev.Key, intervention.AutoDuration, true); err != nil {
			log.Error("intervention start failed", "error", err)
		} else {
			log.Info("operator message, intervention started", "duration", intervention.AutoDuration)
		}
		return
	}

	verdict, err := h.classifier.Classify(ctx, ev)
	if err != nil {
		log.Error("classification failed, message dropped", "error", err)
		return
	}
	if verdict.ShouldBlock || verdict.AlreadyBlocked {
		log.Info("message blocked", "reasons", verdict.Reasons, "pre_existing", verdict.AlreadyBlocked)
		return
	}

	if ev.Kind == convo.KindAudio {
		ev.Content = h.transcribeVoice(ctx, ev, log)
	}
	if ev.Content == "" {
		log.Debug("empty message skipped")
		return
	}

	h.debouncer.Add(ev)
}

// transcribeVoice degrades to a placeholder on any failure so the turn
// still reaches the model.
func (h *Handler) transcribeVoice(ctx context.Context, ev convo.InboundEvent, log *slog.Logger) string {
	if h.transcriber == nil || h.media == nil || ev.MediaURL == "" {
		return transcribe.FailurePlaceholder
	}
	audio, err := h.media.FetchMedia(ctx, ev.MediaURL)
	if err != nil {
		log.Warn("voice note download failed", "error", err)
		return transcribe.FailurePlaceholder
	}
	text, err := h.transcriber.Transcribe(ctx, "voice-note.ogg", audio)
	if err != nil || text == "" {
		log.Warn("voice note transcription failed", "error", err)
		return transcribe.FailurePlaceholder
	}
	return transcribe.FormatForTurn(text)
}

func (h *Handler) handleConnection(ctx context.Context, instance string, raw json.RawMessage) {
	var cu connectionUpdate
	if err := json.Unmarshal(raw, &cu); err != nil {
		slog.Warn("connection.update unparseable", "instance", instance, "error", err)
		return
	}
	if cu.State == "" {
		return
	}
	if err := h.instances.SetStatus(ctx, instance, cu.State); err != nil {
		slog.Error("instance status update failed", "instance", instance, "state", cu.State, "error", err)
		return
	}
	slog.Info("instance connection state changed", "instance", instance, "state", cu.State)
}
