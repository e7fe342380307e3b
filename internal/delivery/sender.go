// Package delivery sends assistant replies back through the channel
// gateway and owns the dedupe fingerprint rules.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// composingDelayMs is reported to the gateway so the recipient sees a
// short "typing" presence before the reply lands.
const composingDelayMs = 1200

// Sender is the channel-gateway client for outbound text.
type Sender struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewSender builds a sender. Outbound calls are paced globally so a
// burst of finished turns cannot hammer the gateway.
func NewSender(baseURL, apiKey string) *Sender {
	return &Sender{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

type sendTextRequest struct {
	Number   string `json:"number"`
	Text     string `json:"text"`
	Delay    int    `json:"delay,omitempty"`
	Presence string `json:"presence,omitempty"`
}

// SendText delivers one text message to the conversation address on
// the given instance.
func (s *Sender) SendText(ctx context.Context, instance, address, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("delivery pacing: %w", err)
	}

	body, err := json.Marshal(sendTextRequest{
		Number:   address,
		Text:     text,
		Delay:    composingDelayMs,
		Presence: "composing",
	})
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	url := fmt.Sprintf("%s/message/sendText/%s", s.baseURL, instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("send text: gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	slog.Debug("reply delivered", "instance", instance, "address", address, "length", len(text))
	return nil
}

// FetchMedia downloads a media payload (voice notes) from the gateway.
func (s *Sender) FetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create media request: %w", err)
	}
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: gateway returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}
