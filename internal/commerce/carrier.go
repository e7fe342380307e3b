package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atendai/atendai/internal/tools"
)

// CarrierClient answers shipment tracking lookups.
type CarrierClient struct {
	baseURL string
	client  *http.Client
}

func NewCarrierClient(baseURL string) *CarrierClient {
	return &CarrierClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type trackingPayload struct {
	Code    string `json:"code"`
	Carrier string `json:"carrier"`
	Events  []struct {
		At          time.Time `json:"at"`
		Description string    `json:"description"`
		Location    string    `json:"location"`
	} `json:"events"`
}

// Track fetches the movement history for a tracking code.
func (c *CarrierClient) Track(ctx context.Context, code string) (*tools.TrackingStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/track/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("carrier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("carrier returned %d", resp.StatusCode)
	}

	var payload trackingPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode tracking: %w", err)
	}

	status := &tools.TrackingStatus{Code: payload.Code, Carrier: payload.Carrier}
	for _, ev := range payload.Events {
		status.Events = append(status.Events, tools.TrackingEvent{
			At:          ev.At,
			Description: ev.Description,
			Location:    ev.Location,
		})
	}
	return status, nil
}
