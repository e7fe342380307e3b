// Package commerce implements the storefront and carrier backends the
// conversation tools call. Both speak plain JSON over HTTP.
package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atendai/atendai/internal/tools"
)

// StorefrontClient serves catalog, order, and page lookups from the
// shop's commerce API.
type StorefrontClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewStorefrontClient(baseURL, token string) *StorefrontClient {
	return &StorefrontClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type productPayload struct {
	Title     string `json:"title"`
	Handle    string `json:"handle"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	URL       string `json:"url"`
	Available bool   `json:"available"`
}

// FindProducts queries the catalog search endpoint.
func (s *StorefrontClient) FindProducts(ctx context.Context, query string, limit int) ([]tools.Product, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))

	var payload struct {
		Products []productPayload `json:"products"`
	}
	if err := s.getJSON(ctx, "/api/products/search?"+q.Encode(), &payload); err != nil {
		return nil, fmt.Errorf("product search: %w", err)
	}

	out := make([]tools.Product, 0, len(payload.Products))
	for _, p := range payload.Products {
		out = append(out, tools.Product{
			Title:     p.Title,
			Handle:    p.Handle,
			Price:     p.Price,
			Currency:  p.Currency,
			URL:       p.URL,
			Available: p.Available,
		})
	}
	return out, nil
}

type orderPayload struct {
	Number       string    `json:"number"`
	Status       string    `json:"status"`
	Fulfillment  string    `json:"fulfillment_status"`
	TrackingCode string    `json:"tracking_code"`
	PlacedAt     time.Time `json:"placed_at"`
}

// FindOrder looks up one order; the email scopes the lookup so a
// customer cannot read someone else's order by guessing numbers.
func (s *StorefrontClient) FindOrder(ctx context.Context, number, email string) (*tools.Order, error) {
	q := url.Values{}
	q.Set("number", number)
	q.Set("email", email)

	var payload orderPayload
	err := s.getJSON(ctx, "/api/orders/lookup?"+q.Encode(), &payload)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("order lookup: %w", err)
	}
	return &tools.Order{
		Number:       payload.Number,
		Status:       payload.Status,
		Fulfillment:  payload.Fulfillment,
		TrackingCode: payload.TrackingCode,
		PlacedAt:     payload.PlacedAt,
	}, nil
}

type pagePayload struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Excerpt string `json:"excerpt"`
}

// FindPage resolves a policy or info page by topic.
func (s *StorefrontClient) FindPage(ctx context.Context, topic string) (*tools.Page, error) {
	q := url.Values{}
	q.Set("topic", topic)

	var payload pagePayload
	err := s.getJSON(ctx, "/api/pages/lookup?"+q.Encode(), &payload)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("page lookup: %w", err)
	}
	return &tools.Page{Title: payload.Title, URL: payload.URL, Excerpt: payload.Excerpt}, nil
}

func (s *StorefrontClient) getJSON(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("storefront returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

var errNotFound = errors.New("not found")

func isNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}
