package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Commerce backends are injected; the tools only shape arguments and
// render results for the model.

type Product struct {
	Title     string
	Handle    string
	Price     string
	Currency  string
	URL       string
	Available bool
}

type Order struct {
	Number       string
	Status       string
	Fulfillment  string
	TrackingCode string
	PlacedAt     time.Time
}

type TrackingEvent struct {
	At          time.Time
	Description string
	Location    string
}

type TrackingStatus struct {
	Code    string
	Carrier string
	Events  []TrackingEvent
}

type Page struct {
	Title   string
	URL     string
	Excerpt string
}

type CatalogProvider interface {
	FindProducts(ctx context.Context, query string, limit int) ([]Product, error)
}

type OrderProvider interface {
	FindOrder(ctx context.Context, number, email string) (*Order, error)
}

type TrackingProvider interface {
	Track(ctx context.Context, code string) (*TrackingStatus, error)
}

type PageProvider interface {
	FindPage(ctx context.Context, topic string) (*Page, error)
}

type LinkBuilder interface {
	StoreLink(kind, handle string) (string, error)
}

// NewCommerceRegistry wires the five storefront tools over the given
// backends. Nil backends are skipped so tenants can enable a subset.
func NewCommerceRegistry(catalog CatalogProvider, orders OrderProvider, tracking TrackingProvider, pages PageProvider, links LinkBuilder) *Registry {
	r := NewRegistry()
	if catalog != nil {
		r.Register(&ProductLookupTool{catalog: catalog})
	}
	if orders != nil {
		r.Register(&OrderLookupTool{orders: orders})
	}
	if tracking != nil {
		r.Register(&ShipmentTrackingTool{tracking: tracking})
	}
	if pages != nil {
		r.Register(&PageLookupTool{pages: pages})
	}
	if links != nil {
		r.Register(&StoreLinkTool{links: links})
	}
	return r
}

// --- product_lookup ---

type ProductLookupTool struct {
	catalog CatalogProvider
}

type productLookupArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *ProductLookupTool) Name() string { return "product_lookup" }

func (t *ProductLookupTool) Description() string {
	return "Search the store catalog for products by name, keyword, or description. Returns title, price, availability, and link."
}

func (t *ProductLookupTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search terms, e.g. a product name or category",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of products to return (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *ProductLookupTool) Execute(ctx context.Context, raw map[string]interface{}) *Result {
	args, err := decodeArgs[productLookupArgs](raw)
	if err != nil {
		return ErrorResult(fmt.Sprintf("product_lookup: invalid arguments: %v", err))
	}
	if strings.TrimSpace(args.Query) == "" {
		return ErrorResult("product_lookup: query is required")
	}
	if args.Limit <= 0 || args.Limit > 10 {
		args.Limit = 5
	}

	products, err := t.catalog.FindProducts(ctx, args.Query, args.Limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("product_lookup failed: %v", err)).WithError(err)
	}
	if len(products) == 0 {
		return NewResult(fmt.Sprintf("No products matched %q. Suggest the customer try different keywords or ask what they are looking for.", args.Query))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d product(s):\n", len(products))
	for _, p := range products {
		availability := "in stock"
		if !p.Available {
			availability = "out of stock"
		}
		fmt.Fprintf(&b, "- %s | %s %s | %s | %s\n", p.Title, p.Price, p.Currency, availability, p.URL)
	}
	return NewResult(b.String())
}

// --- order_lookup ---

type OrderLookupTool struct {
	orders OrderProvider
}

type orderLookupArgs struct {
	OrderNumber string `json:"order_number"`
	Email       string `json:"email"`
}

func (t *OrderLookupTool) Name() string { return "order_lookup" }

func (t *OrderLookupTool) Description() string {
	return "Look up a customer's order by order number, optionally verified against their email. Returns status, fulfillment, and tracking code when present."
}

func (t *OrderLookupTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"order_number": map[string]interface{}{
				"type":        "string",
				"description": "The order number as given by the customer, with or without the # prefix",
			},
			"email": map[string]interface{}{
				"type":        "string",
				"description": "Customer email for verification, if provided",
			},
		},
		"required": []string{"order_number"},
	}
}

func (t *OrderLookupTool) Execute(ctx context.Context, raw map[string]interface{}) *Result {
	args, err := decodeArgs[orderLookupArgs](raw)
	if err != nil {
		return ErrorResult(fmt.Sprintf("order_lookup: invalid arguments: %v", err))
	}
	number := strings.TrimPrefix(strings.TrimSpace(args.OrderNumber), "#")
	if number == "" {
		return ErrorResult("order_lookup: order_number is required")
	}

	order, err := t.orders.FindOrder(ctx, number, strings.TrimSpace(args.Email))
	if err != nil {
		return ErrorResult(fmt.Sprintf("order_lookup failed: %v", err)).WithError(err)
	}
	if order == nil {
		return NewResult(fmt.Sprintf("No order found with number %s. Ask the customer to double-check the number or the email used at checkout.", number))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Order #%s: status %s, fulfillment %s.", order.Number, order.Status, order.Fulfillment)
	if order.TrackingCode != "" {
		fmt.Fprintf(&b, " Tracking code: %s.", order.TrackingCode)
	}
	if !order.PlacedAt.IsZero() {
		fmt.Fprintf(&b, " Placed on %s.", order.PlacedAt.Format("2006-01-02"))
	}
	return NewResult(b.String())
}

// --- shipment_tracking ---

type ShipmentTrackingTool struct {
	tracking TrackingProvider
}

type shipmentTrackingArgs struct {
	TrackingCode string `json:"tracking_code"`
}

func (t *ShipmentTrackingTool) Name() string { return "shipment_tracking" }

func (t *ShipmentTrackingTool) Description() string {
	return "Fetch the latest carrier events for a shipment tracking code."
}

func (t *ShipmentTrackingTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tracking_code": map[string]interface{}{
				"type":        "string",
				"description": "The carrier tracking code",
			},
		},
		"required": []string{"tracking_code"},
	}
}

func (t *ShipmentTrackingTool) Execute(ctx context.Context, raw map[string]interface{}) *Result {
	args, err := decodeArgs[shipmentTrackingArgs](raw)
	if err != nil {
		return ErrorResult(fmt.Sprintf("shipment_tracking: invalid arguments: %v", err))
	}
	code := strings.TrimSpace(args.TrackingCode)
	if code == "" {
		return ErrorResult("shipment_tracking: tracking_code is required")
	}

	status, err := t.tracking.Track(ctx, code)
	if err != nil {
		return ErrorResult(fmt.Sprintf("shipment_tracking failed: %v", err)).WithError(err)
	}
	if status == nil {
		return NewResult(fmt.Sprintf("Tracking code %s was not recognized by the carrier. Ask the customer to confirm the code.", code))
	}
	if len(status.Events) == 0 {
		return NewResult(fmt.Sprintf("The carrier has no movement registered for %s yet. This is normal right after posting; suggest checking again later.", code))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tracking %s via %s:\n", status.Code, status.Carrier)
	for _, ev := range status.Events {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", ev.At.Format("2006-01-02 15:04"), ev.Description, ev.Location)
	}
	return NewResult(b.String())
}

// --- page_lookup ---

type PageLookupTool struct {
	pages PageProvider
}

type pageLookupArgs struct {
	Topic string `json:"topic"`
}

func (t *PageLookupTool) Name() string { return "page_lookup" }

func (t *PageLookupTool) Description() string {
	return "Find a store content page (shipping policy, returns, about, FAQ) by topic and return its link and summary."
}

func (t *PageLookupTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"topic": map[string]interface{}{
				"type":        "string",
				"description": "What the customer is asking about, e.g. \"returns\" or \"shipping\"",
			},
		},
		"required": []string{"topic"},
	}
}

func (t *PageLookupTool) Execute(ctx context.Context, raw map[string]interface{}) *Result {
	args, err := decodeArgs[pageLookupArgs](raw)
	if err != nil {
		return ErrorResult(fmt.Sprintf("page_lookup: invalid arguments: %v", err))
	}
	if strings.TrimSpace(args.Topic) == "" {
		return ErrorResult("page_lookup: topic is required")
	}

	page, err := t.pages.FindPage(ctx, args.Topic)
	if err != nil {
		return ErrorResult(fmt.Sprintf("page_lookup failed: %v", err)).WithError(err)
	}
	if page == nil {
		return NewResult(fmt.Sprintf("The store has no page covering %q. Answer from the knowledge base if possible.", args.Topic))
	}
	return NewResult(fmt.Sprintf("%s — %s\n%s", page.Title, page.URL, page.Excerpt))
}

// --- store_link ---

type StoreLinkTool struct {
	links LinkBuilder
}

type storeLinkArgs struct {
	Kind   string `json:"kind"`
	Handle string `json:"handle"`
}

var storeLinkKinds = map[string]bool{
	"home":       true,
	"product":    true,
	"collection": true,
	"cart":       true,
}

func (t *StoreLinkTool) Name() string { return "store_link" }

func (t *StoreLinkTool) Description() string {
	return "Build a canonical store link. kind is one of home, product, collection, cart; product and collection require a handle."
}

func (t *StoreLinkTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{
				"type": "string",
				"enum": []string{"home", "product", "collection", "cart"},
			},
			"handle": map[string]interface{}{
				"type":        "string",
				"description": "Product or collection handle, required for those kinds",
			},
		},
		"required": []string{"kind"},
	}
}

func (t *StoreLinkTool) Execute(_ context.Context, raw map[string]interface{}) *Result {
	args, err := decodeArgs[storeLinkArgs](raw)
	if err != nil {
		return ErrorResult(fmt.Sprintf("store_link: invalid arguments: %v", err))
	}
	kind := strings.ToLower(strings.TrimSpace(args.Kind))
	if !storeLinkKinds[kind] {
		return ErrorResult(fmt.Sprintf("store_link: kind must be one of home, product, collection, cart; got %q", args.Kind))
	}
	if (kind == "product" || kind == "collection") && strings.TrimSpace(args.Handle) == "" {
		return ErrorResult(fmt.Sprintf("store_link: handle is required for kind %q", kind))
	}

	link, err := t.links.StoreLink(kind, strings.TrimSpace(args.Handle))
	if err != nil {
		return ErrorResult(fmt.Sprintf("store_link failed: %v", err)).WithError(err)
	}
	return NewResult(link)
}
