package tools

import (
	"fmt"
	"strings"
)

// StorefrontLinks builds canonical links from the tenant's store URL.
type StorefrontLinks struct {
	BaseURL string
}

func (l StorefrontLinks) StoreLink(kind, handle string) (string, error) {
	base := strings.TrimRight(l.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("store base URL not configured")
	}
	switch kind {
	case "home":
		return base, nil
	case "product":
		return base + "/products/" + handle, nil
	case "collection":
		return base + "/collections/" + handle, nil
	case "cart":
		return base + "/cart", nil
	}
	return "", fmt.Errorf("unknown link kind %q", kind)
}
