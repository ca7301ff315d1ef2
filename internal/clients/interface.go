package clients

import (
	"context"
	"net/http"
)

// Doer is the outbound HTTP transport. *http.Client satisfies it; tests inject their own.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the response has a 2xx status
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Call performs a single outbound request
type Call func(ctx context.Context) (*Response, error)

// InventoryAdjustment sets the on-hand quantity of one destination inventory item at one location
type InventoryAdjustment struct {
	InventoryItemID string `json:"inventoryItemId"`
	LocationID      string `json:"locationId"`
	Quantity        int    `json:"quantity"`
}

// Destination is the storefront push collaborator
type Destination interface {
	// SetInventoryLevels applies a batch; a non-nil error means the whole batch failed
	SetInventoryLevels(ctx context.Context, batch []InventoryAdjustment) error

	// ArchiveProduct archives a destination product by id
	ArchiveProduct(ctx context.Context, productID string) error
}
