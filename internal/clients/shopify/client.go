package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"catalog-sync-service/internal/clients"
	"catalog-sync-service/internal/clock"
)

const (
	DefaultAPIVersion        = "2024-01"
	DefaultRequestsPerSecond = 2
	DefaultTimeout           = 30 * time.Second
)

// Config holds destination store settings
type Config struct {
	Store       string // store handle ("acme") or full domain ("acme.myshopify.com")
	AccessToken string
	APIVersion  string
	// BaseURL overrides the store URL, e.g. for a proxy
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             *clients.RetryConfig
}

// Client is the Shopify Admin API push collaborator
type Client struct {
	httpClient  clients.Doer
	baseURL     string
	accessToken string
	apiVersion  string
	rateLimiter *rate.Limiter
	retry       *clients.RetryConfig
	timeout     time.Duration
	clock       clock.Clock
	logger      *logrus.Entry
}

// NewClient creates a Shopify client. httpClient may be nil.
func NewClient(cfg Config, httpClient clients.Doer, clk clock.Clock, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("missing access token")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		store := strings.TrimSpace(cfg.Store)
		if store == "" {
			return nil, fmt.Errorf("missing store name")
		}
		if !strings.Contains(store, ".") {
			store += ".myshopify.com"
		}
		baseURL = "https://" + store
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = clients.DefaultRetryConfig()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: cfg.AccessToken,
		apiVersion:  cfg.APIVersion,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		retry:       cfg.Retry,
		timeout:     cfg.Timeout,
		clock:       clk,
		logger:      logger.WithField("component", "shopify"),
	}, nil
}

type inventoryLevelSet struct {
	LocationID      int64 `json:"location_id"`
	InventoryItemID int64 `json:"inventory_item_id"`
	Available       int   `json:"available"`
}

type productStatusUpdate struct {
	Product struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"product"`
}

// SetInventoryLevels sets absolute available quantities. The first failing level fails the batch;
// levels already applied stay applied.
func (c *Client) SetInventoryLevels(ctx context.Context, batch []clients.InventoryAdjustment) error {
	for _, adj := range batch {
		itemID, err := parseID(adj.InventoryItemID)
		if err != nil {
			return fmt.Errorf("inventory item %q: %w", adj.InventoryItemID, err)
		}
		locationID, err := parseID(adj.LocationID)
		if err != nil {
			return fmt.Errorf("location %q: %w", adj.LocationID, err)
		}
		body := inventoryLevelSet{LocationID: locationID, InventoryItemID: itemID, Available: adj.Quantity}
		if _, err := c.do(ctx, "set inventory level", http.MethodPost, "/inventory_levels/set.json", body); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveProduct sets a product's status to archived
func (c *Client) ArchiveProduct(ctx context.Context, productID string) error {
	id, err := parseID(productID)
	if err != nil {
		return fmt.Errorf("product %q: %w", productID, err)
	}
	var body productStatusUpdate
	body.Product.ID = id
	body.Product.Status = "archived"
	_, err = c.do(ctx, "archive product", http.MethodPut, fmt.Sprintf("/products/%d.json", id), body)
	return err
}

// do sends one Admin API request, retrying rate-limited responses
func (c *Client) do(ctx context.Context, operation, method, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", operation, err)
	}
	fullURL := fmt.Sprintf("%s/admin/api/%s%s", c.baseURL, c.apiVersion, path)

	for attempt := 1; ; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, method, fullURL, payload)
		kind := clients.Classify(resp, err)
		switch {
		case kind == clients.KindNone:
			return resp.Body, nil
		case err != nil:
			return nil, &clients.RequestError{Operation: operation, Message: err.Error()}
		case kind == clients.KindRateLimited && attempt < c.retry.MaxAttempts:
			delay := c.retry.Backoff(attempt, clients.ParseRetryHint(resp, c.clock.Now()))
			c.logger.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"delay":     delay.String(),
			}).Warn("Destination rate limited, backing off")
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		default:
			return nil, &clients.RequestError{
				Operation:   operation,
				StatusCode:  resp.StatusCode,
				Message:     clients.SanitizeDiagnostic(resp.Body),
				RateLimited: kind == clients.KindRateLimited,
				Attempts:    attempt,
			}
		}
	}
}

func (c *Client) send(ctx context.Context, method, fullURL string, payload []byte) (*clients.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &clients.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// parseID accepts a numeric id or a GraphQL gid such as gid://shopify/Location/123
func parseID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		raw = raw[i+1:]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("not a numeric id")
	}
	return id, nil
}
