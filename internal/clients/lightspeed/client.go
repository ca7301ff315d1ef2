package lightspeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-sync-service/internal/clients"
)

const (
	DefaultBaseURL     = "https://api.lightspeedapp.com"
	DefaultListTimeout = 20 * time.Second

	ResourceItem     = "Item"
	ResourceShop     = "Shop"
	ResourceCategory = "Category"

	maxPageBody = 64 << 20
)

// Config identifies the source account
type Config struct {
	BaseURL     string
	AccountID   string
	ListTimeout time.Duration
}

// Client reads the source catalog through the scheduler
type Client struct {
	cfg        Config
	httpClient clients.Doer
	tokens     *TokenProvider
	scheduler  *Scheduler
	fetcher    *Fetcher
	logger     *logrus.Entry
}

// NewClient creates a new source API client
func NewClient(cfg Config, httpClient clients.Doer, tokens *TokenProvider, scheduler *Scheduler, fetcherCfg FetcherConfig, logger *logrus.Entry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = DefaultListTimeout
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		scheduler:  scheduler,
		logger:     logger.WithField("component", "source_client"),
	}
	c.fetcher = NewFetcher(fetcherCfg, c.getPage, logger)
	return c
}

// EnsureToken makes sure a bearer token is available; force discards the cached one
func (c *Client) EnsureToken(ctx context.Context, force bool) error {
	if c.cfg.AccountID == "" {
		return &clients.AuthError{Failures: []clients.EndpointFailure{{URL: c.cfg.BaseURL, Reason: "account id not configured"}}}
	}
	_, err := c.tokens.Token(ctx, force)
	return err
}

// ListItems fetches every item with its prices, stock and matrix attributes
func (c *Client) ListItems(ctx context.Context) ([]Item, error) {
	q := url.Values{}
	q.Set("load_relations", `["ItemShops","Prices","ItemAttributes","ItemAttributes.ItemAttributeSet"]`)
	q.Set("archived", "false")
	raw, err := c.fetcher.FetchAll(ctx, ResourceItem, q)
	if err != nil {
		return nil, err
	}
	items, skipped := ParseItems(raw)
	c.logSkipped(ResourceItem, skipped)
	return items, nil
}

// ListShops fetches every store location
func (c *Client) ListShops(ctx context.Context) ([]Shop, error) {
	raw, err := c.fetcher.FetchAll(ctx, ResourceShop, url.Values{})
	if err != nil {
		return nil, err
	}
	shops, skipped := ParseShops(raw)
	c.logSkipped(ResourceShop, skipped)
	return shops, nil
}

// ListCategories fetches every category
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	raw, err := c.fetcher.FetchAll(ctx, ResourceCategory, url.Values{})
	if err != nil {
		return nil, err
	}
	categories, skipped := ParseCategories(raw)
	c.logSkipped(ResourceCategory, skipped)
	return categories, nil
}

func (c *Client) logSkipped(resource string, skipped int) {
	if skipped > 0 {
		c.logger.WithFields(logrus.Fields{"resource": resource, "skipped": skipped}).Warn("Skipped undecodable records")
	}
}

// getPage fetches one page. A 401 forces one token refresh before giving up.
func (c *Client) getPage(ctx context.Context, resource string, query url.Values) (*Page, error) {
	token, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}

	operation := "list " + resource
	resp, err := c.scheduler.Schedule(ctx, operation, c.pageCall(resource, query, token))
	var reqErr *clients.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusUnauthorized {
		c.logger.WithField("resource", resource).Info("Source rejected token, refreshing")
		if token, err = c.tokens.Token(ctx, true); err != nil {
			return nil, err
		}
		resp, err = c.scheduler.Schedule(ctx, operation, c.pageCall(resource, query, token))
	}
	if err != nil {
		return nil, err
	}
	return ParsePage(resource, resp.Body)
}

func (c *Client) pageCall(resource string, query url.Values, token string) clients.Call {
	return func(ctx context.Context) (*clients.Response, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
		defer cancel()

		endpoint := fmt.Sprintf("%s/API/V3/Account/%s/%s.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountID), resource)
		if encoded := query.Encode(); encoded != "" {
			endpoint += "?" + encoded
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
		if err != nil {
			return nil, fmt.Errorf("read %s page: %w", resource, err)
		}
		return &clients.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}
}
