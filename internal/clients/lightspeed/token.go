package lightspeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-sync-service/internal/cache"
	"catalog-sync-service/internal/clients"
	"catalog-sync-service/internal/clock"
)

const (
	DefaultTenantTokenURLTemplate = "https://%s.retail.lightspeed.app/api/1.0/token"
	LegacyTokenURL                = "https://cloud.lightspeedapp.com/oauth/access_token.php"
	MerchantOSTokenURL            = "https://cloud.merchantos.com/oauth/access_token.php"

	DefaultAuthTimeout = 12 * time.Second
	DefaultTokenTTL    = 10 * time.Minute

	tokenExpiryMargin = 30 * time.Second
	minTokenTTL       = 30 * time.Second
	maxTokenBody      = 1 << 20
)

// TokenConfig holds the OAuth client settings for the source API
type TokenConfig struct {
	TokenURL     string
	DomainPrefix string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// TenantTokenURLTemplate receives DomainPrefix via %s
	TenantTokenURLTemplate string
	LegacyTokenURLs        []string

	Timeout    time.Duration
	DefaultTTL time.Duration
}

// DefaultLegacyTokenURLs returns the fallback endpoints tried after the configured ones
func DefaultLegacyTokenURLs() []string {
	return []string{LegacyTokenURL, MerchantOSTokenURL}
}

// RefreshTokenStore persists rotated refresh tokens
type RefreshTokenStore interface {
	LoadRefreshToken(ctx context.Context) (string, error)
	SaveRefreshToken(ctx context.Context, token string) error
}

// MemoryRefreshTokenStore keeps the refresh token in process memory
type MemoryRefreshTokenStore struct {
	mu    sync.RWMutex
	token string
}

func NewMemoryRefreshTokenStore(initial string) *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{token: initial}
}

func (s *MemoryRefreshTokenStore) LoadRefreshToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryRefreshTokenStore) SaveRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

// TokenProvider obtains and caches bearer tokens, trying each endpoint candidate in order
type TokenProvider struct {
	cfg    TokenConfig
	http   clients.Doer
	clock  clock.Clock
	cached *cache.TTLCache[string]
	store  RefreshTokenStore
	logger *logrus.Entry

	mu           sync.Mutex
	refreshToken string
	loaded       bool
}

// NewTokenProvider creates a provider. store may be nil.
func NewTokenProvider(cfg TokenConfig, httpClient clients.Doer, clk clock.Clock, store RefreshTokenStore, logger *logrus.Entry) *TokenProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAuthTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTokenTTL
	}
	if cfg.TenantTokenURLTemplate == "" {
		cfg.TenantTokenURLTemplate = DefaultTenantTokenURLTemplate
	}
	if cfg.LegacyTokenURLs == nil {
		cfg.LegacyTokenURLs = DefaultLegacyTokenURLs()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TokenProvider{
		cfg:          cfg,
		http:         httpClient,
		clock:        clk,
		cached:       cache.NewTTLCache[string](cfg.DefaultTTL, clk),
		store:        store,
		logger:       logger.WithField("component", "token_provider"),
		refreshToken: cfg.RefreshToken,
	}
}

// Token returns a valid bearer token. force skips the cache even when the token has not expired.
// A forced refresh first marks the cached token stale so concurrent callers stop using it.
func (p *TokenProvider) Token(ctx context.Context, force bool) (string, error) {
	if force {
		p.cached.Invalidate()
	} else if token, fresh := p.cached.Get(); fresh && token != "" {
		return token, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !force {
		if token, fresh := p.cached.Get(); fresh && token != "" {
			return token, nil
		}
	}

	refresh := p.currentRefreshToken(ctx)
	var failures []clients.EndpointFailure
	for _, endpoint := range p.Candidates() {
		tok, err := p.exchange(ctx, endpoint, refresh)
		if err != nil {
			p.logger.WithError(err).WithField("endpoint", endpoint).Debug("Token endpoint failed")
			failures = append(failures, clients.EndpointFailure{URL: endpoint, Reason: err.Error()})
			continue
		}

		p.cached.SetUntil(tok.accessToken, p.clock.Now().Add(p.ttlFor(tok.expiresIn)))
		if tok.refreshToken != "" && tok.refreshToken != refresh {
			p.rotate(ctx, tok.refreshToken)
		}
		p.logger.WithField("endpoint", endpoint).Info("Obtained source access token")
		return tok.accessToken, nil
	}

	return "", &clients.AuthError{Failures: failures}
}

// Candidates lists the token endpoints in the order they are tried
func (p *TokenProvider) Candidates() []string {
	var candidates []string
	seen := make(map[string]bool)
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		candidates = append(candidates, u)
	}

	add(p.cfg.TokenURL)
	if prefix := strings.TrimSpace(p.cfg.DomainPrefix); prefix != "" {
		add(fmt.Sprintf(p.cfg.TenantTokenURLTemplate, prefix))
	}
	for _, u := range p.cfg.LegacyTokenURLs {
		add(u)
	}
	return candidates
}

func (p *TokenProvider) currentRefreshToken(ctx context.Context) string {
	if p.loaded || p.store == nil {
		return p.refreshToken
	}
	p.loaded = true
	stored, err := p.store.LoadRefreshToken(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to load stored refresh token, using configured value")
		return p.refreshToken
	}
	if stored != "" {
		p.refreshToken = stored
	}
	return p.refreshToken
}

func (p *TokenProvider) rotate(ctx context.Context, token string) {
	p.refreshToken = token
	if p.store == nil {
		return
	}
	if err := p.store.SaveRefreshToken(ctx, token); err != nil {
		p.logger.WithError(err).Warn("Failed to persist rotated refresh token")
	}
}

func (p *TokenProvider) ttlFor(expiresIn int) time.Duration {
	if expiresIn <= 0 {
		return p.cfg.DefaultTTL
	}
	ttl := time.Duration(expiresIn)*time.Second - tokenExpiryMargin
	if ttl < minTokenTTL {
		return minTokenTTL
	}
	return ttl
}

type tokenResponse struct {
	accessToken  string
	refreshToken string
	expiresIn    int
}

func (p *TokenProvider) exchange(ctx context.Context, endpoint, refresh string) (*tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	form := url.Values{}
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	if refresh != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refresh)
	} else {
		form.Set("grant_type", "client_credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %s", clients.SanitizeDiagnostic([]byte(err.Error())))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := clients.SanitizeDiagnostic(body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}

	tok, err := parseTokenResponse(body)
	if err != nil {
		return nil, err
	}
	if tok.accessToken == "" {
		return nil, fmt.Errorf("response missing access_token")
	}
	return tok, nil
}

// parseTokenResponse accepts JSON or legacy form-encoded bodies
func parseTokenResponse(body []byte) (*tokenResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var payload struct {
			AccessToken  FlexString `json:"access_token"`
			RefreshToken FlexString `json:"refresh_token"`
			ExpiresIn    FlexString `json:"expires_in"`
		}
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return nil, fmt.Errorf("decode token response: %w", err)
		}
		return &tokenResponse{
			accessToken:  payload.AccessToken.String(),
			refreshToken: payload.RefreshToken.String(),
			expiresIn:    atoiLoose(payload.ExpiresIn.String()),
		}, nil
	}

	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tokenResponse{
		accessToken:  strings.TrimSpace(values.Get("access_token")),
		refreshToken: strings.TrimSpace(values.Get("refresh_token")),
		expiresIn:    atoiLoose(values.Get("expires_in")),
	}, nil
}

func atoiLoose(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}
