package lightspeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/clients"
	"catalog-sync-service/internal/clock"
)

type tokenServer struct {
	*httptest.Server

	mu    sync.Mutex
	hits  []string
	forms []map[string]string
}

// newTokenServer routes by path. Handlers for unknown paths return 404.
func newTokenServer(t *testing.T, routes map[string]http.HandlerFunc) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		ts.mu.Lock()
		ts.hits = append(ts.hits, r.URL.Path)
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		ts.forms = append(ts.forms, form)
		ts.mu.Unlock()

		if h, ok := routes[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func jsonToken(token string, expiresIn int, refresh string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := fmt.Sprintf(`{"access_token":%q,"expires_in":%d`, token, expiresIn)
		if refresh != "" {
			body += fmt.Sprintf(`,"refresh_token":%q`, refresh)
		}
		fmt.Fprint(w, body+"}")
	}
}

func newProvider(ts *tokenServer, clk clock.Clock, cfg TokenConfig, store RefreshTokenStore) *TokenProvider {
	if cfg.ClientID == "" {
		cfg.ClientID = "client"
		cfg.ClientSecret = "secret"
	}
	if cfg.LegacyTokenURLs == nil {
		cfg.LegacyTokenURLs = []string{}
	}
	return NewTokenProvider(cfg, ts.Client(), clk, store, quietLogger())
}

func TestTokenProvider_CachesUntilForced(t *testing.T) {
	ts := newTokenServer(t, map[string]http.HandlerFunc{"/token": jsonToken("abc", 3600, "")})
	p := newProvider(ts, clock.NewFake(epoch), TokenConfig{TokenURL: ts.URL + "/token"}, nil)
	ctx := context.Background()

	tok, err := p.Token(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = p.Token(ctx, false)
	require.NoError(t, err)
	assert.Len(t, ts.hits, 1)

	_, err = p.Token(ctx, true)
	require.NoError(t, err)
	assert.Len(t, ts.hits, 2, "force bypasses a token that has not expired")
}

func TestTokenProvider_ExpiryMargin(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn int
		ttl       time.Duration
	}{
		{"long lived", 3600, 3570 * time.Second},
		{"short lived clamps to floor", 40, 30 * time.Second},
		{"missing expiry uses default", 0, DefaultTokenTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, map[string]http.HandlerFunc{"/token": jsonToken("abc", tt.expiresIn, "")})
			clk := clock.NewFake(epoch)
			p := newProvider(ts, clk, TokenConfig{TokenURL: ts.URL + "/token"}, nil)
			ctx := context.Background()

			_, err := p.Token(ctx, false)
			require.NoError(t, err)

			clk.Advance(tt.ttl - time.Second)
			_, err = p.Token(ctx, false)
			require.NoError(t, err)
			assert.Len(t, ts.hits, 1)

			clk.Advance(time.Second)
			_, err = p.Token(ctx, false)
			require.NoError(t, err)
			assert.Len(t, ts.hits, 2)
		})
	}
}

func TestTokenProvider_FallsThroughCandidates(t *testing.T) {
	ts := newTokenServer(t, map[string]http.HandlerFunc{
		"/primary": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "<html><head><title>Server Error</title></head></html>")
		},
		"/acme/token": jsonToken("tenant-token", 3600, ""),
	})
	p := newProvider(ts, clock.NewFake(epoch), TokenConfig{
		TokenURL:               ts.URL + "/primary",
		DomainPrefix:           "acme",
		TenantTokenURLTemplate: ts.URL + "/%s/token",
	}, nil)

	tok, err := p.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tenant-token", tok)
	assert.Equal(t, []string{"/primary", "/acme/token"}, ts.hits)
}

func TestTokenProvider_AllCandidatesFail(t *testing.T) {
	ts := newTokenServer(t, map[string]http.HandlerFunc{
		"/primary": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid_client"}`)
		},
		"/legacy": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"token_type":"bearer"}`)
		},
	})
	p := newProvider(ts, clock.NewFake(epoch), TokenConfig{
		TokenURL:        ts.URL + "/primary",
		LegacyTokenURLs: []string{ts.URL + "/legacy", ts.URL + "/primary"},
	}, nil)

	_, err := p.Token(context.Background(), false)
	require.Error(t, err)

	var authErr *clients.AuthError
	require.True(t, errors.As(err, &authErr))
	require.Len(t, authErr.Failures, 2, "duplicate candidates are tried once")
	assert.Equal(t,
		fmt.Sprintf(`source authentication failed: %s/primary: status 401: {"error":"invalid_client"}; %s/legacy: response missing access_token`, ts.URL, ts.URL),
		err.Error())
}

func TestTokenProvider_GrantTypes(t *testing.T) {
	ts := newTokenServer(t, map[string]http.HandlerFunc{"/token": jsonToken("abc", 3600, "")})

	p := newProvider(ts, clock.NewFake(epoch), TokenConfig{TokenURL: ts.URL + "/token"}, nil)
	_, err := p.Token(context.Background(), false)
	require.NoError(t, err)

	p = newProvider(ts, clock.NewFake(epoch), TokenConfig{TokenURL: ts.URL + "/token", RefreshToken: "r1"}, nil)
	_, err = p.Token(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, ts.forms, 2)
	assert.Equal(t, "client_credentials", ts.forms[0]["grant_type"])
	assert.Equal(t, "client", ts.forms[0]["client_id"])
	assert.Equal(t, "refresh_token", ts.forms[1]["grant_type"])
	assert.Equal(t, "r1", ts.forms[1]["refresh_token"])
}

func TestTokenProvider_FormEncodedResponse(t *testing.T) {
	ts := newTokenServer(t, map[string]http.HandlerFunc{
		"/token": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
			fmt.Fprint(w, "access_token=legacy-token&expires_in=1800&token_type=bearer")
		},
	})
	clk := clock.NewFake(epoch)
	p := newProvider(ts, clk, TokenConfig{TokenURL: ts.URL + "/token"}, nil)

	tok, err := p.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "legacy-token", tok)

	clk.Advance(1769 * time.Second)
	_, err = p.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, ts.hits, 1)
}

func TestTokenProvider_PersistsRotatedRefreshToken(t *testing.T) {
	ts := newTokenServer(t, map[string]http.HandlerFunc{"/token": jsonToken("abc", 3600, "r2")})
	store := NewMemoryRefreshTokenStore("r1")
	p := newProvider(ts, clock.NewFake(epoch), TokenConfig{TokenURL: ts.URL + "/token", RefreshToken: "configured"}, store)
	ctx := context.Background()

	_, err := p.Token(ctx, false)
	require.NoError(t, err)
	stored, _ := store.LoadRefreshToken(ctx)
	assert.Equal(t, "r2", stored)

	_, err = p.Token(ctx, true)
	require.NoError(t, err)

	require.Len(t, ts.forms, 2)
	assert.Equal(t, "r1", ts.forms[0]["refresh_token"], "stored token wins over configured one")
	assert.Equal(t, "r2", ts.forms[1]["refresh_token"])
}

func TestTokenProvider_Candidates(t *testing.T) {
	p := NewTokenProvider(TokenConfig{
		TokenURL:     "https://cloud.lightspeedapp.com/oauth/access_token.php",
		DomainPrefix: "acme",
	}, nil, nil, nil, quietLogger())

	assert.Equal(t, []string{
		LegacyTokenURL,
		"https://acme.retail.lightspeed.app/api/1.0/token",
		MerchantOSTokenURL,
	}, p.Candidates())
}

func TestTokenProvider_FailedForcedRefreshDropsRejectedToken(t *testing.T) {
	var mu sync.Mutex
	fail := false
	ts := newTokenServer(t, map[string]http.HandlerFunc{"/token": func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsonToken("abc", 3600, "")(w, r)
	}})
	p := newProvider(ts, clock.NewFake(epoch), TokenConfig{TokenURL: ts.URL + "/token"}, nil)
	ctx := context.Background()

	tok, err := p.Token(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	mu.Lock()
	fail = true
	mu.Unlock()

	_, err = p.Token(ctx, true)
	var authErr *clients.AuthError
	require.ErrorAs(t, err, &authErr)

	_, err = p.Token(ctx, false)
	require.Error(t, err, "the rejected token must not be served from cache")
	assert.Len(t, ts.hits, 3)
}
