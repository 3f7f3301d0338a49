package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// ErrAuthUnavailable reports a failed token acquisition. Callers treat it as
// a connection failure: the request is abandoned, never sent unauthenticated.
var ErrAuthUnavailable = errors.New("auth token unavailable")

// tokenExpiryMargin is subtracted from a token's lifetime before serving it
// from cache. A token within the margin is refreshed instead of returned.
const tokenExpiryMargin = 30 * time.Second

// tokenEndpointTimeout bounds one round trip to the OAuth2 token endpoint.
const tokenEndpointTimeout = 30 * time.Second

// fallbackTokenLifetime is assumed when the token endpoint reports no expiry
// and the access token carries no exp claim. It is shorter than two margins,
// so such tokens are effectively fetched fresh every time.
const fallbackTokenLifetime = 60 * time.Second

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenCache resolves the authentication header for an MCP server. Static
// variants (bearer, basic, apiKey) are computed in place; OAuth2
// client-credentials tokens are fetched from the configured Keycloak-style
// token endpoint and cached per client until shortly before expiry.
type TokenCache struct {
	logger   *slog.Logger
	client   *http.Client
	now      func() time.Time
	onLookup func(hit bool)

	mu     sync.Mutex
	tokens map[string]cachedToken
	group  singleflight.Group
}

// NewTokenCache returns an empty cache. The HTTP client it creates is used
// only for token endpoint calls and carries its own 30 s timeout.
func NewTokenCache(logger *slog.Logger) *TokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		logger: logger.With("component", "mcp_auth"),
		client: &http.Client{Timeout: tokenEndpointTimeout},
		now:    time.Now,
		tokens: make(map[string]cachedToken),
	}
}

// OnLookup registers an observer for cache lookups on the oauth2 variant.
// Call before the cache is shared across goroutines.
func (c *TokenCache) OnLookup(fn func(hit bool)) {
	c.onLookup = fn
}

func (c *TokenCache) observeLookup(hit bool) {
	if c.onLookup != nil {
		c.onLookup(hit)
	}
}

// HeaderFor resolves the header to attach for the given auth variant.
// ok=false with a nil error means the request goes out without credentials
// (the none variant). Errors wrap ErrAuthUnavailable.
func (c *TokenCache) HeaderFor(ctx context.Context, auth AuthConfig, serverName string) (name, value string, ok bool, err error) {
	switch auth.Type {
	case "", AuthNone:
		return "", "", false, nil
	case AuthBearer:
		return "Authorization", "Bearer " + auth.Token, true, nil
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		return "Authorization", "Basic " + creds, true, nil
	case AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		return header, auth.Value, true, nil
	case AuthOAuth2ClientCredentials:
		token, err := c.clientCredentialsToken(ctx, auth, serverName)
		if err != nil {
			return "", "", false, err
		}
		return "Authorization", "Bearer " + token, true, nil
	default:
		return "", "", false, fmt.Errorf("unknown auth type %q: %w", auth.Type, ErrAuthUnavailable)
	}
}

func (c *TokenCache) clientCredentialsToken(ctx context.Context, auth AuthConfig, serverName string) (string, error) {
	key := auth.ClientID + "@" + auth.Realm + "@" + auth.AuthServerURL

	c.mu.Lock()
	cached, found := c.tokens[key]
	c.mu.Unlock()
	if found && cached.expiresAt.Sub(c.now()) > tokenExpiryMargin {
		c.observeLookup(true)
		return cached.value, nil
	}
	c.observeLookup(false)

	// Concurrent refreshers for the same key coalesce into one endpoint call.
	result, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		cached, found := c.tokens[key]
		c.mu.Unlock()
		if found && cached.expiresAt.Sub(c.now()) > tokenExpiryMargin {
			return cached.value, nil
		}

		token, expiresAt, err := c.fetchToken(ctx, auth)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.tokens[key] = cachedToken{value: token, expiresAt: expiresAt}
		c.mu.Unlock()

		c.logger.Debug("refreshed oauth2 token",
			"mcp_server", serverName,
			"client_id", auth.ClientID,
			"expires_at", expiresAt)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *TokenCache) fetchToken(ctx context.Context, auth AuthConfig) (string, time.Time, error) {
	cfg := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     tokenEndpoint(auth.AuthServerURL, auth.Realm),
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx, cancel := context.WithTimeout(ctx, tokenEndpointTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)

	token, err := cfg.Token(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token endpoint: %v: %w", err, ErrAuthUnavailable)
	}
	return token.AccessToken, c.expiryOf(token), nil
}

// expiryOf determines when a token stops being usable. The endpoint's
// expires_in wins; without it the access token's exp claim is consulted
// (unverified, we only need the timestamp); failing both, a short fallback
// lifetime applies.
func (c *TokenCache) expiryOf(token *oauth2.Token) time.Time {
	if !token.Expiry.IsZero() {
		return token.Expiry
	}
	if exp, ok := jwtExpiry(token.AccessToken); ok {
		return exp
	}
	return c.now().Add(fallbackTokenLifetime)
}

func jwtExpiry(accessToken string) (time.Time, bool) {
	if strings.Count(accessToken, ".") != 2 {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func tokenEndpoint(authServerURL, realm string) string {
	return strings.TrimSuffix(authServerURL, "/") + "/realms/" + realm + "/protocol/openid-connect/token"
}
