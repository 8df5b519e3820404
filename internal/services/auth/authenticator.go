// Package auth owns the access token used by every API call: it fetches it
// from the identity endpoint, caches it with a safety margin, and makes sure
// at most one refresh is on the wire at a time.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL = "https://open-api.123pan.com"

	// ExpiryMargin is subtracted from the server-declared lifetime.
	ExpiryMargin    = 60 * time.Second
	DefaultLifetime = 3600 * time.Second
	// overrideLifetime applies to debug tokens without a readable exp claim.
	overrideLifetime = 24 * time.Hour

	tokenPath  = "/api/v1/access_token"
	refreshKey = "access_token"
	userAgent  = "pan123-go"
)

// TokenInfo is the cached token. ExpiresAt already has ExpiryMargin applied.
type TokenInfo struct {
	AccessToken string
	ExpiresAt   time.Time
	TokenType   string
}

// ValidAt reports whether the token may still be presented at t.
func (t TokenInfo) ValidAt(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Config holds what the Authenticator needs to obtain tokens.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration

	// DebugToken is honored only when Debug is set. It is never refreshed.
	Debug      bool
	DebugToken string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHTTPClient sets the client used for identity calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) {
		a.httpClient = c
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// Authenticator is shared by all requests of one client.
type Authenticator struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
	log        *logrus.Entry

	mu    sync.Mutex
	token *TokenInfo
	// gen is bumped by Clear so a refresh started earlier cannot store its token.
	gen uint64

	override *TokenInfo
	group    singleflight.Group
}

// New creates an Authenticator. No network call is made until a token is
// requested.
func New(cfg Config, logger *logrus.Logger, opts ...Option) *Authenticator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	a := &Authenticator{
		cfg: cfg,
		now: time.Now,
		log: logger.WithField("component", "auth"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.Debug && cfg.DebugToken != "" {
		a.override = a.parseOverride(cfg.DebugToken)
		a.log.WithField("expires_at", a.override.ExpiresAt.Format(time.RFC3339)).
			Info("Using debug token instead of API authentication")
	}

	return a
}

// parseOverride reads the exp claim without verifying the signature; the
// token is opaque to us and only the server can validate it.
func (a *Authenticator) parseOverride(raw string) *TokenInfo {
	info := &TokenInfo{
		AccessToken: raw,
		ExpiresAt:   a.now().Add(overrideLifetime),
		TokenType:   "Bearer",
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		a.log.WithError(err).Warn("Failed to parse debug token expiration, using default 24h")
		return info
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return info
	}
	info.ExpiresAt = exp.Time
	return info
}

// UsingOverride reports whether a debug token replaces the identity endpoint.
func (a *Authenticator) UsingOverride() bool {
	return a.override != nil
}

// HasCredentials reports whether a client ID and secret are configured.
func (a *Authenticator) HasCredentials() bool {
	return a.cfg.ClientID != "" && a.cfg.ClientSecret != ""
}

// AccessToken returns a valid token, refreshing it when needed. Concurrent
// callers share one refresh. A caller whose ctx ends stops waiting, but the
// refresh itself keeps going for the others.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	if a.override != nil {
		if a.override.ValidAt(a.now()) {
			return a.override.AccessToken, nil
		}
		a.log.Warn("Debug token has expired, please update debug_token in config")
		return "", &Error{Err: ErrOverrideExpired}
	}

	a.mu.Lock()
	if a.token != nil && a.token.ValidAt(a.now()) {
		tok := a.token.AccessToken
		a.mu.Unlock()
		return tok, nil
	}
	gen := a.gen
	a.mu.Unlock()

	return a.await(ctx, gen)
}

// ForceRefresh drops the cached token and fetches a new one. If a refresh is
// already in flight its result is shared rather than starting another.
func (a *Authenticator) ForceRefresh(ctx context.Context) (string, error) {
	if a.override != nil {
		return "", &Error{Err: ErrOverrideNotRefreshable}
	}

	a.mu.Lock()
	a.token = nil
	gen := a.gen
	a.mu.Unlock()

	return a.await(ctx, gen)
}

func (a *Authenticator) await(ctx context.Context, gen uint64) (string, error) {
	ch := a.group.DoChan(refreshKey, func() (interface{}, error) {
		return a.refresh(context.WithoutCancel(ctx), gen)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			a.log.Debug("Joined in-flight token refresh")
		}
		return res.Val.(*TokenInfo).AccessToken, nil
	}
}

// Clear drops the cached token and detaches any in-flight refresh so its
// result is not stored. A debug token is kept.
func (a *Authenticator) Clear() {
	a.mu.Lock()
	a.token = nil
	a.gen++
	a.mu.Unlock()
	a.group.Forget(refreshKey)
	a.log.Info("Cleared stored access token")
}

// TokenInfo returns a copy of the current token, if any.
func (a *Authenticator) TokenInfo() (TokenInfo, bool) {
	if a.override != nil {
		return *a.override, true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil {
		return TokenInfo{}, false
	}
	return *a.token, true
}

type tokenRequest struct {
	ClientID     string `json:"clientID"`
	ClientSecret string `json:"clientSecret"`
}

type tokenEnvelope struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"x-traceID"`
	Data    *struct {
		AccessToken string  `json:"accessToken"`
		ExpiresIn   float64 `json:"expiresIn"`
		TokenType   string  `json:"tokenType"`
	} `json:"data"`
}

func (a *Authenticator) refresh(ctx context.Context, gen uint64) (*TokenInfo, error) {
	a.log.Info("Refreshing access token")

	info, err := a.requestToken(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.log.WithError(err).Error("Failed to refresh access token")
		if a.gen == gen {
			a.token = nil
		}
		return nil, err
	}

	if a.gen == gen {
		a.token = info
	} else {
		a.log.Debug("Token cleared during refresh, not storing result")
	}
	a.log.WithField("expires_at", info.ExpiresAt.Format(time.RFC3339)).Info("Access token refreshed")
	return info, nil
}

func (a *Authenticator) requestToken(ctx context.Context) (*TokenInfo, error) {
	if !a.HasCredentials() {
		return nil, &Error{Err: ErrMissingCredentials}
	}

	payload, err := json.Marshal(tokenRequest{ClientID: a.cfg.ClientID, ClientSecret: a.cfg.ClientSecret})
	if err != nil {
		return nil, &Error{Message: "encode token request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Message: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Platform", "open_platform")
	req.Header.Set("User-Agent", userAgent)

	// Measure expiry from when the request was sent.
	issued := a.now()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Message: "token request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Message: "read token response", Err: err}
	}

	var env tokenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &Error{Code: resp.StatusCode, Message: resp.Status}
		}
		return nil, &Error{Message: "decode token response", Err: err}
	}
	if env.Code == nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &Error{Code: resp.StatusCode, Message: resp.Status}
		}
		return nil, &Error{Message: "invalid token response: missing code field"}
	}
	if *env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = "unknown API error"
		}
		return nil, &Error{Code: *env.Code, Message: msg, TraceID: env.TraceID}
	}
	if env.Data == nil || env.Data.AccessToken == "" {
		return nil, &Error{Message: "invalid token response: missing accessToken"}
	}

	lifetime := DefaultLifetime
	if env.Data.ExpiresIn > 0 {
		lifetime = time.Duration(env.Data.ExpiresIn * float64(time.Second))
	}
	tokenType := env.Data.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &TokenInfo{
		AccessToken: env.Data.AccessToken,
		ExpiresAt:   issued.Add(lifetime - ExpiryMargin),
		TokenType:   tokenType,
	}, nil
}

// String hides all but the tail of the token.
func (t TokenInfo) String() string {
	tail := t.AccessToken
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return fmt.Sprintf("%s ...%s (expires %s)", t.TokenType, tail, t.ExpiresAt.Format(time.RFC3339))
}
