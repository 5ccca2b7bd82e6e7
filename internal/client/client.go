// Package client implements the resilient API client for the payment
// platform backend. It owns the authenticated session, applies a local
// per-caller rate limit before any network I/O, sanitizes outbound payloads,
// and handles 401-refresh-replay and transient-failure retry so callers see
// a single typed result.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/session"
	"github.com/ChainPay-Network/dashboard_core/internal/app/metrics"
	"github.com/ChainPay-Network/dashboard_core/internal/vault"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh"
	logoutPath  = "/auth/logout"
)

// EntitySink receives response bodies the caller designated as
// entity-bearing. The client does not know what a wallet or a transaction
// is; the sink does.
type EntitySink interface {
	IngestSnapshot(kind string, body []byte)
}

// RetryConfig bounds the transient-failure retry loop (429 and transport
// errors only).
type RetryConfig struct {
	// MaxAttempts is the total number of dispatches, the first included.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; each further retry
	// doubles it.
	BaseBackoff time.Duration
	// MaxBackoff caps the doubled delay.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseBackoff: 250 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

// Config holds client construction parameters. Every client instance is
// self-contained; nothing here is process-global.
type Config struct {
	// BaseURL is the backend REST root, e.g. https://api.chainpay.example.
	BaseURL string
	// HTTPClient optionally overrides the transport.
	HTTPClient *http.Client
	// Vault persists the session across process reloads. Defaults to an
	// in-memory vault.
	Vault vault.CredentialVault
	// RateLimit configures the local per-caller throttle.
	RateLimit RateLimitConfig
	// Retry configures the transient-failure budget.
	Retry RetryConfig
	// Sink receives entity-bearing response bodies. Optional.
	Sink EntitySink
	// Log defaults to logger.NewDefault("client").
	Log *logger.Logger
}

// Client is a resilient, session-owning API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessions   *sessionStore
	refresh    refreshGate
	limiter    *callerLimiter
	retry      RetryConfig
	sink       EntitySink
	log        *logger.Logger

	// sleep is swapped out by tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) error

	totalRequests   int64
	retriedRequests int64
	failedRequests  int64
	refreshCalls    int64
}

// New creates a client and restores any session persisted in the vault.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("client")
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		sessions:   newSessionStore(cfg.Vault),
		limiter:    newCallerLimiter(cfg.RateLimit),
		retry:      cfg.Retry,
		sink:       cfg.Sink,
		log:        log,
		sleep:      sleepContext,
	}
	if err := c.sessions.restore(context.Background()); err != nil {
		log.WithError(err).Warn("could not restore persisted session")
	}
	return c, nil
}

// AttachSink wires the entity sink after construction. The store depends on
// the client for resync, so one of the two edges has to be set late.
func (c *Client) AttachSink(sink EntitySink) { c.sink = sink }

// Envelope describes one outbound request. It is constructed per call and
// replayed at most once after a credential refresh.
type Envelope struct {
	Method string
	// Path is joined onto the configured base URL.
	Path    string
	Headers http.Header
	// Body is serialized as JSON with first-level string fields sanitized.
	Body any
	// IdempotencyKey is forwarded as the Idempotency-Key header when set.
	IdempotencyKey string
	// CallerKey attributes the request to a logical caller for local rate
	// limiting. Empty means the shared "default" bucket.
	CallerKey string
	// EntityKind designates the response as entity-bearing; successful
	// bodies are handed to the sink under this kind.
	EntityKind string

	// authRetried guards the 401 refresh-replay path: a boolean, not a
	// counter, so the state machine visibly terminates.
	authRetried bool
}

// Response is the normalized backend reply.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// Send dispatches the envelope, applying rate limiting, sanitization, auth
// injection, proactive refresh of an expired credential, single-flight
// refresh on 401, and bounded backoff on 429 and transport errors. Every
// failure is a typed *Error.
func (c *Client) Send(ctx context.Context, env *Envelope) (*Response, error) {
	if env == nil {
		return nil, &Error{Kind: KindUnknown, Message: "nil envelope"}
	}
	atomic.AddInt64(&c.totalRequests, 1)

	callerKey := env.CallerKey
	if callerKey == "" {
		callerKey = "default"
	}
	if !c.limiter.allow(callerKey) {
		atomic.AddInt64(&c.failedRequests, 1)
		metrics.RecordRateLimitRejection()
		metrics.RecordClientRequest("rate_limited")
		return nil, &Error{
			Kind:    KindRateLimited,
			Message: fmt.Sprintf("local rate limit exceeded for caller %q", callerKey),
		}
	}

	payload, err := sanitizeBody(env.Body)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, &Error{Kind: KindUnknown, Message: "unserializable request body", Err: err}
	}

	// A bearer already past its recorded expiry is refreshed up front rather
	// than spent on a guaranteed 401 round trip.
	if sess, ok := c.sessions.current(); ok && sess.Expired(time.Now()) {
		if _, err := c.refreshSession(ctx, sess.AccessToken); err != nil {
			atomic.AddInt64(&c.failedRequests, 1)
			return nil, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			atomic.AddInt64(&c.retriedRequests, 1)
			metrics.RecordClientRetry()
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				atomic.AddInt64(&c.failedRequests, 1)
				return nil, &Error{Kind: KindUnknown, Message: "canceled during backoff", Err: err}
			}
		}

		resp, err := c.roundTrip(ctx, env, payload)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				atomic.AddInt64(&c.failedRequests, 1)
				return nil, &Error{Kind: KindUnknown, Message: "request canceled", Err: err}
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp, err = c.replayAfterRefresh(ctx, env, payload)
			if err != nil {
				atomic.AddInt64(&c.failedRequests, 1)
				return nil, err
			}
			if resp == nil {
				// Replay hit a transport error; let the retry loop re-dispatch.
				lastErr = errors.New("transport error replaying refreshed request")
				continue
			}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &Error{Kind: KindUnknown, Status: resp.StatusCode, Message: "backend throttled request"}
			continue
		}
		if resp.StatusCode >= 400 {
			atomic.AddInt64(&c.failedRequests, 1)
			metrics.RecordClientRequest("error")
			return nil, classifyResponse(resp)
		}

		metrics.RecordClientRequest("success")
		c.deliver(env, resp)
		return resp, nil
	}

	atomic.AddInt64(&c.failedRequests, 1)
	metrics.RecordClientRequest("exhausted")
	return nil, &Error{Kind: KindExhausted, Message: "retry budget exhausted", Err: lastErr}
}

// replayAfterRefresh handles a 401: refresh once, replay once. A second 401
// for the same envelope means the refreshed credential is unusable, which
// tears the session down rather than looping.
func (c *Client) replayAfterRefresh(ctx context.Context, env *Envelope, payload []byte) (*Response, error) {
	if env.authRetried {
		c.teardownSession(ctx)
		return nil, &Error{Kind: KindAuthExpired, Status: http.StatusUnauthorized,
			Message: "credential rejected after refresh"}
	}
	env.authRetried = true

	stale, _ := c.sessions.current()
	if _, err := c.refreshSession(ctx, stale.AccessToken); err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(ctx, env, payload)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindUnknown, Message: "request canceled", Err: err}
		}
		return nil, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.teardownSession(ctx)
		return nil, &Error{Kind: KindAuthExpired, Status: http.StatusUnauthorized,
			Message: "credential rejected after refresh"}
	}
	return resp, nil
}

func (c *Client) backoff(retry int) time.Duration {
	d := c.retry.BaseBackoff
	if d <= 0 {
		d = DefaultRetryConfig().BaseBackoff
	}
	for i := 1; i < retry; i++ {
		d *= 2
		if c.retry.MaxBackoff > 0 && d >= c.retry.MaxBackoff {
			return c.retry.MaxBackoff
		}
	}
	if c.retry.MaxBackoff > 0 && d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}
	return d
}

func (c *Client) roundTrip(ctx context.Context, env *Envelope, payload []byte) (*Response, error) {
	method := env.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+env.Path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range env.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if env.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", env.IdempotencyKey)
	}
	if sess, ok := c.sessions.current(); ok && sess.Valid() {
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: raw, Headers: resp.Header}, nil
}

func (c *Client) deliver(env *Envelope, resp *Response) {
	if c.sink == nil || env.EntityKind == "" {
		return
	}
	c.sink.IngestSnapshot(env.EntityKind, resp.Body)
}

// =============================================================================
// Auth lifecycle
// =============================================================================

// Login exchanges credentials for a session and persists it.
func (c *Client) Login(ctx context.Context, email, password string) (session.Session, error) {
	resp, err := c.postAuth(ctx, loginPath, map[string]string{
		"email":    email,
		"password": password,
	}, "")
	if err != nil {
		return session.Session{}, err
	}
	if resp.StatusCode >= 400 {
		return session.Session{}, classifyResponse(resp)
	}

	var grant authResponse
	if err := resp.JSON(&grant); err != nil {
		return session.Session{}, &Error{Kind: KindUnknown, Message: "malformed login response", Err: err}
	}
	sess, err := grant.toSession(time.Now())
	if err != nil {
		return session.Session{}, &Error{Kind: KindUnknown, Message: "malformed login response", Err: err}
	}
	if err := c.sessions.set(ctx, sess); err != nil {
		c.log.WithError(err).Warn("could not persist session")
	}
	c.log.WithField("expires_at", sess.ExpiresAt).Info("session established")
	return sess, nil
}

// Logout tears the session down. The backend call is best effort; local
// state is always cleared.
func (c *Client) Logout(ctx context.Context) error {
	if sess, ok := c.sessions.current(); ok && sess.Valid() {
		if _, err := c.postAuth(ctx, logoutPath, nil, sess.AccessToken); err != nil {
			c.log.WithError(err).Warn("logout call failed; clearing local session anyway")
		}
	}
	return c.teardownSession(ctx)
}

// Session returns a copy of the current session, if any.
func (c *Client) Session() (session.Session, bool) {
	return c.sessions.current()
}

// refreshSession performs a single-flight credential refresh. staleToken is
// the access token the caller saw rejected; if another caller already
// replaced it the refresh is skipped and the fresh session reused.
func (c *Client) refreshSession(ctx context.Context, staleToken string) (session.Session, error) {
	return c.refresh.do(ctx, func() (session.Session, error) {
		cur, ok := c.sessions.current()
		if ok && cur.Valid() && cur.AccessToken != staleToken {
			return cur, nil
		}
		if !ok || cur.RefreshToken == "" {
			c.teardownSession(ctx)
			return session.Session{}, &Error{Kind: KindAuthExpired, Message: "no refresh token available"}
		}

		atomic.AddInt64(&c.refreshCalls, 1)
		metrics.RecordSessionRefresh()
		resp, err := c.postAuth(ctx, refreshPath, map[string]string{
			"refresh_token": cur.RefreshToken,
		}, "")
		if err != nil {
			c.teardownSession(ctx)
			return session.Session{}, &Error{Kind: KindAuthExpired, Message: "credential refresh failed", Err: err}
		}
		if resp.StatusCode >= 400 {
			c.teardownSession(ctx)
			return session.Session{}, &Error{Kind: KindAuthExpired, Status: resp.StatusCode,
				Message: "credential refresh rejected"}
		}

		var grant authResponse
		if err := resp.JSON(&grant); err != nil {
			c.teardownSession(ctx)
			return session.Session{}, &Error{Kind: KindAuthExpired, Message: "malformed refresh response", Err: err}
		}
		sess, err := grant.toSession(time.Now())
		if err != nil {
			c.teardownSession(ctx)
			return session.Session{}, &Error{Kind: KindAuthExpired, Message: "malformed refresh response", Err: err}
		}
		if sess.RefreshToken == "" {
			sess.RefreshToken = cur.RefreshToken
		}
		if err := c.sessions.set(ctx, sess); err != nil {
			c.log.WithError(err).Warn("could not persist refreshed session")
		}
		c.log.Info("session refreshed")
		return sess, nil
	})
}

func (c *Client) teardownSession(ctx context.Context) error {
	if err := c.sessions.clear(ctx); err != nil {
		c.log.WithError(err).Warn("could not clear persisted session")
		return err
	}
	return nil
}

// postAuth issues an auth-endpoint request outside the Send pipeline: auth
// traffic must not consume the caller's rate budget or recurse into the
// refresh path.
func (c *Client) postAuth(ctx context.Context, path string, body any, bearer string) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode auth request: %w", err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create auth request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: raw, Headers: resp.Header}, nil
}

// Metrics returns request counters for observability surfaces.
func (c *Client) Metrics() map[string]int64 {
	return map[string]int64{
		"total_requests":   atomic.LoadInt64(&c.totalRequests),
		"retried_requests": atomic.LoadInt64(&c.retriedRequests),
		"failed_requests":  atomic.LoadInt64(&c.failedRequests),
		"refresh_calls":    atomic.LoadInt64(&c.refreshCalls),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
