package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/session"
	"github.com/ChainPay-Network/dashboard_core/internal/vault"
	"github.com/ChainPay-Network/dashboard_core/pkg/logger"
)

func newTestClient(t *testing.T, srvURL string, v vault.CredentialVault) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL: srvURL,
		Vault:   v,
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             1000,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  50 * time.Millisecond,
		},
		Log: logger.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func seededVault(t *testing.T, sess session.Session) vault.CredentialVault {
	t.Helper()
	v := vault.NewMemory()
	if err := v.Set(context.Background(), sess); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	return v
}

func staleSession() session.Session {
	return session.Session{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	var refreshes, requests int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			atomic.AddInt64(&refreshes, 1)
			// Hold the grant open so concurrent 401 handlers pile up on
			// the gate instead of racing past it.
			time.Sleep(50 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"fresh-token","refresh_token":"r2","expires_in":3600}`))
		case "/data":
			atomic.AddInt64(&requests, 1)
			if r.Header.Get("Authorization") != "Bearer fresh-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, seededVault(t, staleSession()))

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Send(context.Background(), &Envelope{Path: "/data"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&refreshes); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	sess, ok := c.Session()
	if !ok || sess.AccessToken != "fresh-token" {
		t.Fatalf("session after refresh = %+v", sess)
	}
}

func TestRetryCeilingWithIncreasingDelays(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	c.retry = RetryConfig{MaxAttempts: 4, BaseBackoff: 10 * time.Millisecond, MaxBackoff: time.Second}

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := c.Send(context.Background(), &Envelope{Path: "/throttled"})
	if !IsKind(err, KindExhausted) {
		t.Fatalf("error = %v, want Exhausted", err)
	}
	if got := atomic.LoadInt64(&hits); got != 4 {
		t.Fatalf("dispatches = %d, want 4", got)
	}
	if len(delays) != 3 {
		t.Fatalf("backoff sleeps = %d, want 3", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}
	if delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond || delays[2] != 40*time.Millisecond {
		t.Fatalf("delays = %v, want doubling from 10ms", delays)
	}
}

func TestBackoffRespectsCeiling(t *testing.T) {
	c := newTestClient(t, "http://unused", nil)
	c.retry = RetryConfig{MaxAttempts: 10, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond}

	if got := c.backoff(1); got != 10*time.Millisecond {
		t.Fatalf("backoff(1) = %v", got)
	}
	if got := c.backoff(2); got != 20*time.Millisecond {
		t.Fatalf("backoff(2) = %v", got)
	}
	for retry := 3; retry < 8; retry++ {
		if got := c.backoff(retry); got != 25*time.Millisecond {
			t.Fatalf("backoff(%d) = %v, want capped 25ms", retry, got)
		}
	}
}

func TestRateLimitFailsFastWithoutNetworkIO(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL:   srv.URL,
		RateLimit: RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2},
		Log:       logger.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Send(context.Background(), &Envelope{Path: "/ok", CallerKey: "user-1"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	_, err = c.Send(context.Background(), &Envelope{Path: "/ok", CallerKey: "user-1"})
	if !IsKind(err, KindRateLimited) {
		t.Fatalf("third call error = %v, want RateLimited", err)
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Fatalf("server hits = %d, want 2 (rejection must not reach the network)", got)
	}

	// A different caller key has its own budget.
	if _, err := c.Send(context.Background(), &Envelope{Path: "/ok", CallerKey: "user-2"}); err != nil {
		t.Fatalf("other caller: %v", err)
	}
}

func TestSecond401AfterRefreshTearsDownSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, seededVault(t, staleSession()))

	_, err := c.Send(context.Background(), &Envelope{Path: "/data"})
	if !IsKind(err, KindAuthExpired) {
		t.Fatalf("error = %v, want AuthExpired", err)
	}
	if _, ok := c.Session(); ok {
		t.Fatalf("session survived an unusable refreshed credential")
	}
}

func TestRefreshFailureClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := seededVault(t, staleSession())
	c := newTestClient(t, srv.URL, v)

	_, err := c.Send(context.Background(), &Envelope{Path: "/data"})
	if !IsKind(err, KindAuthExpired) {
		t.Fatalf("error = %v, want AuthExpired", err)
	}
	if _, ok := c.Session(); ok {
		t.Fatalf("in-memory session not cleared")
	}
	if _, err := v.Get(context.Background()); err == nil {
		t.Fatalf("persisted session not cleared")
	}
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_amount","message":"amount must be positive"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Send(context.Background(), &Envelope{Method: http.MethodPost, Path: "/transactions"})
	if !IsKind(err, KindValidation) {
		t.Fatalf("error = %v, want Validation", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error is not *Error: %v", err)
	}
	if apiErr.Code != "invalid_amount" || apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("classified error = %+v", apiErr)
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("hits = %d, want 1 (4xx must not retry)", got)
	}
}

func TestServerErrorsClassifyUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Send(context.Background(), &Envelope{Path: "/boom"})
	if !IsKind(err, KindUnknown) {
		t.Fatalf("error = %v, want Unknown", err)
	}
}

func TestSendSanitizesBodyAndSetsHeaders(t *testing.T) {
	var gotBody map[string]any
	var gotIdem, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		gotIdem = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, seededVault(t, staleSession()))

	_, err := c.Send(context.Background(), &Envelope{
		Method:         http.MethodPost,
		Path:           "/invoices",
		Body:           map[string]any{"memo": `<script>steal()</script>thanks`, "amount": 5},
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	memo, _ := gotBody["memo"].(string)
	if strings.Contains(strings.ToLower(memo), "<script") {
		t.Fatalf("script fragment survived sanitization: %q", memo)
	}
	if !strings.Contains(memo, "thanks") {
		t.Fatalf("benign content lost: %q", memo)
	}
	if gotBody["amount"].(float64) != 5 {
		t.Fatalf("non-string field altered: %v", gotBody["amount"])
	}
	if gotIdem != "idem-1" {
		t.Fatalf("Idempotency-Key = %q", gotIdem)
	}
	if gotAuth != "Bearer stale-token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestLoginPersistsSessionToVault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","refresh_token":"ref","expires_in":60}`))
	}))
	defer srv.Close()

	v := vault.NewMemory()
	c := newTestClient(t, srv.URL, v)

	sess, err := c.Login(context.Background(), "u@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.AccessToken != "tok" || sess.RefreshToken != "ref" {
		t.Fatalf("session = %+v", sess)
	}
	if sess.ExpiresAt.Before(time.Now().Add(30 * time.Second)) {
		t.Fatalf("expiry not derived from expires_in: %v", sess.ExpiresAt)
	}

	persisted, err := v.Get(context.Background())
	if err != nil {
		t.Fatalf("vault.Get: %v", err)
	}
	if persisted.AccessToken != "tok" {
		t.Fatalf("persisted session = %+v", persisted)
	}
}

func TestLogoutClearsSessionEvenWhenBackendFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, seededVault(t, staleSession()))
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := c.Session(); ok {
		t.Fatalf("session survived logout")
	}
}

func TestExpiredBearerRefreshesBeforeDispatch(t *testing.T) {
	var refreshes, rejected int64
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			atomic.AddInt64(&refreshes, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"fresh-token","refresh_token":"r2","expires_in":3600}`))
		case "/data":
			if r.Header.Get("Authorization") != "Bearer fresh-token" {
				atomic.AddInt64(&rejected, 1)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	expired := session.Session{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	c := newTestClient(t, srv.URL, seededVault(t, expired))

	if _, err := c.Send(context.Background(), &Envelope{Path: "/data"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := atomic.LoadInt64(&refreshes); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	// A bearer known to be expired is refreshed up front, never spent on a
	// 401 round trip.
	if got := atomic.LoadInt64(&rejected); got != 0 {
		t.Fatalf("expired bearer reached the backend %d times", got)
	}
	if gotAuth != "Bearer fresh-token" {
		t.Fatalf("Authorization = %q, want refreshed bearer", gotAuth)
	}
}

func TestCanceledRefreshWaiterGetsTypedError(t *testing.T) {
	g := &refreshGate{}
	block := make(chan struct{})
	go g.do(context.Background(), func() (session.Session, error) {
		<-block
		return session.Session{}, nil
	})

	// Wait until the leader holds the gate.
	deadline := time.Now().Add(time.Second)
	for {
		g.mu.Lock()
		pending := g.pending != nil
		g.mu.Unlock()
		if pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("leader never took the gate")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.do(ctx, func() (session.Session, error) {
		return session.Session{}, nil
	})
	close(block)

	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != KindUnknown {
		t.Fatalf("canceled waiter error = %v, want typed unknown", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation cause not preserved: %v", err)
	}
}

func TestSessionExpiryFromJWTClaim(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Unix()
	token := unsignedJWT(t, map[string]any{"exp": exp})

	got := sessionExpiry(token, 0, time.Now())
	if got.Unix() != exp {
		t.Fatalf("expiry = %v, want unix %d", got, exp)
	}

	// Explicit expires_in wins over the claim.
	now := time.Now()
	got = sessionExpiry(token, 60, now)
	if d := got.Sub(now); d < 59*time.Second || d > 61*time.Second {
		t.Fatalf("expires_in ignored: %v", d)
	}

	// Garbage tokens yield the zero time.
	if got := sessionExpiry("not-a-jwt", 0, time.Now()); !got.IsZero() {
		t.Fatalf("expiry from garbage token = %v", got)
	}
}

func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal segment: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	header := map[string]string{"alg": "none", "typ": "JWT"}
	return enc(header) + "." + enc(claims) + "."
}

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		in       string
		contains string
		excludes string
	}{
		{`hello <script>alert(1)</script>world`, "hello world", "script"},
		{`<SCRIPT SRC="x"/>payload`, "payload", "script"},
		{`plain memo`, "plain memo", "<"},
	}
	for _, tc := range cases {
		got := SanitizeString(tc.in)
		if !strings.Contains(got, tc.contains) {
			t.Fatalf("SanitizeString(%q) = %q, want to contain %q", tc.in, got, tc.contains)
		}
		if tc.excludes != "" && strings.Contains(strings.ToLower(got), tc.excludes) {
			t.Fatalf("SanitizeString(%q) = %q, still contains %q", tc.in, got, tc.excludes)
		}
	}
}
