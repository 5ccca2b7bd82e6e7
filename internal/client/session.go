package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/ChainPay-Network/dashboard_core/internal/app/domain/session"
	"github.com/ChainPay-Network/dashboard_core/internal/vault"
)

// sessionStore is the sole writer of the current session. It mirrors the
// in-memory copy into a CredentialVault so the session survives a reload of
// the hosting process.
type sessionStore struct {
	mu    sync.RWMutex
	vault vault.CredentialVault
	cur   session.Session
	held  bool
}

func newSessionStore(v vault.CredentialVault) *sessionStore {
	if v == nil {
		v = vault.NewMemory()
	}
	return &sessionStore{vault: v}
}

// restore loads a previously persisted session, if any. Called once at
// client construction; a missing session is not an error.
func (s *sessionStore) restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.vault.Get(ctx)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil
		}
		return err
	}
	s.cur = sess
	s.held = true
	return nil
}

func (s *sessionStore) current() (session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur, s.held
}

func (s *sessionStore) set(ctx context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = sess
	s.held = true
	return s.vault.Set(ctx, sess)
}

func (s *sessionStore) clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = session.Session{}
	s.held = false
	return s.vault.Clear(ctx)
}

// refreshGate serializes credential refresh. Concurrent requests that all
// hit 401 before the first refresh completes wait on the same in-flight
// call instead of issuing parallel refreshes.
type refreshGate struct {
	mu      sync.Mutex
	pending *refreshCall
}

type refreshCall struct {
	done chan struct{}
	sess session.Session
	err  error
}

// do runs fn exactly once among concurrent callers; latecomers block until
// the leader finishes and share its result.
func (g *refreshGate) do(ctx context.Context, fn func() (session.Session, error)) (session.Session, error) {
	g.mu.Lock()
	if call := g.pending; call != nil {
		g.mu.Unlock()
		select {
		case <-call.done:
			return call.sess, call.err
		case <-ctx.Done():
			return session.Session{}, &Error{Kind: KindUnknown,
				Message: "canceled awaiting credential refresh", Err: ctx.Err()}
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	g.pending = call
	g.mu.Unlock()

	call.sess, call.err = fn()
	close(call.done)

	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()

	return call.sess, call.err
}

// sessionExpiry resolves the access token expiry: an explicit expires_in
// wins, otherwise the JWT exp claim is used. The claim is read without
// signature verification; the backend remains the authority and a wrong
// guess only costs one extra 401 round trip.
func sessionExpiry(accessToken string, expiresIn int, now time.Time) time.Time {
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second).UTC()
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}
	}
	return time.Unix(int64(exp), 0).UTC()
}

// authResponse is the token grant shape shared by login and refresh.
type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (a authResponse) toSession(now time.Time) (session.Session, error) {
	if a.AccessToken == "" {
		return session.Session{}, fmt.Errorf("auth response missing access token")
	}
	return session.Session{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    sessionExpiry(a.AccessToken, a.ExpiresIn, now),
	}, nil
}
