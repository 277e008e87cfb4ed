package nest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zorak1103/nest-protect/internal/logging"
)

// Credential chains.
const (
	ChainNone         = "none"
	ChainRefreshToken = "refresh_token"
	ChainCookies      = "cookies"
)

// Credentials are the account secrets of a config entry.
type Credentials struct {
	RefreshToken string `json:"refresh_token,omitempty"`
	IssueToken   string `json:"issue_token,omitempty"`
	Cookies      string `json:"cookies,omitempty"`
}

// Chain reports which credential chain is used. The refresh token wins when
// both are configured; an issue token needs cookies.
func (c Credentials) Chain() string {
	switch {
	case c.RefreshToken != "":
		return ChainRefreshToken
	case c.IssueToken != "" && c.Cookies != "":
		return ChainCookies
	default:
		return ChainNone
	}
}

// SessionState is an immutable snapshot of the current tokens.
type SessionState struct {
	OAuth   *OAuthToken
	Session *Session
}

// Authenticator is the subset of the client the session manager needs.
type Authenticator interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*OAuthToken, error)
	ExchangeCookies(ctx context.Context, issueToken, cookies string) (*OAuthToken, error)
	Authenticate(ctx context.Context, oauthAccessToken string) (*Session, error)
}

// SessionManager keeps the OAuth token and vendor session of one account
// fresh. Concurrent refreshes are collapsed into one call.
type SessionManager struct {
	auth   Authenticator
	creds  Credentials
	logger *logging.Logger
	now    func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	state SessionState
}

// NewSessionManager creates a session manager for creds.
func NewSessionManager(auth Authenticator, creds Credentials, logger *logging.Logger) *SessionManager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SessionManager{
		auth:   auth,
		creds:  creds,
		logger: logger,
		now:    time.Now,
	}
}

// State returns the current snapshot.
func (m *SessionManager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Invalidate drops the OAuth token and the session.
func (m *SessionManager) Invalidate() {
	m.setState(SessionState{})
}

func (m *SessionManager) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// EnsureOAuthToken returns a valid OAuth token, exchanging credentials when
// the cached one is missing or expired.
func (m *SessionManager) EnsureOAuthToken(ctx context.Context) (*OAuthToken, error) {
	if st := m.State(); st.OAuth != nil && !st.OAuth.IsExpiredAt(m.now()) {
		return st.OAuth, nil
	}

	v, _, err := m.shared(ctx, "oauth", func(ctx context.Context) (any, error) {
		// Another caller may have refreshed while we waited.
		if st := m.State(); st.OAuth != nil && !st.OAuth.IsExpiredAt(m.now()) {
			return st.OAuth, nil
		}
		token, err := m.exchange(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.state = SessionState{OAuth: token, Session: m.state.Session}
		m.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*OAuthToken), nil
}

// EnsureSession returns a valid vendor session, refreshing the OAuth token
// and re-authenticating as needed.
func (m *SessionManager) EnsureSession(ctx context.Context) (*Session, error) {
	if st := m.State(); st.Session != nil && !st.Session.IsExpiredAt(m.now()) {
		return st.Session, nil
	}

	v, _, err := m.shared(ctx, "session", func(ctx context.Context) (any, error) {
		if st := m.State(); st.Session != nil && !st.Session.IsExpiredAt(m.now()) {
			return st.Session, nil
		}
		return m.refreshSession(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// ForceRefresh drops both tokens and rebuilds them. Used after a 401.
func (m *SessionManager) ForceRefresh(ctx context.Context) (*Session, error) {
	v, joined, err := m.shared(ctx, "session", func(ctx context.Context) (any, error) {
		m.Invalidate()
		return m.refreshSession(ctx)
	})
	if err != nil {
		return nil, err
	}
	if joined {
		m.logger.Debug("Joined in-flight session refresh")
	}
	return v.(*Session), nil
}

// shared runs fn once for all concurrent callers of key. fn runs on a
// context detached from the leader's cancellation, so joiners with a live
// context are not failed by it; client calls carry their own request
// timeout. Each caller stops waiting when its own ctx ends.
func (m *SessionManager) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (m *SessionManager) refreshSession(ctx context.Context) (*Session, error) {
	token, err := m.EnsureOAuthToken(ctx)
	if err != nil {
		return nil, err
	}

	session, err := m.auth.Authenticate(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	m.setState(SessionState{OAuth: token, Session: session})
	m.logger.Info("Session refreshed", "userid", session.UserID, "expires", session.ExpiresIn)
	return session, nil
}

func (m *SessionManager) exchange(ctx context.Context) (*OAuthToken, error) {
	chain := m.creds.Chain()
	m.logger.Debug("Exchanging credentials for access token", "chain", chain)

	switch chain {
	case ChainRefreshToken:
		token, err := m.auth.ExchangeRefreshToken(ctx, m.creds.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("refresh token exchange: %w", err)
		}
		return token, nil
	case ChainCookies:
		token, err := m.auth.ExchangeCookies(ctx, m.creds.IssueToken, m.creds.Cookies)
		if err != nil {
			return nil, fmt.Errorf("cookie exchange: %w", err)
		}
		return token, nil
	default:
		return nil, ErrNoCredentials
	}
}
