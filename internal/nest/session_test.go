package nest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAuth counts calls and hands out tokens with a configurable lifetime.
type fakeAuth struct {
	refreshCalls atomic.Int32
	cookieCalls  atomic.Int32
	authCalls    atomic.Int32

	tokenTTL   time.Duration
	sessionTTL time.Duration
	delay      time.Duration
	tokenErr   error
}

func (f *fakeAuth) ExchangeRefreshToken(_ context.Context, refreshToken string) (*OAuthToken, error) {
	f.refreshCalls.Add(1)
	time.Sleep(f.delay)
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &OAuthToken{AccessToken: "oauth-" + refreshToken, ExpiresIn: int64(f.tokenTTL / time.Second), IssuedAt: time.Now()}, nil
}

func (f *fakeAuth) ExchangeCookies(_ context.Context, issueToken, _ string) (*OAuthToken, error) {
	f.cookieCalls.Add(1)
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &OAuthToken{AccessToken: "oauth-" + issueToken, ExpiresIn: int64(f.tokenTTL / time.Second), IssuedAt: time.Now()}, nil
}

func (f *fakeAuth) Authenticate(_ context.Context, oauthAccessToken string) (*Session, error) {
	f.authCalls.Add(1)
	time.Sleep(f.delay)
	return &Session{
		AccessToken: "session-for-" + oauthAccessToken,
		UserID:      "42",
		ExpiresIn:   time.Now().Add(f.sessionTTL).UTC().Format(SessionExpiryLayout),
	}, nil
}

func TestCredentials_Chain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		creds Credentials
		want  string
	}{
		{name: "refresh token", creds: Credentials{RefreshToken: "r"}, want: ChainRefreshToken},
		{name: "cookies", creds: Credentials{IssueToken: "https://x", Cookies: "c"}, want: ChainCookies},
		{name: "refresh token wins", creds: Credentials{RefreshToken: "r", IssueToken: "https://x", Cookies: "c"}, want: ChainRefreshToken},
		{name: "issue token without cookies", creds: Credentials{IssueToken: "https://x"}, want: ChainNone},
		{name: "empty", creds: Credentials{}, want: ChainNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.creds.Chain(); got != tt.want {
				t.Errorf("Chain() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionManager_EnsureSession_Caches(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{tokenTTL: time.Hour, sessionTTL: time.Hour}
	m := NewSessionManager(auth, Credentials{RefreshToken: "r"}, nil)

	first, err := m.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	second, err := m.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}

	if first != second {
		t.Error("EnsureSession() returned a new session while the cached one was valid")
	}
	if got := auth.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := auth.authCalls.Load(); got != 1 {
		t.Errorf("authenticate calls = %d, want 1", got)
	}
	if first.AccessToken != "session-for-oauth-r" {
		t.Errorf("AccessToken = %q", first.AccessToken)
	}

	state := m.State()
	if state.OAuth == nil || state.Session != first {
		t.Errorf("State() = %+v", state)
	}
}

func TestSessionManager_ExpiredSessionRefreshes(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{tokenTTL: time.Hour, sessionTTL: -time.Minute}
	m := NewSessionManager(auth, Credentials{RefreshToken: "r"}, nil)

	for range 3 {
		if _, err := m.EnsureSession(context.Background()); err != nil {
			t.Fatalf("EnsureSession() error = %v", err)
		}
	}

	if got := auth.authCalls.Load(); got != 3 {
		t.Errorf("authenticate calls = %d, want 3", got)
	}
	// The OAuth token stays valid, so it is exchanged only once.
	if got := auth.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestSessionManager_SingleFlight(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{tokenTTL: time.Hour, sessionTTL: time.Hour, delay: 50 * time.Millisecond}
	m := NewSessionManager(auth, Credentials{RefreshToken: "r"}, nil)

	var wg sync.WaitGroup
	sessions := make([]*Session, 10)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.EnsureSession(context.Background())
			if err != nil {
				t.Errorf("EnsureSession() error = %v", err)
				return
			}
			sessions[i] = s
		}()
	}
	wg.Wait()

	if got := auth.authCalls.Load(); got != 1 {
		t.Errorf("authenticate calls = %d, want 1", got)
	}
	for i, s := range sessions {
		if s != sessions[0] {
			t.Errorf("sessions[%d] differs from sessions[0]", i)
		}
	}
}

func TestSessionManager_ForceRefresh(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{tokenTTL: time.Hour, sessionTTL: time.Hour}
	m := NewSessionManager(auth, Credentials{RefreshToken: "r"}, nil)

	first, err := m.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	second, err := m.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}

	if first == second {
		t.Error("ForceRefresh() returned the cached session")
	}
	if got := auth.refreshCalls.Load(); got != 2 {
		t.Errorf("refresh calls = %d, want 2", got)
	}
	if got := auth.authCalls.Load(); got != 2 {
		t.Errorf("authenticate calls = %d, want 2", got)
	}
}

func TestSessionManager_CookieChain(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{tokenTTL: time.Hour, sessionTTL: time.Hour}
	m := NewSessionManager(auth, Credentials{IssueToken: "issue", Cookies: "c"}, nil)

	if _, err := m.EnsureOAuthToken(context.Background()); err != nil {
		t.Fatalf("EnsureOAuthToken() error = %v", err)
	}
	if auth.cookieCalls.Load() != 1 || auth.refreshCalls.Load() != 0 {
		t.Errorf("cookie calls = %d, refresh calls = %d", auth.cookieCalls.Load(), auth.refreshCalls.Load())
	}
}

func TestSessionManager_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no credentials", func(t *testing.T) {
		t.Parallel()

		m := NewSessionManager(&fakeAuth{}, Credentials{}, nil)
		_, err := m.EnsureSession(context.Background())

		if !errors.Is(err, ErrNoCredentials) {
			t.Errorf("error = %v, want ErrNoCredentials", err)
		}
		if KindOf(err) != KindBadCredentials {
			t.Errorf("KindOf() = %v, want bad_credentials", KindOf(err))
		}
	})

	t.Run("bad credentials keep their kind", func(t *testing.T) {
		t.Parallel()

		auth := &fakeAuth{tokenErr: &APIError{Kind: KindBadCredentials, Op: OpExchangeRefreshToken, Code: "invalid_grant"}}
		m := NewSessionManager(auth, Credentials{RefreshToken: "r"}, nil)
		_, err := m.EnsureSession(context.Background())

		if !IsBadCredentials(err) {
			t.Errorf("IsBadCredentials(%v) = false", err)
		}
		if m.State().Session != nil {
			t.Error("failed refresh stored a session")
		}
	})
}

func TestSessionManager_Invalidate(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{tokenTTL: time.Hour, sessionTTL: time.Hour}
	m := NewSessionManager(auth, Credentials{RefreshToken: "r"}, nil)
	if _, err := m.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}

	m.Invalidate()

	if st := m.State(); st.OAuth != nil || st.Session != nil {
		t.Errorf("State() after Invalidate = %+v", st)
	}
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2022, 3, 1, 23, 0, 0, 0, time.UTC)

	token := &OAuthToken{ExpiresIn: 3600, IssuedAt: now.Add(-time.Hour)}
	if !token.IsExpiredAt(now) {
		t.Error("token issued an hour ago with a 3600s lifetime is not expired")
	}
	if token.IsExpiredAt(now.Add(-time.Second)) {
		t.Error("token expired a second early")
	}

	tests := []struct {
		name    string
		session Session
		want    bool
	}{
		{name: "future", session: Session{ExpiresIn: "Tue, 01-Mar-2022 23:15:55 GMT"}, want: false},
		{name: "past", session: Session{ExpiresIn: "Tue, 01-Mar-2022 22:15:55 GMT"}, want: true},
		{name: "unparsable", session: Session{ExpiresIn: "soon"}, want: true},
		{name: "earlier jwt", session: Session{ExpiresIn: "Tue, 01-Mar-2022 23:15:55 GMT", JWTExpiresAt: now.Add(-time.Minute)}, want: true},
		{name: "later jwt", session: Session{ExpiresIn: "Tue, 01-Mar-2022 23:15:55 GMT", JWTExpiresAt: now.Add(time.Hour)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.session.IsExpiredAt(now); got != tt.want {
				t.Errorf("IsExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

// gatedAuth blocks Authenticate until release is closed or its ctx ends.
type gatedAuth struct {
	fakeAuth
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAuth) Authenticate(ctx context.Context, oauthAccessToken string) (*Session, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.fakeAuth.Authenticate(ctx, oauthAccessToken)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSessionManager_JoinerOutlivesLeaderDeadline(t *testing.T) {
	t.Parallel()

	auth := &gatedAuth{
		fakeAuth: fakeAuth{tokenTTL: time.Hour, sessionTTL: time.Hour},
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	m := NewSessionManager(auth, Credentials{RefreshToken: "r"}, nil)

	leaderCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := m.EnsureSession(leaderCtx)
		leaderErr <- err
	}()
	<-auth.started

	type result struct {
		session *Session
		err     error
	}
	joiner := make(chan result, 1)
	go func() {
		s, err := m.EnsureSession(context.Background())
		joiner <- result{s, err}
	}()

	if err := <-leaderErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("leader error = %v, want context.DeadlineExceeded", err)
	}
	time.Sleep(20 * time.Millisecond)
	close(auth.release)

	select {
	case r := <-joiner:
		if r.err != nil {
			t.Fatalf("joiner error = %v, want the shared session", r.err)
		}
		if r.session.AccessToken != "session-for-oauth-r" {
			t.Errorf("AccessToken = %q", r.session.AccessToken)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("joiner did not return")
	}
	if got := auth.authCalls.Load(); got != 1 {
		t.Errorf("authenticate calls = %d, want 1", got)
	}
}
