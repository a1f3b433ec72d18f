package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"passportd/token"
)

type fakeUserManager struct {
	mu        sync.Mutex
	lastState string
	lastNonce string

	exchangeResult *AuthResult
	exchangeErr    error

	silentResult *AuthResult
	silentErr    error
	silentCalls  int32
	silentDelay  time.Duration
	silentGate   chan struct{}

	signoutErr error
}

func (f *fakeUserManager) AuthCodeURL(state, nonce string) string {
	f.mu.Lock()
	f.lastState = state
	f.lastNonce = nonce
	f.mu.Unlock()
	return "https://auth.example.com/authorize?state=" + state
}

func (f *fakeUserManager) Exchange(ctx context.Context, state, code, nonce string) (*AuthResult, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	res := *f.exchangeResult
	return &res, nil
}

func (f *fakeUserManager) SigninSilent(ctx context.Context, refreshToken string) (*AuthResult, error) {
	atomic.AddInt32(&f.silentCalls, 1)
	if f.silentGate != nil {
		<-f.silentGate
	}
	if f.silentDelay > 0 {
		time.Sleep(f.silentDelay)
	}
	if f.silentErr != nil {
		return nil, f.silentErr
	}
	res := *f.silentResult
	return &res, nil
}

func (f *fakeUserManager) SignoutSilent(ctx context.Context) error { return f.signoutErr }

func (f *fakeUserManager) SignoutRedirectURL(returnTo string) string {
	return "https://auth.example.com/v2/logout?client_id=client-1"
}

func mintIDToken(t *testing.T, sub string, namespace map[string]any) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "email": sub + "@example.com"}
	if namespace != nil {
		claims[token.ClaimNamespace] = namespace
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

func newTestCoordinator(t *testing.T, fake *fakeUserManager) *Coordinator {
	t.Helper()
	return NewCoordinator(fake, Config{
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/callback",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// loginAs drives a full interactive login against the fake.
func loginAs(t *testing.T, c *Coordinator, fake *fakeUserManager, result *AuthResult) *token.Profile {
	t.Helper()
	fake.exchangeResult = result
	c.BeginLogin()
	p, err := c.CompleteLogin(context.Background(), fake.lastState, "code")
	if err != nil {
		t.Fatalf("CompleteLogin returned error: %v", err)
	}
	return p
}

func freshResult(t *testing.T, sub string) *AuthResult {
	t.Helper()
	return &AuthResult{
		IDToken:            mintIDToken(t, sub, nil),
		AccessToken:        "at1",
		RefreshToken:       "rt1",
		AccessTokenExpires: time.Now().Add(time.Hour).UnixMilli(),
		Sub:                sub,
		Email:              sub + "@example.com",
	}
}

func expiredResult(t *testing.T, sub string) *AuthResult {
	t.Helper()
	res := freshResult(t, sub)
	res.AccessTokenExpires = time.Now().Add(-time.Minute).UnixMilli()
	return res
}

func TestGetUserAnonymous(t *testing.T) {
	c := newTestCoordinator(t, &fakeUserManager{})
	p, err := c.GetUser(context.Background())
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil profile for anonymous coordinator")
	}
	if c.State() != StateAnonymous {
		t.Fatalf("unexpected state %v", c.State())
	}
}

func TestLoginTransitionsToAuthenticated(t *testing.T) {
	fake := &fakeUserManager{}
	c := newTestCoordinator(t, fake)

	url := c.BeginLogin()
	if url == "" {
		t.Fatalf("expected authorization URL")
	}
	if c.State() != StateAuthenticating {
		t.Fatalf("expected authenticating, got %v", c.State())
	}

	fake.exchangeResult = freshResult(t, "user-1")
	p, err := c.CompleteLogin(context.Background(), fake.lastState, "code")
	if err != nil {
		t.Fatalf("CompleteLogin returned error: %v", err)
	}
	if p.Sub != "user-1" {
		t.Fatalf("unexpected sub %q", p.Sub)
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %v", c.State())
	}
}

func TestCompleteLoginStateMismatch(t *testing.T) {
	fake := &fakeUserManager{exchangeResult: freshResult(t, "user-1")}
	c := newTestCoordinator(t, fake)
	c.BeginLogin()

	var authErr *AuthenticationError
	if _, err := c.CompleteLogin(context.Background(), "forged", "code"); !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestGetUserFreshTokenSkipsRefresh(t *testing.T) {
	fake := &fakeUserManager{}
	c := newTestCoordinator(t, fake)
	loginAs(t, c, fake, freshResult(t, "user-1"))

	p, err := c.GetUser(context.Background())
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if p == nil || p.Sub != "user-1" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if n := atomic.LoadInt32(&fake.silentCalls); n != 0 {
		t.Fatalf("expected no silent renew, got %d", n)
	}
}

func TestConcurrentGetUserSingleRefresh(t *testing.T) {
	fake := &fakeUserManager{silentDelay: 30 * time.Millisecond}
	c := newTestCoordinator(t, fake)
	loginAs(t, c, fake, expiredResult(t, "user-1"))

	renewed := freshResult(t, "user-1")
	renewed.AccessToken = "at2"
	renewed.RefreshToken = "rt2"
	fake.silentResult = renewed

	const n = 10
	profiles := make([]*token.Profile, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profiles[i], errs[i] = c.GetUser(context.Background())
		}(i)
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&fake.silentCalls); calls != 1 {
		t.Fatalf("expected exactly one silent renew, got %d", calls)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if profiles[i] == nil || profiles[i].Sub != "user-1" {
			t.Fatalf("caller %d got profile %+v", i, profiles[i])
		}
	}

	set, err := c.TokenSet(context.Background())
	if err != nil {
		t.Fatalf("TokenSet returned error: %v", err)
	}
	if set.AccessToken != "at2" || set.RefreshToken != "rt2" {
		t.Fatalf("renewed tokens not stored: %+v", set)
	}
}

func TestRefreshFailureExpiresSession(t *testing.T) {
	fake := &fakeUserManager{silentErr: &token.RefreshError{StatusCode: 400, Message: "invalid_grant"}}
	c := newTestCoordinator(t, fake)
	loginAs(t, c, fake, expiredResult(t, "user-1"))

	var re *token.RefreshError
	if _, err := c.GetUser(context.Background()); !errors.As(err, &re) {
		t.Fatalf("expected RefreshError, got %v", err)
	}
	if c.State() != StateExpired {
		t.Fatalf("expected expired, got %v", c.State())
	}

	// Expired is terminal for reads until the next login.
	p, err := c.GetUser(context.Background())
	if err != nil || p != nil {
		t.Fatalf("expected nil/nil after expiry, got %+v / %v", p, err)
	}

	loginAs(t, c, fake, freshResult(t, "user-1"))
	if c.State() != StateAuthenticated {
		t.Fatalf("fresh login should restart the cycle")
	}
}

func TestExpiredWithoutRefreshToken(t *testing.T) {
	fake := &fakeUserManager{}
	c := newTestCoordinator(t, fake)
	res := expiredResult(t, "user-1")
	res.RefreshToken = ""
	loginAs(t, c, fake, res)

	p, err := c.GetUser(context.Background())
	if err != nil || p != nil {
		t.Fatalf("expected nil/nil, got %+v / %v", p, err)
	}
	if c.State() != StateExpired {
		t.Fatalf("expected expired, got %v", c.State())
	}
	if n := atomic.LoadInt32(&fake.silentCalls); n != 0 {
		t.Fatalf("refresh attempted without a refresh token: %d calls", n)
	}
}

func TestForceUserRefreshPicksUpNewClaims(t *testing.T) {
	fake := &fakeUserManager{}
	c := newTestCoordinator(t, fake)
	loginAs(t, c, fake, freshResult(t, "user-1"))

	renewed := freshResult(t, "user-1")
	renewed.IDToken = mintIDToken(t, "user-1", map[string]any{
		"zkevm_eth_address":        "0xeth",
		"zkevm_user_admin_address": "0xadmin",
	})
	fake.silentResult = renewed

	p, err := c.ForceUserRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceUserRefresh returned error: %v", err)
	}
	if !token.HasZkEvm(p) {
		t.Fatalf("expected zkEVM registration after forced refresh: %+v", p)
	}
	if calls := atomic.LoadInt32(&fake.silentCalls); calls != 1 {
		t.Fatalf("expected one silent renew, got %d", calls)
	}
}

func TestGetUserPredicateWithholdsProfile(t *testing.T) {
	fake := &fakeUserManager{}
	c := newTestCoordinator(t, fake)
	loginAs(t, c, fake, freshResult(t, "user-1"))

	p, err := c.GetUser(context.Background(), token.HasZkEvm)
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if p != nil {
		t.Fatalf("predicate should withhold an unregistered profile, got %+v", p)
	}

	// The unnarrowed read still works.
	p, err = c.GetUser(context.Background())
	if err != nil || p == nil {
		t.Fatalf("plain GetUser failed: %+v / %v", p, err)
	}
}

func TestLogoutRedirectMode(t *testing.T) {
	fake := &fakeUserManager{}
	c := newTestCoordinator(t, fake)
	loginAs(t, c, fake, freshResult(t, "user-1"))

	url, err := c.Logout(context.Background())
	if err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	if url == "" {
		t.Fatalf("redirect mode should return the end-session URL")
	}
	if c.State() != StateAnonymous {
		t.Fatalf("expected anonymous, got %v", c.State())
	}
}

func TestLogoutSilentWrapsFailure(t *testing.T) {
	fake := &fakeUserManager{signoutErr: errors.New("iframe blocked")}
	c := NewCoordinator(fake, Config{
		ClientID:    "client-1",
		RedirectURI: "https://app.example.com/callback",
		LogoutMode:  "silent",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	loginAs(t, c, fake, freshResult(t, "user-1"))

	var le *LogoutError
	if _, err := c.Logout(context.Background()); !errors.As(err, &le) {
		t.Fatalf("expected LogoutError, got %v", err)
	}
	// Local session is cleared even when the provider call failed.
	if c.State() != StateAnonymous {
		t.Fatalf("expected anonymous after failed logout, got %v", c.State())
	}
}

func TestLogoutDuringRefreshWins(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeUserManager{silentGate: gate}
	c := newTestCoordinator(t, fake)
	loginAs(t, c, fake, expiredResult(t, "user-1"))
	fake.silentResult = freshResult(t, "user-1")

	done := make(chan struct{})
	var p *token.Profile
	var err error
	go func() {
		p, err = c.GetUser(context.Background())
		close(done)
	}()

	// Wait for the renewal to be in flight, then log out underneath it.
	for atomic.LoadInt32(&fake.silentCalls) == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, lerr := c.Logout(context.Background()); lerr != nil {
		t.Fatalf("Logout returned error: %v", lerr)
	}
	close(gate)
	<-done

	if err != nil {
		t.Fatalf("superseded refresh should not error, got %v", err)
	}
	if p != nil {
		t.Fatalf("superseded refresh should not resurrect a session, got %+v", p)
	}
	if c.State() != StateAnonymous {
		t.Fatalf("expected anonymous after logout, got %v", c.State())
	}
}
