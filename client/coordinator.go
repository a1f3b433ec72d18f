package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"passportd/token"
)

// State tracks where the coordinator sits in the session lifecycle.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type session struct {
	profile token.Profile
	tokens  token.TokenSet
}

// Coordinator owns the live in-process session: it sequences login, silent
// renewal, and logout over a UserManager and guarantees at most one
// concurrent refresh per session.
//
// All methods are safe for concurrent use. The single-flight group is owned
// by the instance, so multiple coordinators in one process never share or
// contaminate each other's refresh state.
type Coordinator struct {
	um     UserManager
	buffer time.Duration
	mode   string
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	sess         *session
	pendingState string
	pendingNonce string
	// generation increments on every login and logout. A refresh that
	// settles under a stale generation is discarded, which pins down the
	// otherwise unspecified interleaving of logout with an in-flight
	// renewal: logout wins.
	generation uint64

	flight singleflight.Group
}

// NewCoordinator builds a coordinator over the given user manager.
func NewCoordinator(um UserManager, cfg Config) *Coordinator {
	cfg.normalize()
	return &Coordinator{
		um:     um,
		buffer: cfg.RefreshBuffer,
		mode:   cfg.LogoutMode,
		logger: cfg.Logger,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginLogin starts an interactive login and returns the authorization URL
// the user must visit. The coordinator enters Authenticating.
func (c *Coordinator) BeginLogin() string {
	state := randomToken()
	nonce := randomToken()

	c.mu.Lock()
	c.state = StateAuthenticating
	c.pendingState = state
	c.pendingNonce = nonce
	c.generation++
	c.mu.Unlock()

	return c.um.AuthCodeURL(state, nonce)
}

// CompleteLogin finishes the interactive flow with the state and code
// returned on the redirect. On success the coordinator is Authenticated and
// the derived profile is returned.
func (c *Coordinator) CompleteLogin(ctx context.Context, state, code string) (*token.Profile, error) {
	c.mu.Lock()
	expectedState := c.pendingState
	nonce := c.pendingNonce
	gen := c.generation
	c.mu.Unlock()

	if state == "" || state != expectedState {
		return nil, &AuthenticationError{Err: fmt.Errorf("login state mismatch")}
	}

	res, err := c.um.Exchange(ctx, state, code, nonce)
	if err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.state = StateAnonymous
			c.pendingState = ""
			c.pendingNonce = ""
		}
		c.mu.Unlock()
		return nil, &AuthenticationError{Err: err}
	}

	profile := token.DeriveProfile(res.Sub, res.Email, res.Nickname, res.IDToken)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		// Logged out (or re-logged in) while the exchange was in flight.
		return nil, &AuthenticationError{Err: fmt.Errorf("login superseded")}
	}
	c.state = StateAuthenticated
	c.pendingState = ""
	c.pendingNonce = ""
	c.sess = &session{profile: profile, tokens: tokensFromResult(res)}
	c.logger.Info("login complete", "sub", profile.Sub, "registration", profile.Registration().String())

	out := profile
	return &out, nil
}

// GetUser returns the current profile, silently renewing the session first
// when the access token is inside the expiry buffer. It returns (nil, nil)
// when no authenticated user is available: anonymous, expired without a
// refresh token, or a profile that fails one of the predicates.
//
// Overlapping callers share a single underlying refresh; they all observe
// the same renewed profile or the same error.
func (c *Coordinator) GetUser(ctx context.Context, preds ...token.Predicate) (*token.Profile, error) {
	c.mu.Lock()
	switch c.state {
	case StateAuthenticated, StateRefreshing:
	default:
		c.mu.Unlock()
		return nil, nil
	}

	sess := c.sess
	if !token.IsExpired(sess.tokens.AccessTokenExpires, c.buffer) {
		p := sess.profile
		c.mu.Unlock()
		return applyPredicates(&p, preds), nil
	}

	if sess.tokens.RefreshToken == "" {
		c.state = StateExpired
		c.sess.tokens.Error = token.ErrorTokenExpired
		c.mu.Unlock()
		return nil, nil
	}
	c.mu.Unlock()

	p, err := c.refreshShared(ctx)
	if err != nil {
		return nil, err
	}
	return applyPredicates(p, preds), nil
}

// ForceUserRefresh renews the session regardless of expiry, picking up
// claims granted since the last token was issued (for example after a
// rollup registration). Concurrent forced refreshes collapse into one.
func (c *Coordinator) ForceUserRefresh(ctx context.Context) (*token.Profile, error) {
	c.mu.Lock()
	switch c.state {
	case StateAuthenticated, StateRefreshing:
	default:
		c.mu.Unlock()
		return nil, nil
	}
	// Forcing past the expiry check is done by marking the cached expiry
	// stale before taking the shared path.
	c.sess.tokens.AccessTokenExpires = 0
	c.mu.Unlock()

	return c.refreshShared(ctx)
}

// TokenSet returns a copy of the live tokens, renewing them first when
// stale. Callers must check Error before trusting AccessToken.
func (c *Coordinator) TokenSet(ctx context.Context) (token.TokenSet, error) {
	if _, err := c.GetUser(ctx); err != nil {
		return token.TokenSet{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return token.TokenSet{}, nil
	}
	return c.sess.tokens, nil
}

// Logout clears the local session and runs the configured logout flow. In
// redirect mode it returns the end-session URL the caller must navigate to;
// in silent mode it returns "". Failures are wrapped into a LogoutError,
// but the local session is gone either way.
func (c *Coordinator) Logout(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.state = StateAnonymous
	c.sess = nil
	c.pendingState = ""
	c.pendingNonce = ""
	c.generation++
	mode := c.mode
	c.mu.Unlock()

	if mode == "silent" {
		if err := c.um.SignoutSilent(ctx); err != nil {
			return "", &LogoutError{Err: err}
		}
		return "", nil
	}
	return c.um.SignoutRedirectURL(""), nil
}

// refreshShared funnels every renewal through the per-session single-flight
// key: at most one network refresh runs at a time, and every concurrent
// caller settles on its outcome.
func (c *Coordinator) refreshShared(ctx context.Context) (*token.Profile, error) {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return nil, nil
	}
	gen := c.generation
	key := fmt.Sprintf("%s#%d", c.sess.profile.Sub, gen)
	c.state = StateRefreshing
	c.mu.Unlock()

	v, err, _ := c.flight.Do(key, func() (any, error) {
		c.mu.Lock()
		if c.generation != gen || c.sess == nil {
			c.mu.Unlock()
			return nil, nil
		}
		// A caller that queued behind a settled refresh sees the renewed
		// token here and skips the network round-trip.
		if !token.IsExpired(c.sess.tokens.AccessTokenExpires, c.buffer) {
			p := c.sess.profile
			c.mu.Unlock()
			return &p, nil
		}
		refreshToken := c.sess.tokens.RefreshToken
		prev := c.sess.profile
		c.mu.Unlock()

		res, err := c.um.SigninSilent(ctx, refreshToken)
		if err != nil {
			return nil, err
		}

		profile := prev
		if res.IDToken != "" {
			profile = token.DeriveProfile(res.Sub, res.Email, res.Nickname, res.IDToken)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation != gen || c.sess == nil {
			return nil, nil
		}
		tokens := tokensFromResult(res)
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = refreshToken
		}
		if tokens.IDToken == "" {
			tokens.IDToken = c.sess.tokens.IDToken
		}
		c.sess = &session{profile: profile, tokens: tokens}
		c.state = StateAuthenticated

		out := profile
		return &out, nil
	})

	if err != nil {
		c.mu.Lock()
		if c.generation == gen && c.sess != nil {
			c.state = StateExpired
			c.sess.tokens.Error = token.ErrorRefreshToken
		}
		c.mu.Unlock()
		c.logger.Warn("silent renew failed", "error", err)
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*token.Profile), nil
}

func tokensFromResult(res *AuthResult) token.TokenSet {
	return token.TokenSet{
		AccessToken:        res.AccessToken,
		RefreshToken:       res.RefreshToken,
		IDToken:            res.IDToken,
		AccessTokenExpires: res.AccessTokenExpires,
	}
}

func applyPredicates(p *token.Profile, preds []token.Predicate) *token.Profile {
	for _, pred := range preds {
		if !pred(p) {
			return nil
		}
	}
	return p
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	}
	return hex.EncodeToString(buf)
}
