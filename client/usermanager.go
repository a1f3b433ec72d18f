package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"passportd/token"
)

// AuthResult is the resolved outcome of a sign-in or silent renew.
type AuthResult struct {
	IDToken            string
	AccessToken        string
	RefreshToken       string
	AccessTokenExpires int64
	Sub                string
	Email              string
	Nickname           string
}

// UserManager is the OIDC protocol engine the coordinator drives.
// Implementations own flow mechanics (PKCE, redirects, signature
// verification); the coordinator only sequences them.
type UserManager interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, state, code, expectedNonce string) (*AuthResult, error)
	SigninSilent(ctx context.Context, refreshToken string) (*AuthResult, error)
	SignoutSilent(ctx context.Context) error
	SignoutRedirectURL(returnTo string) string
}

// Config captures the options an application supplies to build a session
// coordinator.
type Config struct {
	ClientID             string
	RedirectURI          string
	LogoutRedirectURI    string
	Audience             string
	Scope                string
	AuthenticationDomain string
	// LogoutMode selects "redirect" or "silent"; redirect is the default.
	LogoutMode string
	// RefreshBuffer widens the expiry check; zero means
	// token.DefaultRefreshBuffer.
	RefreshBuffer time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

func (c *Config) normalize() {
	if c.AuthenticationDomain == "" {
		c.AuthenticationDomain = token.DefaultAuthenticationDomain
	}
	c.AuthenticationDomain = strings.TrimSuffix(c.AuthenticationDomain, "/")
	if c.Scope == "" {
		c.Scope = "openid offline_access profile email"
	}
	if c.LogoutMode == "" {
		c.LogoutMode = "redirect"
	}
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = token.DefaultRefreshBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// OIDCUserManager implements UserManager against the authentication domain
// using static metadata endpoints: the domain serves /authorize,
// /oauth/token, /userinfo, /v2/logout, and a JWKS document.
type OIDCUserManager struct {
	cfg      Config
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	refresh  *token.Client
	logger   *slog.Logger

	mu        sync.Mutex
	verifiers map[string]string // login state -> PKCE code verifier
}

// NewOIDCUserManager builds the user manager. The context scopes JWKS
// fetches performed during later verification calls.
func NewOIDCUserManager(ctx context.Context, cfg Config) (*OIDCUserManager, error) {
	cfg.normalize()
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("redirect uri required")
	}

	domain := cfg.AuthenticationDomain
	keySet := oidc.NewRemoteKeySet(ctx, domain+"/.well-known/jwks.json")
	verifier := oidc.NewVerifier(domain+"/", keySet, &oidc.Config{ClientID: cfg.ClientID})

	oauthCfg := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   domain + "/authorize",
			TokenURL:  domain + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: strings.Fields(cfg.Scope),
	}

	return &OIDCUserManager{
		cfg:       cfg,
		oauth:     oauthCfg,
		verifier:  verifier,
		refresh:   token.NewClient(domain, cfg.ClientID, cfg.HTTPClient, cfg.Logger),
		logger:    cfg.Logger,
		verifiers: make(map[string]string),
	}, nil
}

// AuthCodeURL constructs the authorization request, retaining a PKCE
// verifier keyed by state for the matching Exchange call.
func (m *OIDCUserManager) AuthCodeURL(state, nonce string) string {
	verifier := oauth2.GenerateVerifier()
	m.mu.Lock()
	m.verifiers[state] = verifier
	m.mu.Unlock()

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if m.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", m.cfg.Audience))
	}
	return m.oauth.AuthCodeURL(state, opts...)
}

// Exchange completes the code exchange, verifies the ID token, and returns
// the normalized result.
func (m *OIDCUserManager) Exchange(ctx context.Context, state, code, expectedNonce string) (*AuthResult, error) {
	m.mu.Lock()
	verifier, ok := m.verifiers[state]
	delete(m.verifiers, state)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown login state")
	}

	tok, err := m.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("id_token missing in response")
	}

	idToken, err := m.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	var claims struct {
		Nonce    string `json:"nonce"`
		Email    string `json:"email"`
		Nickname string `json:"nickname"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	if expectedNonce != "" && claims.Nonce != expectedNonce {
		return nil, fmt.Errorf("nonce mismatch")
	}

	expires := tok.Expiry.UnixMilli()
	if tok.Expiry.IsZero() {
		expires = token.AccessTokenExpiry(tok.AccessToken, time.Now())
	}

	return &AuthResult{
		IDToken:            rawIDToken,
		AccessToken:        tok.AccessToken,
		RefreshToken:       tok.RefreshToken,
		AccessTokenExpires: expires,
		Sub:                idToken.Subject,
		Email:              claims.Email,
		Nickname:           claims.Nickname,
	}, nil
}

// SigninSilent renews the session with a refresh_token grant and verifies
// any ID token the provider returned.
func (m *OIDCUserManager) SigninSilent(ctx context.Context, refreshToken string) (*AuthResult, error) {
	res, err := m.refresh.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	out := &AuthResult{
		IDToken:            res.IDToken,
		AccessToken:        res.AccessToken,
		RefreshToken:       res.RefreshToken,
		AccessTokenExpires: res.AccessTokenExpires,
	}

	if res.IDToken != "" {
		idToken, err := m.verifier.Verify(ctx, res.IDToken)
		if err != nil {
			return nil, fmt.Errorf("verify refreshed id_token: %w", err)
		}
		var claims struct {
			Email    string `json:"email"`
			Nickname string `json:"nickname"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("parse refreshed claims: %w", err)
		}
		out.Sub = idToken.Subject
		out.Email = claims.Email
		out.Nickname = claims.Nickname
	}

	return out, nil
}

// SignoutSilent performs a non-interactive logout. The provider end-session
// call is fire-and-forget; local state removal is the coordinator's job.
func (m *OIDCUserManager) SignoutSilent(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.SignoutRedirectURL(""), nil)
	if err != nil {
		return fmt.Errorf("create signout request: %w", err)
	}
	httpClient := m.cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call end-session endpoint: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("end-session endpoint returned %s", resp.Status)
	}
	return nil
}

// SignoutRedirectURL builds the redirect-mode end-session URL.
func (m *OIDCUserManager) SignoutRedirectURL(returnTo string) string {
	if returnTo == "" {
		returnTo = m.cfg.LogoutRedirectURI
	}
	return m.refresh.LogoutURL(returnTo)
}
