package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"passportd/token"
)

// Trigger names the reason the session callback runs.
type Trigger string

const (
	TriggerSignIn Trigger = "signIn"
	TriggerUpdate Trigger = "update"
)

// SessionUpdate carries caller-provided session mutations. Pointer fields
// distinguish "not provided" from "set to empty".
type SessionUpdate struct {
	ForceRefresh       bool         `json:"forceRefresh,omitempty"`
	AccessToken        *string      `json:"accessToken,omitempty"`
	RefreshToken       *string      `json:"refreshToken,omitempty"`
	IDToken            *string      `json:"idToken,omitempty"`
	AccessTokenExpires *json.Number `json:"accessTokenExpires,omitempty"`
}

// Credentials is the client-submitted sign-in payload. The server does not
// trust the profile it carries; Authorize re-validates the subject against
// the identity provider before a session is created.
type Credentials struct {
	Profile struct {
		Sub      string `json:"sub"`
		Email    string `json:"email,omitempty"`
		Nickname string `json:"nickname,omitempty"`
	} `json:"profile"`
	AccessToken        string      `json:"accessToken"`
	RefreshToken       string      `json:"refreshToken,omitempty"`
	IDToken            string      `json:"idToken,omitempty"`
	AccessTokenExpires json.Number `json:"accessTokenExpires"`
}

var (
	ErrMalformedCredentials = errors.New("malformed credentials")
	ErrUserIDMismatch       = errors.New("userinfo subject does not match submitted profile")
)

// Refresher exchanges a refresh token for new tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (token.RefreshResult, error)
}

// IdentityFetcher resolves the provider-validated identity behind an access
// token.
type IdentityFetcher interface {
	Userinfo(ctx context.Context, accessToken string) (token.Userinfo, error)
}

// Callback implements the per-request session maintenance: sign-in
// validation, expiry-driven refresh, and caller-requested updates. It holds
// no per-session state; every decision derives from the session value the
// request carried.
type Callback struct {
	refresher Refresher
	identity  IdentityFetcher
	logger    *slog.Logger
	buffer    time.Duration
	now       func() time.Time
}

// NewCallback wires the callback against a token client. A nil buffer
// duration falls back to the default refresh buffer.
func NewCallback(refresher Refresher, identity IdentityFetcher, buffer time.Duration, logger *slog.Logger) *Callback {
	if buffer <= 0 {
		buffer = token.DefaultRefreshBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Callback{
		refresher: refresher,
		identity:  identity,
		logger:    logger,
		buffer:    buffer,
		now:       time.Now,
	}
}

// Authorize validates client-submitted credentials into a fresh session.
// The access token is round-tripped to the provider's userinfo endpoint and
// the returned subject must match the submitted profile; a forged local
// profile cannot pass without a provider-issued sub. Returns a nil session
// with a sentinel error when authentication is rejected.
func (c *Callback) Authorize(ctx context.Context, cred Credentials) (*Session, error) {
	if cred.AccessToken == "" || cred.Profile.Sub == "" {
		return nil, ErrMalformedCredentials
	}
	expires := token.EpochMillis(cred.AccessTokenExpires)
	if expires <= 0 {
		return nil, ErrMalformedCredentials
	}

	info, err := c.identity.Userinfo(ctx, cred.AccessToken)
	if err != nil {
		c.logger.Warn("userinfo validation failed", "error", err)
		return nil, ErrMalformedCredentials
	}
	if info.Sub != cred.Profile.Sub {
		c.logger.Warn("rejecting sign-in with mismatched subject",
			"submitted", cred.Profile.Sub, "validated", info.Sub)
		return nil, ErrUserIDMismatch
	}

	sess := Session{
		Sub:                info.Sub,
		Email:              info.Email,
		Nickname:           info.Nickname,
		AccessToken:        cred.AccessToken,
		RefreshToken:       cred.RefreshToken,
		IDToken:            cred.IDToken,
		AccessTokenExpires: expires,
		ZkEvm:              token.ExtractZkEvm(cred.IDToken),
	}
	if sess.Email == "" {
		sess.Email = cred.Profile.Email
	}
	if sess.Nickname == "" {
		sess.Nickname = cred.Profile.Nickname
	}
	return &sess, nil
}

// OnRequest maintains an existing session for one request. It never returns
// an error: failure states are recorded in the session's Error field so a
// framework-invoked callback cannot corrupt the request lifecycle.
func (c *Callback) OnRequest(ctx context.Context, sess Session, trigger Trigger, update *SessionUpdate) Session {
	if trigger == TriggerUpdate && update != nil {
		if update.ForceRefresh {
			// Forced after a rollup-registration event so newly granted
			// claims become visible regardless of expiry.
			return c.refresh(ctx, sess, "forced refresh")
		}
		return mergeUpdate(sess, update)
	}

	if !token.IsExpired(sess.AccessTokenExpires, c.buffer) {
		return sess
	}

	if sess.RefreshToken != "" {
		return c.refresh(ctx, sess, "session refresh")
	}

	sess.Error = token.ErrorTokenExpired
	return sess
}

// refresh runs the refresh grant and merges the result. On failure the
// session keeps its old tokens with the error recorded so the caller can
// force re-login without losing session data. A refreshed ID token without
// registration claims falls back to the previous zkEvm identity: once
// granted, registration must not silently disappear.
func (c *Callback) refresh(ctx context.Context, sess Session, what string) Session {
	res, err := c.refresher.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		c.logger.Warn(what+" failed", "sub", sess.Sub, "error", err)
		sess.Error = token.ErrorRefreshToken
		return sess
	}
	next := applyRefresh(sess, res)
	if zk := token.ExtractZkEvm(res.IDToken); zk != nil {
		next.ZkEvm = zk
	}
	return next
}

// applyRefresh merges a successful refresh result into the session. A
// response omitting the refresh or ID token keeps the previous one.
func applyRefresh(sess Session, res token.RefreshResult) Session {
	sess.AccessToken = res.AccessToken
	sess.AccessTokenExpires = res.AccessTokenExpires
	if res.RefreshToken != "" {
		sess.RefreshToken = res.RefreshToken
	}
	if res.IDToken != "" {
		sess.IDToken = res.IDToken
	}
	sess.Error = token.ErrorNone
	return sess
}

// mergeUpdate shallow-merges only the explicitly provided fields and clears
// any stale error. Used to sync tokens refreshed client-side back into the
// server-persisted session.
func mergeUpdate(sess Session, update *SessionUpdate) Session {
	if update.AccessToken != nil {
		sess.AccessToken = *update.AccessToken
	}
	if update.RefreshToken != nil {
		sess.RefreshToken = *update.RefreshToken
	}
	if update.IDToken != nil {
		sess.IDToken = *update.IDToken
		if zk := token.ExtractZkEvm(*update.IDToken); zk != nil {
			sess.ZkEvm = zk
		}
	}
	if update.AccessTokenExpires != nil {
		sess.AccessTokenExpires = token.EpochMillis(*update.AccessTokenExpires)
	}
	sess.Error = token.ErrorNone
	return sess
}
