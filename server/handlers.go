package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"passportd/token"
)

const loginCookieName = "passport_login"

// loginStateTTL bounds how long an interrupted login round-trip stays valid.
const loginStateTTL = 10 * time.Minute

// App bundles runtime dependencies for the HTTP gateway.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Cookies  *CookieManager
	Callback *Callback
	Tokens   *token.Client
	OAuth    oauth2.Config
	Verifier *oidc.IDTokenVerifier
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	cookies, err := NewCookieManager(cfg, logger)
	if err != nil {
		return nil, err
	}

	domain := strings.TrimSuffix(cfg.Passport.AuthenticationDomain, "/")
	tokens := token.NewClient(domain, cfg.Passport.ClientID, nil, logger)
	callback := NewCallback(tokens, tokens, cfg.Passport.RefreshBuffer, logger)

	keySet := oidc.NewRemoteKeySet(ctx, domain+"/.well-known/jwks.json")
	verifier := oidc.NewVerifier(domain+"/", keySet, &oidc.Config{
		ClientID: cfg.Passport.ClientID,
	})

	oauthCfg := oauth2.Config{
		ClientID:    cfg.Passport.ClientID,
		RedirectURL: cfg.Passport.RedirectURI(cfg.Server.PublicURL),
		Scopes:      strings.Fields(cfg.Passport.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:   domain + "/authorize",
			TokenURL:  domain + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Cookies:  cookies,
		Callback: callback,
		Tokens:   tokens,
		OAuth:    oauthCfg,
		Verifier: verifier,
	}, nil
}

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.AllowedOrigins))

	r.Get("/healthz", a.handleHealthz)

	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/logout", a.handleLogout)

	r.Get("/session", a.handleSessionRead)
	r.Post("/session", a.handleSessionUpdate)
	r.Post("/session/signin", a.handleSignin)

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loginState is the transient round-trip state for the authorization-code
// flow, sealed into a short-lived cookie so the gateway stays stateless.
type loginState struct {
	State      string `json:"state"`
	Nonce      string `json:"nonce"`
	Verifier   string `json:"verifier"`
	ReturnPath string `json:"returnPath,omitempty"`
	IssuedAt   int64  `json:"issuedAt"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	ls := loginState{
		State:      oauth2.GenerateVerifier(),
		Nonce:      oauth2.GenerateVerifier(),
		Verifier:   oauth2.GenerateVerifier(),
		ReturnPath: safeReturnPath(r.URL.Query().Get("return_to")),
		IssuedAt:   time.Now().Unix(),
	}

	value, err := a.Cookies.codec.seal(ls)
	if err != nil {
		a.Logger.Error("sealing login state failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.Cookies.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(loginStateTTL.Seconds()),
	})

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(ls.Verifier),
		oidc.Nonce(ls.Nonce),
	}
	if a.Config.Passport.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", a.Config.Passport.Audience))
	}

	http.Redirect(w, r, a.OAuth.AuthCodeURL(ls.State, opts...), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ls, ok := a.readLoginState(r)
	a.clearLoginState(w)
	if !ok {
		http.Error(w, "login flow not started or expired", http.StatusBadRequest)
		return
	}
	if errCode := r.URL.Query().Get("error"); errCode != "" {
		a.Logger.Warn("authorization denied", "error", errCode,
			"description", r.URL.Query().Get("error_description"))
		http.Error(w, "authorization denied: "+errCode, http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("state") != ls.State {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}

	tok, err := a.OAuth.Exchange(r.Context(), r.URL.Query().Get("code"),
		oauth2.VerifierOption(ls.Verifier))
	if err != nil {
		a.Logger.Warn("code exchange failed", "error", err)
		http.Error(w, "code exchange failed", http.StatusUnauthorized)
		return
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		http.Error(w, "token response missing id_token", http.StatusUnauthorized)
		return
	}
	idToken, err := a.Verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		a.Logger.Warn("id token verification failed", "error", err)
		http.Error(w, "invalid id token", http.StatusUnauthorized)
		return
	}
	if idToken.Nonce != ls.Nonce {
		http.Error(w, "nonce mismatch", http.StatusUnauthorized)
		return
	}

	var claims struct {
		Email    string `json:"email"`
		Nickname string `json:"nickname"`
	}
	_ = idToken.Claims(&claims)

	sess := Session{
		Sub:                idToken.Subject,
		Email:              claims.Email,
		Nickname:           claims.Nickname,
		AccessToken:        tok.AccessToken,
		RefreshToken:       tok.RefreshToken,
		IDToken:            rawIDToken,
		AccessTokenExpires: token.AccessTokenExpiry(tok.AccessToken, time.Now()),
		ZkEvm:              token.ExtractZkEvm(rawIDToken),
	}
	if err := a.Cookies.Write(w, sess); err != nil {
		a.Logger.Error("writing session cookie failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	dest := ls.ReturnPath
	if dest == "" {
		dest = "/"
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

// handleSessionRead runs the expiry-driven maintenance branch and returns
// the full session, ID token included. The cookie written back omits the ID
// token; the read path is the only place it surfaces.
func (a *App) handleSessionRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Cookies.Read(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "no session")
		return
	}

	prevIDToken := sess.IDToken
	next := a.Callback.OnRequest(r.Context(), sess, "", nil)
	if next.IDToken == "" {
		next.IDToken = prevIDToken
	}

	if err := a.Cookies.Write(w, next); err != nil {
		a.Logger.Error("writing session cookie failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (a *App) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Cookies.Read(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "no session")
		return
	}

	var update SessionUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid session update: "+err.Error())
		return
	}

	next := a.Callback.OnRequest(r.Context(), sess, TriggerUpdate, &update)
	if err := a.Cookies.Write(w, next); err != nil {
		a.Logger.Error("writing session cookie failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// handleSignin accepts tokens obtained client-side and promotes them into a
// server session after provider-side validation of the submitted subject.
func (a *App) handleSignin(w http.ResponseWriter, r *http.Request) {
	var cred Credentials
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid credentials payload: "+err.Error())
		return
	}

	sess, err := a.Callback.Authorize(r.Context(), cred)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrMalformedCredentials) {
			status = http.StatusBadRequest
		}
		writeJSONError(w, status, err.Error())
		return
	}

	if err := a.Cookies.Write(w, *sess); err != nil {
		a.Logger.Error("writing session cookie failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, *sess)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Cookies.Clear(w)
	a.clearLoginState(w)

	if a.Config.Passport.LogoutMode == "silent" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, a.Tokens.LogoutURL(a.Config.Passport.LogoutRedirectURI), http.StatusFound)
}

func (a *App) readLoginState(r *http.Request) (loginState, bool) {
	cookie, err := r.Cookie(loginCookieName)
	if err != nil || cookie.Value == "" {
		return loginState{}, false
	}
	var ls loginState
	if err := a.Cookies.codec.open(cookie.Value, &ls); err != nil {
		a.Logger.Warn("discarding unreadable login cookie", "error", err)
		return loginState{}, false
	}
	if time.Since(time.Unix(ls.IssuedAt, 0)) > loginStateTTL {
		return loginState{}, false
	}
	return ls, true
}

func (a *App) clearLoginState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.Cookies.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// safeReturnPath only allows same-origin relative paths as post-login
// destinations.
func safeReturnPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return ""
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
