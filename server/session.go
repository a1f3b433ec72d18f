package server

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"

	"passportd/token"
)

// Session is the externally-persisted unit: profile fields plus token
// fields. The server holds no other state; every request reconstructs the
// session from the cookie and writes back the updated value for the next
// request.
type Session struct {
	Sub                string               `json:"sub"`
	Email              string               `json:"email,omitempty"`
	Nickname           string               `json:"nickname,omitempty"`
	AccessToken        string               `json:"accessToken"`
	RefreshToken       string               `json:"refreshToken,omitempty"`
	IDToken            string               `json:"idToken,omitempty"`
	AccessTokenExpires int64                `json:"accessTokenExpires"`
	ZkEvm              *token.ZkEvmIdentity `json:"zkEvm,omitempty"`
	Error              token.ErrorKind      `json:"error,omitempty"`
}

// Authenticated reports whether calling code may trust the access token.
// A session carrying any error kind is not authenticated even though stale
// profile fields are still present.
func (s Session) Authenticated() bool {
	return s.Error == token.ErrorNone && s.AccessToken != ""
}

// Profile projects the typed user identity out of the session.
func (s Session) Profile() token.Profile {
	return token.Profile{
		Sub:      s.Sub,
		Email:    s.Email,
		Nickname: s.Nickname,
		ZkEvm:    s.ZkEvm,
		Imx:      token.ExtractImx(s.IDToken),
	}
}

const cookieKeyInfo = "passportd session cookie v1"

// SessionCodec encrypts sessions into a compact JWE for cookie transport.
// The ID token is stripped from the encoded form: it pushes the cookie past
// transport size limits and is re-derivable, while the in-request session
// object keeps it.
type SessionCodec struct {
	key []byte
}

// NewSessionCodec derives the cookie encryption key from the configured
// secret.
func NewSessionCodec(secret string) (*SessionCodec, error) {
	if secret == "" {
		return nil, fmt.Errorf("cookie secret required")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(cookieKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive cookie key: %w", err)
	}
	return &SessionCodec{key: key}, nil
}

// Encode serializes and encrypts the session, omitting the ID token.
func (c *SessionCodec) Encode(sess Session) (string, error) {
	sess.IDToken = ""
	return c.seal(sess)
}

// Decode decrypts and deserializes a cookie value.
func (c *SessionCodec) Decode(raw string) (Session, error) {
	var sess Session
	if err := c.open(raw, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// seal encrypts an arbitrary value into a compact JWE.
func (c *SessionCodec) seal(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal cookie payload: %w", err)
	}

	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: c.key},
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("build encrypter: %w", err)
	}

	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt cookie payload: %w", err)
	}
	return obj.CompactSerialize()
}

func (c *SessionCodec) open(raw string, v any) error {
	obj, err := jose.ParseEncrypted(raw)
	if err != nil {
		return fmt.Errorf("parse cookie: %w", err)
	}
	payload, err := obj.Decrypt(c.key)
	if err != nil {
		return fmt.Errorf("decrypt cookie: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal cookie payload: %w", err)
	}
	return nil
}

// CookieManager reads and writes the encrypted session cookie.
type CookieManager struct {
	codec    *SessionCodec
	logger   *slog.Logger
	name     string
	domain   string
	maxAge   time.Duration
	secure   bool
	sameSite http.SameSite
}

// NewCookieManager constructs a cookie manager honouring config.
func NewCookieManager(cfg Config, logger *slog.Logger) (*CookieManager, error) {
	codec, err := NewSessionCodec(cfg.Cookie.Secret)
	if err != nil {
		return nil, err
	}

	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}

	maxAge := cfg.Cookie.MaxAge
	if maxAge <= 0 || maxAge > CookieMaxAgeCeiling {
		maxAge = CookieMaxAgeCeiling
	}

	name := cfg.Cookie.Name
	if name == "" {
		name = DefaultCookieName
	}

	return &CookieManager{
		codec:    codec,
		logger:   logger,
		name:     name,
		domain:   cfg.Cookie.Domain,
		maxAge:   maxAge,
		secure:   !cfg.Server.DevMode,
		sameSite: sameSite,
	}, nil
}

// Read returns the session carried by the request cookie, if any. An
// unreadable cookie (tampered, re-keyed) counts as no session.
func (cm *CookieManager) Read(r *http.Request) (Session, bool) {
	cookie, err := r.Cookie(cm.name)
	if err != nil || cookie.Value == "" {
		return Session{}, false
	}
	sess, err := cm.codec.Decode(cookie.Value)
	if err != nil {
		cm.logger.Warn("discarding unreadable session cookie", "error", err)
		return Session{}, false
	}
	return sess, true
}

// Write persists the session into the response cookie.
func (cm *CookieManager) Write(w http.ResponseWriter, sess Session) error {
	value, err := cm.codec.Encode(sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cm.name,
		Value:    value,
		Path:     "/",
		Domain:   cm.domain,
		HttpOnly: true,
		Secure:   cm.secure,
		SameSite: cm.sameSite,
		MaxAge:   int(cm.maxAge.Seconds()),
	})
	return nil
}

// Clear removes the session cookie for logout.
func (cm *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cm.name,
		Value:    "",
		Path:     "/",
		Domain:   cm.domain,
		HttpOnly: true,
		Secure:   cm.secure,
		SameSite: cm.sameSite,
		MaxAge:   -1,
	})
}
