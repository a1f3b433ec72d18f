package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Expiry defaults shared by the client coordinator and the server callback.
const (
	// DefaultRefreshBuffer refreshes access tokens this long before their
	// real expiry so in-flight requests do not race provider clock skew.
	DefaultRefreshBuffer = 30 * time.Second

	// IDTokenSkew is the leeway applied when checking ID token expiry.
	IDTokenSkew = 10 * time.Second

	// FallbackAccessTokenTTL is assumed when a refreshed access token does
	// not carry a parsable exp claim. Short-lived on purpose: an unknown
	// lifetime must never be treated as indefinitely valid.
	FallbackAccessTokenTTL = 15 * time.Minute
)

// ErrorKind marks a session-level authentication failure that is persisted
// alongside stale token data. Callers must treat a session carrying any
// ErrorKind as not authenticated, even when profile fields are still present.
type ErrorKind string

const (
	ErrorNone         ErrorKind = ""
	ErrorRefreshToken ErrorKind = "RefreshTokenError"
	ErrorTokenExpired ErrorKind = "TokenExpired"
)

// TokenSet bundles the tokens issued for one session.
//
// AccessTokenExpires is epoch milliseconds. A value <= 0 means the expiry is
// unknown or malformed and the token is treated as already expired: every
// lenient parse path in this package maps non-numeric, NaN, or infinite
// input to 0 so that bad data fails safe rather than open.
type TokenSet struct {
	AccessToken        string    `json:"accessToken"`
	RefreshToken       string    `json:"refreshToken,omitempty"`
	IDToken            string    `json:"idToken,omitempty"`
	AccessTokenExpires int64     `json:"accessTokenExpires"`
	Error              ErrorKind `json:"error,omitempty"`
}

// RefreshResult is the normalized output of a refresh_token grant,
// independent of whether the client or the server performed it.
type RefreshResult struct {
	AccessToken        string
	RefreshToken       string
	IDToken            string
	AccessTokenExpires int64
}

// IsExpired reports whether an access token expiring at expiresAtMs (epoch
// milliseconds) should be considered unusable. Malformed expiries
// (expiresAtMs <= 0) always count as expired.
func IsExpired(expiresAtMs int64, buffer time.Duration) bool {
	return isExpiredAt(expiresAtMs, buffer, time.Now())
}

func isExpiredAt(expiresAtMs int64, buffer time.Duration, now time.Time) bool {
	if expiresAtMs <= 0 {
		return true
	}
	return now.UnixMilli() >= expiresAtMs-buffer.Milliseconds()
}

// IsIDTokenExpired decodes the ID token body without verification and
// compares its exp claim against now minus a small skew. An empty token is
// not expired: some flows legitimately omit the ID token, and absence must
// not be conflated with expiry.
func IsIDTokenExpired(idToken string) bool {
	return isIDTokenExpiredAt(idToken, time.Now())
}

func isIDTokenExpiredAt(idToken string, now time.Time) bool {
	if idToken == "" {
		return false
	}
	claims, err := DecodeUnverified(idToken)
	if err != nil {
		return true
	}
	exp := claimSeconds(claims["exp"])
	if exp <= 0 {
		return true
	}
	return exp < now.Add(-IDTokenSkew).Unix()
}

// AccessTokenExpiry derives the epoch-millisecond expiry of an access token
// from its exp claim. When the token is not a parsable JWT or lacks exp, it
// falls back to now plus FallbackAccessTokenTTL.
func AccessTokenExpiry(accessToken string, now time.Time) int64 {
	claims, err := DecodeUnverified(accessToken)
	if err == nil {
		if exp := claimSeconds(claims["exp"]); exp > 0 {
			return exp * 1000
		}
	}
	return now.Add(FallbackAccessTokenTTL).UnixMilli()
}

// DecodeUnverified splits a JWT into its three dot-separated segments and
// decodes the middle one as JSON. No signature or issuer check is performed:
// this is convenience decoding for claim enrichment, never a trust boundary.
// Trust decisions go through the provider-verified paths instead.
func DecodeUnverified(raw string) (map[string]any, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed JWT: expected 3 segments, got %d", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode JWT payload: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal JWT claims: %w", err)
	}
	return claims, nil
}

// EpochMillis converts a loosely-typed expiry value (JSON number, string, or
// native integer) into epoch milliseconds. Anything non-numeric, NaN,
// infinite, or non-positive becomes 0, which IsExpired treats as expired.
func EpochMillis(v any) int64 {
	switch t := v.(type) {
	case int64:
		if t <= 0 {
			return 0
		}
		return t
	case int:
		return EpochMillis(int64(t))
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
			return 0
		}
		return int64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return EpochMillis(f)
	case string:
		var n json.Number = json.Number(strings.TrimSpace(t))
		return EpochMillis(n)
	default:
		return 0
	}
}

func claimSeconds(v any) int64 {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0
		}
		return int64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return claimSeconds(f)
	case int64:
		return t
	default:
		return 0
	}
}
