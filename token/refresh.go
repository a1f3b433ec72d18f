package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAuthenticationDomain is the production authentication domain used
// when configuration leaves the domain empty.
const DefaultAuthenticationDomain = "https://auth.immutable.com"

// Endpoint paths relative to the authentication domain.
const (
	tokenPath    = "/oauth/token"
	userinfoPath = "/userinfo"
	logoutPath   = "/v2/logout"
)

// RefreshError reports a refresh grant rejected by the provider. Message
// carries the most specific detail the provider offered.
type RefreshError struct {
	StatusCode int
	Message    string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh token grant rejected: %s", e.Message)
}

// Userinfo is the provider-validated identity returned from the userinfo
// endpoint.
type Userinfo struct {
	Sub      string `json:"sub"`
	Email    string `json:"email,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// Client performs refresh_token grants and userinfo lookups against the
// authentication domain. It is safe for concurrent use.
type Client struct {
	authDomain string
	clientID   string
	http       *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient constructs a Client with sane defaults. Pass a nil httpClient to
// use a 30 second timeout client.
func NewClient(authDomain, clientID string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		authDomain: strings.TrimSuffix(authDomain, "/"),
		clientID:   clientID,
		http:       httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Refresh exchanges a refresh token for fresh tokens and normalizes the
// response. The result's AccessTokenExpires is derived from the returned
// access token's exp claim, falling back to a short conservative TTL when
// the token is unparsable.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	if refreshToken == "" {
		return RefreshResult{}, &RefreshError{Message: "refresh token required"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.clientID)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authDomain+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := refreshFailureMessage(body, resp.StatusCode)
		c.logger.Warn("refresh grant rejected", "status", resp.StatusCode, "error", msg)
		return RefreshResult{}, &RefreshError{StatusCode: resp.StatusCode, Message: msg}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return RefreshResult{}, &RefreshError{StatusCode: resp.StatusCode, Message: "malformed token response"}
	}
	if payload.AccessToken == "" {
		return RefreshResult{}, &RefreshError{StatusCode: resp.StatusCode, Message: "token response missing access_token"}
	}

	return RefreshResult{
		AccessToken:        payload.AccessToken,
		RefreshToken:       payload.RefreshToken,
		IDToken:            payload.IDToken,
		AccessTokenExpires: AccessTokenExpiry(payload.AccessToken, c.now()),
	}, nil
}

// Userinfo round-trips the access token to the provider's userinfo endpoint
// and returns the identity the provider vouches for.
func (c *Client) Userinfo(ctx context.Context, accessToken string) (Userinfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authDomain+userinfoPath, nil)
	if err != nil {
		return Userinfo{}, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return Userinfo{}, fmt.Errorf("call userinfo endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Userinfo{}, fmt.Errorf("userinfo failed: %s", resp.Status)
	}

	var info Userinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Userinfo{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return Userinfo{}, fmt.Errorf("userinfo missing sub")
	}
	return info, nil
}

// LogoutURL builds the redirect-mode end-session URL.
func (c *Client) LogoutURL(returnTo string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	if returnTo != "" {
		q.Set("returnTo", returnTo)
	}
	return c.authDomain + logoutPath + "?" + q.Encode()
}

// refreshFailureMessage extracts the most specific message the provider
// offered: error_description, then error, then the raw body, then a generic
// status line.
func refreshFailureMessage(body []byte, status int) string {
	var detail struct {
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"error"`
	}
	if err := json.Unmarshal(body, &detail); err == nil {
		if detail.ErrorDescription != "" {
			return detail.ErrorDescription
		}
		if detail.ErrorCode != "" {
			return detail.ErrorCode
		}
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("token refresh failed with status %d", status)
}
