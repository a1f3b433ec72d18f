package token

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(srv.URL, "client-1", srv.Client(), logger), srv
}

func TestRefreshSuccess(t *testing.T) {
	exp := time.Now().Add(20 * time.Minute).Unix()
	access := mintJWT(t, jwt.MapClaims{"exp": exp})

	var gotForm url.Values
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  access,
			"refresh_token": "rt2",
			"id_token":      "idt",
		})
	})

	res, err := c.Refresh(context.Background(), "rt1")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if res.AccessToken != access || res.RefreshToken != "rt2" || res.IDToken != "idt" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.AccessTokenExpires != exp*1000 {
		t.Fatalf("expected expiry %d, got %d", exp*1000, res.AccessTokenExpires)
	}

	if gotForm.Get("grant_type") != "refresh_token" {
		t.Fatalf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("client_id") != "client-1" || gotForm.Get("refresh_token") != "rt1" {
		t.Fatalf("unexpected form: %v", gotForm)
	}
}

func TestRefreshOpaqueAccessTokenFallsBack(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "opaque"})
	})

	before := time.Now()
	res, err := c.Refresh(context.Background(), "rt1")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	min := before.Add(FallbackAccessTokenTTL - time.Minute).UnixMilli()
	max := time.Now().Add(FallbackAccessTokenTTL + time.Minute).UnixMilli()
	if res.AccessTokenExpires < min || res.AccessTokenExpires > max {
		t.Fatalf("fallback expiry %d outside [%d, %d]", res.AccessTokenExpires, min, max)
	}
}

func TestRefreshErrorMessagePriority(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"error_description", `{"error":"invalid_grant","error_description":"rotated"}`, "rotated"},
		{"error", `{"error":"invalid_grant"}`, "invalid_grant"},
		{"raw body", `upstream exploded`, "upstream exploded"},
		{"generic", ``, "token refresh failed with status 400"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, tc.body)
			})

			_, err := c.Refresh(context.Background(), "rt1")
			var re *RefreshError
			if !errors.As(err, &re) {
				t.Fatalf("expected RefreshError, got %v", err)
			}
			if re.Message != tc.want {
				t.Fatalf("message = %q, want %q", re.Message, tc.want)
			}
			if re.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", re.StatusCode)
			}
		})
	}
}

func TestRefreshEmptyToken(t *testing.T) {
	c := NewClient("https://auth.example.com", "client-1", nil, nil)
	var re *RefreshError
	if _, err := c.Refresh(context.Background(), ""); !errors.As(err, &re) {
		t.Fatalf("expected RefreshError for empty refresh token, got %v", err)
	}
}

func TestUserinfo(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != userinfoPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at1" {
			t.Errorf("authorization header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"sub": "user-1", "email": "u@example.com"})
	})

	info, err := c.Userinfo(context.Background(), "at1")
	if err != nil {
		t.Fatalf("Userinfo returned error: %v", err)
	}
	if info.Sub != "user-1" || info.Email != "u@example.com" {
		t.Fatalf("unexpected userinfo: %+v", info)
	}
}

func TestUserinfoRejectsMissingSub(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"email": "u@example.com"})
	})
	if _, err := c.Userinfo(context.Background(), "at1"); err == nil {
		t.Fatalf("expected error for userinfo without sub")
	}
}

func TestUserinfoNon200(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if _, err := c.Userinfo(context.Background(), "at1"); err == nil {
		t.Fatalf("expected error for 401 userinfo")
	}
}

func TestLogoutURL(t *testing.T) {
	c := NewClient("https://auth.example.com/", "client-1", nil, nil)
	got := c.LogoutURL("https://app.example.com/")
	if !strings.HasPrefix(got, "https://auth.example.com"+logoutPath+"?") {
		t.Fatalf("unexpected logout URL: %s", got)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse logout URL: %v", err)
	}
	if u.Query().Get("client_id") != "client-1" {
		t.Fatalf("client_id missing from %s", got)
	}
	if u.Query().Get("returnTo") != "https://app.example.com/" {
		t.Fatalf("returnTo missing from %s", got)
	}
}
