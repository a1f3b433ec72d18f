package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"passportd/token"
)

// Hardcoded session defaults.
const (
	DefaultCookieName    = "passport_session"
	DefaultRefreshBuffer = token.DefaultRefreshBuffer

	// CookieMaxAgeCeiling caps the persisted session lifetime by policy.
	CookieMaxAgeCeiling = 365 * 24 * time.Hour
)

// Config captures the full gateway configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Passport PassportConfig `yaml:"passport"`
	Cookie   CookieConfig   `yaml:"cookie"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	AllowedOrigins  []string  `yaml:"allowed_origins"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	CacheDir   string   `yaml:"cache_dir"`
}

// PassportConfig describes the relying-party registration at the
// authentication domain.
type PassportConfig struct {
	ClientID             string        `yaml:"client_id"`
	LogoutRedirectURI    string        `yaml:"logout_redirect_uri"`
	Audience             string        `yaml:"audience"`
	Scope                string        `yaml:"scope"`
	AuthenticationDomain string        `yaml:"authentication_domain"`
	LogoutMode           string        `yaml:"logout_mode"`
	RefreshBuffer        time.Duration `yaml:"refresh_buffer"`
}

// RedirectURI derives the callback registered for this gateway.
func (p PassportConfig) RedirectURI(publicURL string) string {
	return strings.TrimSuffix(publicURL, "/") + "/callback"
}

// CookieConfig controls the encrypted session cookie.
type CookieConfig struct {
	Name   string        `yaml:"name"`
	Secret string        `yaml:"secret"`
	Domain string        `yaml:"domain"`
	MaxAge time.Duration `yaml:"max_age"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				CacheDir:   "./tls-cache",
			},
		},
		Passport: PassportConfig{
			AuthenticationDomain: token.DefaultAuthenticationDomain,
			Scope:                "openid offline_access profile email",
			LogoutMode:           "redirect",
			RefreshBuffer:        DefaultRefreshBuffer,
		},
		Cookie: CookieConfig{
			Name:   DefaultCookieName,
			MaxAge: CookieMaxAgeCeiling,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"PASSPORTD_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"PASSPORTD_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"PASSPORTD_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"PASSPORTD_SERVER_TLS_DOMAINS":     func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"PASSPORTD_SERVER_TLS_EMAIL":       func(v string) { cfg.Server.TLS.Email = v },
		"PASSPORTD_SERVER_ALLOWED_ORIGINS": func(v string) { cfg.Server.AllowedOrigins = splitAndTrim(v) },
		"PASSPORTD_CLIENT_ID":              func(v string) { cfg.Passport.ClientID = v },
		"PASSPORTD_AUTHENTICATION_DOMAIN":  func(v string) { cfg.Passport.AuthenticationDomain = v },
		"PASSPORTD_AUDIENCE":               func(v string) { cfg.Passport.Audience = v },
		"PASSPORTD_SCOPE":                  func(v string) { cfg.Passport.Scope = v },
		"PASSPORTD_LOGOUT_MODE":            func(v string) { cfg.Passport.LogoutMode = v },
		"PASSPORTD_LOGOUT_REDIRECT_URI":    func(v string) { cfg.Passport.LogoutRedirectURI = v },
		"PASSPORTD_REFRESH_BUFFER":         func(v string) { cfg.Passport.RefreshBuffer = parseDuration(v, cfg.Passport.RefreshBuffer) },
		"PASSPORTD_COOKIE_SECRET":          func(v string) { cfg.Cookie.Secret = v },
		"PASSPORTD_COOKIE_DOMAIN":          func(v string) { cfg.Cookie.Domain = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Passport.ClientID == "" {
		return errors.New("passport.client_id is required")
	}
	if d := c.Passport.AuthenticationDomain; !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
		return fmt.Errorf("passport.authentication_domain must start with http:// or https://, got: %s", d)
	}
	switch c.Passport.LogoutMode {
	case "redirect", "silent":
	default:
		return fmt.Errorf("passport.logout_mode must be 'redirect' or 'silent', got: %s", c.Passport.LogoutMode)
	}

	if c.Cookie.Secret == "" {
		return errors.New("cookie.secret is required")
	}
	if !c.Server.DevMode && len(c.Cookie.Secret) < 32 {
		return errors.New("cookie.secret must be at least 32 bytes in production")
	}
	if c.Cookie.MaxAge > CookieMaxAgeCeiling {
		return fmt.Errorf("cookie.max_age exceeds the %s ceiling", CookieMaxAgeCeiling)
	}

	// The cookie domain must be a suffix of the public URL host.
	if c.Cookie.Domain != "" {
		host := strings.TrimPrefix(c.Server.PublicURL, "http://")
		host = strings.TrimPrefix(host, "https://")
		if idx := strings.IndexAny(host, ":/"); idx != -1 {
			host = host[:idx]
		}
		if !strings.HasSuffix(host, strings.TrimPrefix(c.Cookie.Domain, ".")) {
			return fmt.Errorf("cookie.domain '%s' does not match server.public_url host '%s'", c.Cookie.Domain, host)
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", v)
	}

	return nil
}
