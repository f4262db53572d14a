// Package config implements the startup configuration loader: env-var
// driven and `.env`-aware, producing the listen address, access policy, and
// API key list plus the ambient knobs the rest of the stack needs (rate
// limits, tracing, log level). Vars are validated by hand; problems are
// collected and reported together.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/syncroom/server/internal/access"
)

// Config holds validated startup configuration.
type Config struct {
	// ListenOn is host:port, or 0.0.0.0:port if only a bare port was given.
	ListenOn string

	ApiPolicy access.Policy
	ApiKeys   []access.Key

	// JwtSecret, if non-empty, enables the self-signed capability-key login
	// form in internal/access. Empty disables it without error.
	JwtSecret string

	GoEnv    string
	LogLevel string

	// RedisAddr, if non-empty, backs internal/ratelimit with a distributed
	// store; empty uses the in-memory store.
	RedisAddr     string
	RedisPassword string

	// OtlpEndpoint, if non-empty, enables internal/tracing's OTLP exporter.
	OtlpEndpoint string

	RateLimitLoginPerIP   string
	RateLimitCreatePerKey string

	RoomGraceSeconds int
}

// dotenvPaths lets the server find a .env whether invoked from the repo
// root or from cmd/server.
var dotenvPaths = []string{".env", "../.env", "../../.env"}

// Load reads `.env` (best-effort, missing file is not an error) and then
// validates the environment, returning an error that names every missing or
// malformed required variable at once.
func Load() (*Config, error) {
	for _, p := range dotenvPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	var problems []string
	devMode := os.Getenv("GO_ENV") == "development"

	cfg := &Config{
		GoEnv:            getEnvOrDefault("GO_ENV", "production"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		JwtSecret:        os.Getenv("JWT_SECRET"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		OtlpEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		RateLimitLoginPerIP:   getEnvOrDefault("RATE_LIMIT_LOGIN_IP", "20-M"),
		RateLimitCreatePerKey: getEnvOrDefault("RATE_LIMIT_CREATE_KEY", "30-M"),
	}

	listenOn, err := normalizeListenOn(getEnvOrDefault("LISTEN_ON", "8080"))
	if err != nil {
		problems = append(problems, err.Error())
	}
	cfg.ListenOn = listenOn

	// The policy defaults to restrictive in production, permissive in
	// development.
	cfg.ApiPolicy = access.Policy{
		RestrictConnect: boolEnvOrDefault("RESTRICT_CONNECT", !devMode),
		RestrictHost:    boolEnvOrDefault("RESTRICT_HOST", !devMode),
	}

	keys, err := parseApiKeys(os.Getenv("API_KEYS"))
	if err != nil {
		problems = append(problems, err.Error())
	}
	cfg.ApiKeys = keys

	cfg.RoomGraceSeconds, err = strconv.Atoi(getEnvOrDefault("ROOM_GRACE_SECONDS", "5"))
	if err != nil {
		problems = append(problems, fmt.Sprintf("ROOM_GRACE_SECONDS must be an integer: %v", err))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("config: invalid environment:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return cfg, nil
}

// normalizeListenOn accepts either "host:port" or a bare port.
func normalizeListenOn(v string) (string, error) {
	if strings.Contains(v, ":") {
		host, port, err := splitHostPort(v)
		if err != nil {
			return "", fmt.Errorf("LISTEN_ON must be host:port or a bare port (got %q): %w", v, err)
		}
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%s", host, port), nil
	}
	if _, err := validPort(v); err != nil {
		return "", fmt.Errorf("LISTEN_ON must be host:port or a bare port (got %q): %w", v, err)
	}
	return fmt.Sprintf("0.0.0.0:%s", v), nil
}

func splitHostPort(v string) (host, port string, err error) {
	idx := strings.LastIndex(v, ":")
	host, port = v[:idx], v[idx+1:]
	if _, err := validPort(port); err != nil {
		return "", "", err
	}
	return host, port, nil
}

func validPort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}

// parseApiKeys parses API_KEYS as semicolon-separated
// "key:connect,host" entries, e.g. "AAAAA:true,true;BBBBB:true,false". Empty
// input yields no keys, which is a valid configuration (every connection
// then resolves to the baseline).
func parseApiKeys(raw string) ([]access.Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var keys []access.Key
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:connect,host", entry)
		}
		caps := strings.Split(parts[1], ",")
		if len(caps) != 2 {
			return nil, fmt.Errorf("API_KEYS entry %q must grant exactly connect,host", entry)
		}
		connect, err := strconv.ParseBool(strings.TrimSpace(caps[0]))
		if err != nil {
			return nil, fmt.Errorf("API_KEYS entry %q: invalid connect flag: %w", entry, err)
		}
		host, err := strconv.ParseBool(strings.TrimSpace(caps[1]))
		if err != nil {
			return nil, fmt.Errorf("API_KEYS entry %q: invalid host flag: %w", entry, err)
		}
		keys = append(keys, access.Key{Key: parts[0], Connect: connect, Host: host})
	}
	return keys, nil
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func boolEnvOrDefault(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
