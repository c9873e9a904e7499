package main

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// config holds the runtime settings, loaded from the environment with
// sanitized defaults. The signing secret is injected here once at startup;
// rotating it invalidates every outstanding token, which is the only
// revocation mechanism there is.
type config struct {
	addr              string
	secret            string
	serviceTokens     []string
	allowedOrigins    []string
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	maxConnAge        time.Duration
	maxMessageSize    int64
	historyLimit      int
	chatCapacity      int
}

func defaultConfig() config {
	return config{
		addr:              "127.0.0.1:8081",
		heartbeatInterval: 30 * time.Second,
		maxMessageSize:    4096,
		historyLimit:      100,
		chatCapacity:      50,
	}
}

// newConfigFromEnv builds a config from environment variables, falling back
// to defaults for anything unset or unparseable.
func newConfigFromEnv() config {
	cfg := defaultConfig()

	if addr := os.Getenv("ROOMCAST_ADDR"); addr != "" {
		cfg.addr = addr
	}
	cfg.secret = os.Getenv("ROOMCAST_SECRET")
	if tokens := os.Getenv("ROOMCAST_SERVICE_TOKENS"); tokens != "" {
		cfg.serviceTokens = splitAndTrim(tokens)
	}
	if origins := os.Getenv("ROOMCAST_ALLOWED_ORIGINS"); origins != "" {
		cfg.allowedOrigins = splitAndTrim(origins)
	}
	// A zero heartbeat interval disables probing and the watchdog ticker.
	cfg.heartbeatInterval = parseSeconds(os.Getenv("ROOMCAST_HEARTBEAT_INTERVAL"), cfg.heartbeatInterval, true)
	cfg.idleTimeout = parseSeconds(os.Getenv("ROOMCAST_IDLE_TIMEOUT"), cfg.idleTimeout, true)
	cfg.maxConnAge = parseSeconds(os.Getenv("ROOMCAST_MAX_CONN_AGE"), cfg.maxConnAge, true)
	cfg.maxMessageSize = parseInt64(os.Getenv("ROOMCAST_MAX_MESSAGE_SIZE"), cfg.maxMessageSize)
	cfg.historyLimit = parseInt(os.Getenv("ROOMCAST_HISTORY_LIMIT"), cfg.historyLimit)
	cfg.chatCapacity = parseInt(os.Getenv("ROOMCAST_CHAT_CAPACITY"), cfg.chatCapacity)

	return cfg
}

// originAllowed checks the Origin header against the allow-list. An empty
// list allows everything (non-browser clients send no Origin at all).
func (cfg *config) originAllowed(r *http.Request) bool {
	if len(cfg.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.ToLower(strings.TrimSuffix(origin, "/"))
	for _, allowed := range cfg.allowedOrigins {
		if origin == strings.ToLower(strings.TrimSuffix(allowed, "/")) {
			return true
		}
	}
	return false
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSeconds(value string, defaultValue time.Duration, zeroOK bool) time.Duration {
	if value == "" {
		return defaultValue
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 || (seconds == 0 && !zeroOK) {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}

func parseInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseInt64(value string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}
