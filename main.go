// Command roomcast is a room-scoped broadcast relay over websockets.
//
//	roomcast -addr=:8081
//
// Clients join a named room over a websocket and every message one member
// sends is fanned out to the other members of the same room. Messages can
// also be injected through an HTTP POST to the room path. Membership is
// gated by stateless HMAC-signed tokens; rooms with no registered policy
// are created on first join and forgotten when the last member leaves.
//
// Join a room by opening a websocket to its path with a token.
//
//	ws://localhost:8081/radio?token=...
//
// Push into a room by POSTing a JSON body to the same path.
//
//	curl localhost:8081/radio?token=... \
//	    -d '{"type":"post","timestamp":"2025-10-02T00:00:00Z","data":{"content":{"id":"1"}}}'
//
// Non-websocket GET requests are served an HTML client page for the
// requested room. GET /status reports a per-room snapshot.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	setupLogger()
	cfg := newConfigFromEnv()

	hd := &httpdown.HTTP{
		StopTimeout: 10 * time.Second,
		KillTimeout: 1 * time.Second,
	}
	flag.StringVar(&cfg.addr, "addr", cfg.addr, "http service address")
	flag.DurationVar(&hd.StopTimeout, "stop-timeout", hd.StopTimeout, "stop timeout")
	flag.DurationVar(&hd.KillTimeout, "kill-timeout", hd.KillTimeout, "kill timeout")
	origin := flag.String("origin", "", "additional allowed Origin (scheme://host[:port])")
	flag.Parse()
	if *origin != "" {
		cfg.allowedOrigins = append(cfg.allowedOrigins, *origin)
	}

	if cfg.secret == "" {
		cfg.secret = randomSecret()
		slog.Warn("ROOMCAST_SECRET not set; generated an ephemeral signing secret, outstanding tokens will not survive a restart")
	}

	codec := newTokenCodec([]byte(cfg.secret), cfg.serviceTokens)
	h := newHub(staticPolicies(cfg))

	var ticker *mTicker
	if cfg.heartbeatInterval > 0 {
		ticker = newMTicker(cfg.heartbeatInterval)
		go newHeartbeat(h).run(ticker.subscribe())
	}

	startMetrics()
	server := &http.Server{
		Addr:    cfg.addr,
		Handler: newHandler(cfg, h, codec, ticker),
	}
	s, err := hd.ListenAndServe(server)
	if err != nil {
		slog.Error("listen failed", "addr", cfg.addr, "err", err)
		os.Exit(1)
	}
	slog.Info("listening", "addr", cfg.addr, "heartbeat", cfg.heartbeatInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	h.shutdownAll(closeShutdown, "server shutting down")
	if ticker != nil {
		ticker.stop()
	}
	if err := s.Stop(); err != nil {
		slog.Error("stop error", "err", err)
	}
	finalMetrics()
}

// staticPolicies is the explicit registration table mapping room name to
// policy. Add new room behaviors here; nothing is discovered dynamically.
func staticPolicies(cfg config) map[string]policy {
	return map[string]policy{
		roomRadio: newRadioPolicy(cfg.historyLimit),
		roomChat:  newChatPolicy(cfg.chatCapacity),
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
