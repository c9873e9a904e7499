package main

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	roomLenMin = 1
	roomLenMax = 128

	maxPushBytes = 64 * 1024
)

// newHandler wires the HTTP surface: websocket upgrades by header match,
// the status and token endpoints, an HTML client page on GET, and the push
// endpoint on POST.
func newHandler(cfg config, h *hub, codec *tokenCodec, t *mTicker) http.Handler {
	r := mux.NewRouter()

	// Route websocket requests
	r.Headers(
		"Connection", "Upgrade",
		"Upgrade", "websocket",
	).Handler(wsHandler{cfg: cfg, h: h, codec: codec, ticker: t})

	r.Path("/status").Methods("GET").Handler(statusHandler{h: h})
	r.Path("/token").Methods("POST").Handler(tokenHandler{codec: codec})

	// Route other GET and POST requests
	r.Methods("GET").Handler(getHandler{})
	r.Methods("POST").Handler(pushHandler{h: h, codec: codec})

	return r
}

var upgrader = &websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is re-checked after the upgrade so a browser client gets the
	// documented close code instead of a bare 403.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsHandler struct {
	cfg    config
	h      *hub
	codec  *tokenCodec
	ticker *mTicker
}

// ServeHTTP runs the admission pipeline: upgrade, origin check, room and
// token resolution, codec verification, policy admission. Every failure
// closes the fresh socket with its distinct close code; the session never
// becomes active.
func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if !wsh.cfg.originAllowed(r) {
		rejectWS(ws, closeBadOrigin, "origin not permitted")
		return
	}
	room := resolveRoom(r)
	if room == "" {
		rejectWS(ws, closeNoRoom, "no room specified")
		return
	}
	if !validRoomName(room) {
		rejectWS(ws, closeNoRoom, "room name must be 1-128 UTF-8 characters")
		return
	}

	var claim *Claim
	if token := resolveToken(r); token != "" {
		claim, err = wsh.codec.verify(token, room)
		if err != nil {
			code := closeBadToken
			if errors.Is(err, errTokenRoom) {
				code = closeWrongRoom
			}
			rejectWS(ws, code, err.Error())
			return
		}
	}

	p := wsh.h.policyFor(room)
	ctx := admitContext{
		room:       room,
		remoteAddr: r.RemoteAddr,
		header:     r.Header,
		members:    wsh.h.memberCount(room),
	}
	if rej := guardAdmit(p, claim, ctx); rej != nil {
		rejectWS(ws, rej.code, rej.reason)
		return
	}

	c := newConnection(websocketInteractor{
		ws:       ws,
		limit:    wsh.cfg.maxMessageSize,
		pongWait: pongWaitFor(wsh.cfg.heartbeatInterval),
	}, wsh.h, p, room, claim, r.RemoteAddr)
	c.idleTimeout = wsh.cfg.idleTimeout
	c.maxAge = wsh.cfg.maxConnAge
	c.run(wsh.ticker)
}

// rejectWS refuses a connection attempt on an already-upgraded socket.
func rejectWS(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	ws.Close()
}

// resolveRoom extracts the target room: path, then query parameter, then
// header. First match wins.
func resolveRoom(r *http.Request) string {
	if p := strings.TrimPrefix(r.URL.Path, "/"); p != "" {
		return p
	}
	if q := r.URL.Query().Get("room"); q != "" {
		return q
	}
	return r.Header.Get("X-Room")
}

// resolveToken extracts the membership token: query parameter, then bearer
// header.
func resolveToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func validRoomName(name string) bool {
	if !utf8.ValidString(name) {
		return false
	}
	n := utf8.RuneCountInString(name)
	return roomLenMin <= n && n <= roomLenMax
}

type pushHandler struct {
	h     *hub
	codec *tokenCodec
}

type pushResponse struct {
	Delivered int     `json:"delivered"`
	Payload   message `json:"payload"`
}

// ServeHTTP injects a message into a room without an open websocket. The
// caller authenticates with the same token scheme, the body is validated
// structurally, then the room's policy gets its say, then the fanout runs.
func (ph pushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimPrefix(r.URL.Path, "/")
	if !validRoomName(room) {
		sendJSONError(w, http.StatusBadRequest, "room name must be 1-128 UTF-8 characters")
		return
	}
	token := resolveToken(r)
	if token == "" {
		sendJSONError(w, http.StatusUnauthorized, "token required")
		return
	}
	claim, err := ph.codec.verify(token, room)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var body message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBytes)).Decode(&body); err != nil || body == nil {
		sendJSONError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	if rej := validatePushShape(body); rej != nil {
		sendJSONError(w, rej.code, rej.reason)
		return
	}
	incr("push.recv", 1)

	p := ph.h.policyFor(room)
	if rej := guardValidatePush(p, room, claim, body); rej != nil {
		code := rej.code
		if code == 0 {
			code = http.StatusUnprocessableEntity
		}
		sendJSONError(w, code, rej.reason)
		return
	}
	out, rej := guardTransformPush(p, room, body)
	if rej != nil {
		sendJSONError(w, rej.code, rej.reason)
		return
	}
	if out == nil {
		out = pushEnvelope(room, body)
	}
	payload, err := json.Marshal(out)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	delivered := ph.h.broadcast(room, payload, nil)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pushResponse{Delivered: delivered, Payload: out})
}

// validatePushShape is the generic structural check every push passes
// before any policy sees it: type string, parseable timestamp, keyed data.
func validatePushShape(body message) *rejection {
	kind, ok := body["type"].(string)
	if !ok || kind == "" {
		return &rejection{code: http.StatusBadRequest, reason: "type must be a non-empty string"}
	}
	ts, ok := body["timestamp"].(string)
	if !ok {
		return &rejection{code: http.StatusBadRequest, reason: "timestamp must be a date-time string"}
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		return &rejection{code: http.StatusBadRequest, reason: "timestamp must be RFC 3339"}
	}
	if _, ok := body["data"].(map[string]interface{}); !ok {
		return &rejection{code: http.StatusBadRequest, reason: "data must be a keyed object"}
	}
	return nil
}

// pushEnvelope is the default broadcast form for pushes when the room's
// policy doesn't supply a replacement.
func pushEnvelope(room string, body message) message {
	data, _ := body["data"].(map[string]interface{})
	return message{
		"type":      body["type"],
		"id":        ulid.Make().String(),
		"room":      room,
		"timestamp": body["timestamp"],
		"received":  time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
}

type statusHandler struct {
	h *hub
}

// ServeHTTP assembles the read-only monitoring snapshot: per-room policy
// stats plus the total connection count.
func (sh statusHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snaps := sh.h.snapshot()
	rooms := make(map[string]message, len(snaps))
	total := 0
	for _, s := range snaps {
		rooms[s.name] = guardStats(s.policy, s.name, s.members)
		total += len(s.members)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(message{"rooms": rooms, "connections": total})
}

type tokenHandler struct {
	codec *tokenCodec
}

type tokenRequest struct {
	ClientID   string            `json:"clientId"`
	Room       string            `json:"room"`
	TTLSeconds int64             `json:"ttlSeconds"`
	Metadata   map[string]string `json:"metadata"`
}

// ServeHTTP mints membership tokens for the issuance collaborator. Only
// service-token holders may call it; the server never tracks what it
// issued.
func (th tokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claim, err := th.codec.verify(resolveToken(r), "")
	if err != nil || !claim.IsService() {
		sendJSONError(w, http.StatusForbidden, "service token required")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBytes)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	if req.ClientID == "" || !validRoomName(req.Room) {
		sendJSONError(w, http.StatusBadRequest, "clientId and room are required")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := th.codec.issue(req.ClientID, req.Room, ttl, req.Metadata)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(message{"token": token})
}

func sendJSONError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(message{"error": reason})
}

type getHandler struct{}

func (gh getHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimPrefix(r.URL.Path, "/")
	if !validRoomName(room) {
		sendJSONError(w, http.StatusBadRequest, "room name must be 1-128 UTF-8 characters")
		return
	}
	webTemplate.Execute(w, templateArgs{Room: room})
}

type templateArgs struct {
	Room string
}

var webTemplate = template.Must(template.New("webTemplate").Parse(`
<html>
<head>
<title>roomcast {{.Room}}</title>
<script type="text/javascript">
    var conn;
    function appendLog(text) {
        var log = document.getElementById("log");
        var line = document.createElement("div");
        line.textContent = text;
        log.appendChild(line);
        log.scrollTop = log.scrollHeight;
    }
    function connect() {
        var token = document.getElementById("token").value;
        var scheme = location.protocol === "https:" ? "wss://" : "ws://";
        conn = new WebSocket(scheme + location.host + "/{{.Room}}?token=" + encodeURIComponent(token));
        conn.onclose = function(evt) {
            appendLog("closed: " + evt.code + " " + evt.reason);
        };
        conn.onmessage = function(evt) {
            appendLog(evt.data);
        };
    }
    function send() {
        if (!conn) { return; }
        var msg = document.getElementById("msg");
        conn.send(JSON.stringify({text: msg.value}));
        msg.value = "";
    }
</script>
</head>
<body>
<h3>roomcast client for {{.Room}}</h3>
<div>
    <input type="text" id="token" size="64" placeholder="membership token" />
    <button onclick="connect()">Connect</button>
</div>
<div id="log" style="height:20em;overflow:auto;border:1px solid #ccc"></div>
<div>
    <input type="text" id="msg" size="64" />
    <button onclick="send()">Send</button>
</div>
</body>
</html>
`))
