package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Close codes sent on the websocket close frame before a session ever
// becomes active (or when the server ends it). Each cause has its own code
// so client implementations can branch on them.
const (
	closeNoRoom       = 4001 // no room specified in path, query param, or header
	closeBadToken     = 4002 // missing, malformed, tampered, or expired token
	closeWrongRoom    = 4003 // token was issued for a different room
	closePolicyReject = 4004 // room policy refused the connection
	closeIdleTimeout  = 4005 // no activity within the configured idle window
	closeMaxAge       = 4006 // connection exceeded the configured maximum age
	closeShutdown     = 4007 // server is shutting down
	closeBadOrigin    = 4008 // origin not permitted
	closeSlowConsumer = 4009 // send buffer overflowed, member too slow to keep up
)

// connection is one active session. It belongs to exactly one room for its
// entire lifetime. The reader goroutine owns all per-connection state except
// the liveness flag and the activity counters, which are atomics so the
// heartbeat scheduler and watchdog can read them.
type connection struct {
	id    string
	room  string
	claim *Claim // nil only if the room's policy admitted anonymously
	w     wsManager
	h     *hub
	p     policy
	send  chan []byte

	remote      string
	openedAt    time.Time
	idleTimeout time.Duration
	maxAge      time.Duration

	lastActivity atomic.Int64 // unix nanoseconds, non-decreasing
	messageCount atomic.Int64
	alive        atomic.Bool // reset by probes, set by pongs

	metaMu sync.Mutex
	meta   map[string]interface{} // policy extension data, namespaced keys

	closeOnce sync.Once
}

func newConnection(w wsManager, h *hub, p policy, room string, claim *Claim, remote string) *connection {
	c := &connection{
		id:       uuid.New().String(),
		room:     room,
		claim:    claim,
		w:        w,
		h:        h,
		p:        p,
		send:     make(chan []byte, 256),
		remote:   remote,
		openedAt: time.Now(),
		meta:     make(map[string]interface{}),
	}
	c.lastActivity.Store(c.openedAt.UnixNano())
	c.alive.Store(true)
	return c
}

func (c *connection) clientID() string {
	if c.claim == nil {
		return "anonymous"
	}
	return c.claim.ClientID()
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) lastActivityTime() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// setMeta and getMeta are the extension-data map policies attach their
// per-connection state to. Keys are namespaced per policy ("chat.nick").
func (c *connection) setMeta(key string, value interface{}) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	c.meta[key] = value
}

func (c *connection) getMeta(key string) (interface{}, bool) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	v, ok := c.meta[key]
	return v, ok
}

// run joins the room and pumps the session until the peer goes away or the
// server closes it. Blocks for the lifetime of the connection.
func (c *connection) run(t *mTicker) {
	c.h.join(c)
	incr("websockets", 1)
	guardHook("onJoin", c.room, func() { c.p.onJoin(c) })
	c.greet()
	if t != nil && (c.idleTimeout > 0 || c.maxAge > 0) {
		sub := t.subscribe()
		defer t.unsubscribe(sub)
		go c.watchdog(sub)
	}
	go c.writer()
	c.reader()
}

func (c *connection) greet() {
	w := guardWelcome(c.p, c)
	if w == nil {
		w = message{"type": "welcome", "room": c.room}
	}
	if payload, err := json.Marshal(w); err == nil {
		c.enqueue(payload)
	}
}

func (c *connection) reader() {
	c.w.wsSetReadLimit()
	c.w.wsSetReadDeadline()
	c.w.wsSetPongHandler(func() { c.alive.Store(true) })
	code, reason := websocket.CloseNormalClosure, "peer closed"
	for {
		if err := c.readMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				code, reason = websocket.CloseAbnormalClosure, "read deadline exceeded"
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read error", "room", c.room, "conn", c.id, "err", err)
			}
			break
		}
	}
	c.w.wsClose()
	c.teardown(code, reason)
}

// readMessage handles one inbound frame: decode, validate, transform,
// broadcast, strictly in arrival order. A bad frame gets an error reflected
// to the sender and never drops the connection.
func (c *connection) readMessage() error {
	_, raw, err := c.w.wsReadMessage()
	if err != nil {
		return err
	}
	incr("conn.recv", 1)
	c.touch()
	// Inbound traffic counts as liveness; push the deadline out again.
	c.w.wsSetReadDeadline()
	c.messageCount.Add(1)
	msg, err := decodeFrame(raw)
	if err != nil {
		c.reflectError("invalid payload: expected a keyed JSON object")
		return nil
	}
	if rej := guardValidateMessage(c.p, msg, c); rej != nil {
		c.reflectError(rej.reason)
		return nil
	}
	out, suppress, failed := guardTransformMessage(c.p, msg, c)
	if failed {
		c.reflectError("internal error")
		return nil
	}
	if suppress {
		return nil
	}
	if out == nil {
		out = c.envelope(msg)
	}
	payload, err := json.Marshal(out)
	if err != nil {
		c.reflectError("internal error")
		return nil
	}
	c.h.broadcast(c.room, payload, c)
	return nil
}

// envelope wraps a validated frame in the default broadcast form.
func (c *connection) envelope(msg message) message {
	return message{
		"type": "message",
		"id":   ulid.Make().String(),
		"room": c.room,
		"from": c.clientID(),
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": msg,
	}
}

// reflectError sends a structured error to this connection only.
func (c *connection) reflectError(reason string) {
	if payload, err := json.Marshal(message{"error": reason}); err == nil {
		c.enqueue(payload)
	}
}

// enqueue hands a payload to the writer without blocking. The send channel
// is closed by leave under the registry lock, so a late enqueue from the
// heartbeat or reader can race it; the recover keeps that race harmless.
func (c *connection) enqueue(payload []byte) {
	defer func() {
		if recover() != nil {
			slog.Debug("enqueue after close", "conn", c.id)
		}
	}()
	select {
	case c.send <- payload:
	default:
		mark("drops", 1)
	}
}

func (c *connection) writer() {
	for payload := range c.send {
		c.w.wsSetWriteDeadline()
		if err := c.w.wsWriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
		incr("conn.send", 1)
	}
	c.w.wsClose()
}

// watchdog enforces idle-timeout and max-age cooperatively: the connection
// schedules its own checks on the shared ticker and closes itself.
func (c *connection) watchdog(sub *subscriber) {
	for range sub.tick {
		if c.idleTimeout > 0 && time.Since(c.lastActivityTime()) > c.idleTimeout {
			c.terminate(closeIdleTimeout, "idle timeout")
			return
		}
		if c.maxAge > 0 && time.Since(c.openedAt) > c.maxAge {
			c.terminate(closeMaxAge, "max connection age exceeded")
			return
		}
	}
}

// terminate is the server-initiated close: send the close frame, drop the
// socket, run the leave path.
func (c *connection) terminate(code int, reason string) {
	if err := c.w.wsWriteClose(code, reason); err != nil {
		slog.Debug("close frame write failed", "conn", c.id, "err", err)
	}
	c.w.wsClose()
	c.teardown(code, reason)
}

// teardown runs the leave path exactly once, whichever trigger got here
// first: remote close, probe failure, watchdog, or shutdown.
func (c *connection) teardown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.h.leave(c)
		guardHook("onLeave", c.room, func() { c.p.onLeave(c, code, reason) })
		decr("websockets", 1)
	})
}

// decodeFrame parses an inbound frame, insisting on a keyed object. Bare
// scalars, arrays and null are structural violations.
func decodeFrame(raw []byte) (message, error) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("frame is null")
	}
	return msg, nil
}
