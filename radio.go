package main

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const roomRadio = "radio"

// Content retained in the radio history before the heartbeat prunes it.
const radioRetention = 15 * time.Minute

var radioPushTypes = map[string]struct{}{
	"post":   {},
	"update": {},
	"delete": {},
}

// historyEntry is one pushed item kept for the recent-activity display.
// data stays a plain map so the envelope's "data" value round-trips with the
// same dynamic type the JSON decoder produced.
type historyEntry struct {
	id       string
	kind     string
	received time.Time
	data     map[string]interface{}
}

// radioPolicy backs the statically registered "radio" room: a one-to-many
// content feed. Members listen over websockets; content only enters through
// the HTTP push side-channel. A bounded history of recent items feeds the
// status snapshot and the welcome greeting.
type radioPolicy struct {
	basePolicy

	mu      sync.Mutex
	history []historyEntry
	limit   int
}

func newRadioPolicy(limit int) *radioPolicy {
	if limit <= 0 {
		limit = 100
	}
	return &radioPolicy{limit: limit}
}

// The radio room is receive-only over the socket.
func (p *radioPolicy) validateMessage(message, *connection) *rejection {
	return &rejection{reason: "radio is receive-only; publish via the HTTP push endpoint"}
}

func (p *radioPolicy) validateHTTPPush(claim *Claim, body message) *rejection {
	if claim == nil || !claim.HasPermission("post") {
		return &rejection{code: http.StatusForbidden, reason: "push requires the post permission"}
	}
	kind, _ := body["type"].(string)
	if _, ok := radioPushTypes[kind]; !ok {
		return &rejection{code: 422, reason: "unsupported push type for radio: " + kind}
	}
	return nil
}

// transformHTTPPush records the item in the bounded history and echoes it
// with the server-received timestamp attached.
func (p *radioPolicy) transformHTTPPush(body message) (message, *rejection) {
	data, _ := body["data"].(map[string]interface{})
	entry := historyEntry{
		id:       ulid.Make().String(),
		kind:     body["type"].(string),
		received: time.Now().UTC(),
		data:     data,
	}

	p.mu.Lock()
	p.history = append(p.history, entry)
	if len(p.history) > p.limit {
		p.history = p.history[len(p.history)-p.limit:]
	}
	p.mu.Unlock()

	return message{
		"type":      entry.kind,
		"id":        entry.id,
		"room":      roomRadio,
		"timestamp": body["timestamp"],
		"received":  entry.received.Format(time.RFC3339),
		"data":      entry.data,
	}, nil
}

func (p *radioPolicy) welcome(c *connection) message {
	p.mu.Lock()
	depth := len(p.history)
	p.mu.Unlock()
	return message{"type": "welcome", "room": roomRadio, "history": depth}
}

func (p *radioPolicy) stats(members []*connection) message {
	p.mu.Lock()
	depth := len(p.history)
	var oldest string
	if depth > 0 {
		oldest = p.history[0].received.Format(time.RFC3339)
	}
	p.mu.Unlock()
	s := message{"members": len(members), "history": depth}
	if oldest != "" {
		s["oldest"] = oldest
	}
	return s
}

// onHeartbeat prunes history entries past the retention window.
func (p *radioPolicy) onHeartbeat() {
	cutoff := time.Now().Add(-radioRetention)
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.history[:0]
	for _, e := range p.history {
		if e.received.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if pruned := len(p.history) - len(kept); pruned > 0 {
		slog.Debug("pruned radio history", "pruned", pruned, "kept", len(kept))
	}
	p.history = kept
}
