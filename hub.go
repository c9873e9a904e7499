package main

import (
	"log/slog"
	"sync"
)

// hub is the room registry: room name -> member set. Joins, leaves and
// broadcasts interleave from connection goroutines, push handlers and the
// heartbeat scheduler, so every access to the rooms map and the member sets
// goes through one RWMutex. Send channels are only closed by leave while the
// write lock is held, which is what makes the non-blocking sends in
// broadcast safe.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// roomSnapshot is a point-in-time copy of one room's membership, safe to
// iterate without holding the registry lock.
type roomSnapshot struct {
	name    string
	policy  policy
	members []*connection
}

// newHub builds a registry with the given statically registered rooms.
// Static rooms are always discoverable and their policies outlive empty
// membership; everything else is created lazily and pruned when empty.
func newHub(static map[string]policy) *hub {
	h := &hub{rooms: make(map[string]*room)}
	for name, p := range static {
		h.rooms[name] = newRoom(name, p, true)
		incr("rooms", 1)
	}
	return h
}

// policyFor returns the policy governing name without creating anything.
// Unknown rooms get the stateless default, so two racing first joiners of
// the same dynamic room may hold distinct (but identical) values.
func (h *hub) policyFor(name string) policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[name]; ok {
		return r.policy
	}
	return basePolicy{}
}

func (h *hub) memberCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[name]; ok {
		return len(r.members)
	}
	return 0
}

// join adds c to its room, creating the room on first join. Joining the
// same connection twice is a caller error.
func (h *hub) join(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[c.room]
	if !ok {
		r = newRoom(c.room, c.p, false)
		h.rooms[c.room] = r
		incr("rooms", 1)
	}
	r.members[c] = struct{}{}
}

// leave removes c from its room and closes its send channel. A dynamic room
// left with no members is deleted from the registry; static rooms stay.
func (h *hub) leave(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := r.members[c]; !ok {
		return
	}
	delete(r.members, c)
	close(c.send)
	if len(r.members) == 0 && !r.static {
		delete(h.rooms, c.room)
		decr("rooms", 1)
	}
}

// broadcast fans payload out to every open member of the room except
// exclude and returns the number of successful sends. A member whose send
// buffer is full is skipped and evicted; one bad member never aborts
// delivery to the rest and nothing propagates to the caller.
func (h *hub) broadcast(roomName string, payload []byte, exclude *connection) int {
	h.mu.RLock()
	r, ok := h.rooms[roomName]
	if !ok {
		h.mu.RUnlock()
		mark("drops", 1)
		return 0
	}
	delivered := 0
	var failed []*connection
	for c := range r.members {
		if c == exclude {
			continue
		}
		select {
		case c.send <- payload:
			delivered++
		default:
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range failed {
		slog.Warn("evicting slow consumer", "room", roomName, "conn", c.id)
		mark("drops", 1)
		go c.terminate(closeSlowConsumer, "send buffer overflow")
	}
	return delivered
}

// snapshot copies the whole registry for read-only consumers (heartbeat
// sweep, status endpoint). Never mutates registry state.
func (h *hub) snapshot() []roomSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snaps := make([]roomSnapshot, 0, len(h.rooms))
	for name, r := range h.rooms {
		snaps = append(snaps, roomSnapshot{name: name, policy: r.policy, members: r.memberList()})
	}
	return snaps
}

func (h *hub) listRooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	return names
}

// shutdownAll tells every session to close with the given code. Callers
// bound the grace period themselves (httpdown's stop timeout).
func (h *hub) shutdownAll(code int, reason string) {
	var all []*connection
	for _, snap := range h.snapshot() {
		all = append(all, snap.members...)
	}
	for _, c := range all {
		c.terminate(code, reason)
	}
	if len(all) > 0 {
		slog.Info("closed all sessions", "count", len(all))
	}
}
