package main

import (
	"log/slog"

	"github.com/gorilla/websocket"
)

// heartbeat probes connection liveness and drives per-room periodic
// maintenance. One scheduler goroutine serves the whole process, fed by the
// shared ticker; a zero heartbeat interval means no ticker and no scheduler.
type heartbeat struct {
	h *hub
}

func newHeartbeat(h *hub) *heartbeat {
	return &heartbeat{h: h}
}

func (hb *heartbeat) run(sub *subscriber) {
	for range sub.tick {
		hb.sweep()
	}
}

// sweep probes every open connection, then fires onHeartbeat for every room
// that has members. Probe failures and hook panics are isolated per
// connection and per room; the loop always finishes.
func (hb *heartbeat) sweep() {
	for _, snap := range hb.h.snapshot() {
		for _, c := range snap.members {
			hb.probe(c)
		}
		if len(snap.members) > 0 {
			guardHook("onHeartbeat", snap.name, snap.policy.onHeartbeat)
		}
	}
}

// probe kills a connection that never answered the previous probe,
// otherwise clears the flag and pings again. The pong handler is the only
// thing that sets the flag back, so a connection dies on its second
// consecutive missed probe regardless of idle-timeout settings.
func (hb *heartbeat) probe(c *connection) {
	if !c.alive.Load() {
		incr("probe.failures", 1)
		slog.Warn("liveness probe failed", "room", c.room, "conn", c.id)
		// The peer stopped answering pings; no point in a close frame.
		c.w.wsClose()
		c.teardown(websocket.CloseAbnormalClosure, "liveness probe failed")
		return
	}
	c.alive.Store(false)
	if err := c.w.wsWritePing(); err != nil {
		slog.Debug("ping write failed", "room", c.room, "conn", c.id, "err", err)
	}
}
