package main

import (
	"log/slog"
	"net/http"
	"time"
)

// message is one frame body or outbound payload: a keyed JSON object.
type message map[string]interface{}

// rejection is a refusal from a policy hook. On the admission path code is
// a websocket close code, on the push path an HTTP status; per-message
// validation uses only reason, which is reflected to the sender.
type rejection struct {
	code   int
	reason string
}

// admitContext describes a connection attempt to a policy.
type admitContext struct {
	room       string
	remoteAddr string
	header     http.Header
	members    int // current room occupancy, for capacity checks
}

// policy is the per-room behavior contract. The registry and fanout engine
// stay room-agnostic; everything room-specific lives behind this interface.
// Hooks are called from connection goroutines, HTTP handlers and the
// heartbeat scheduler, so implementations guard their own state.
type policy interface {
	// admit runs once per connection attempt, before the connection joins
	// the room. nil means accept.
	admit(claim *Claim, ctx admitContext) *rejection

	// onJoin and onLeave observe the membership lifecycle. onLeave fires
	// exactly once per connection, whatever triggered the close.
	onJoin(c *connection)
	onLeave(c *connection, code int, reason string)

	// validateMessage vets an inbound frame before broadcast. A rejection
	// is reflected to the sender only; the frame is not broadcast.
	validateMessage(msg message, c *connection) *rejection

	// transformMessage may replace the outbound payload. nil with
	// suppress=false broadcasts the default envelope; suppress=true accepts
	// the frame without broadcasting anything.
	transformMessage(msg message, c *connection) (replacement message, suppress bool)

	// validateHTTPPush and transformHTTPPush mirror the two hooks above for
	// the side-channel push path. validateHTTPPush sees the verified claim
	// so policies can gate publishing on claim metadata.
	validateHTTPPush(claim *Claim, body message) *rejection
	transformHTTPPush(body message) (replacement message, rej *rejection)

	// welcome builds a greeting for a newly admitted connection; nil falls
	// back to the generic greeting.
	welcome(c *connection) message

	// stats reports room metrics for the monitoring snapshot. Read-only.
	stats(members []*connection) message

	// onHeartbeat runs on every heartbeat tick while the room has members.
	onHeartbeat()
}

// basePolicy governs rooms without registered behavior and is the embedded
// default for the concrete policies. Its admit demands a claim: the
// interface permits anonymous rooms, but a policy has to opt into that by
// overriding admit.
type basePolicy struct{}

func (basePolicy) admit(claim *Claim, ctx admitContext) *rejection {
	if claim == nil {
		return &rejection{code: closeBadToken, reason: "authentication required"}
	}
	if !claim.IsService() && claim.Room != ctx.room {
		return &rejection{code: closeWrongRoom, reason: "token issued for a different room"}
	}
	return nil
}

func (basePolicy) onJoin(c *connection) {
	slog.Info("joined", "room", c.room, "conn", c.id, "client", c.clientID(), "remote", c.remote)
}

func (basePolicy) onLeave(c *connection, code int, reason string) {
	slog.Info("left", "room", c.room, "conn", c.id, "code", code, "reason", reason,
		"connected", time.Since(c.openedAt).Round(time.Second), "messages", c.messageCount.Load())
}

func (basePolicy) validateMessage(message, *connection) *rejection { return nil }

func (basePolicy) transformMessage(message, *connection) (message, bool) { return nil, false }

func (basePolicy) validateHTTPPush(*Claim, message) *rejection { return nil }

func (basePolicy) transformHTTPPush(message) (message, *rejection) { return nil, nil }

func (basePolicy) welcome(*connection) message { return nil }

func (basePolicy) stats(members []*connection) message {
	return message{"members": len(members)}
}

func (basePolicy) onHeartbeat() {}

// The guard functions below are the only way the rest of the code invokes
// policy hooks. A panicking hook is logged and converted into a generic
// outcome for the offending party; it never crashes the process or corrupts
// registry state.

func guardAdmit(p policy, claim *Claim, ctx admitContext) (rej *rejection) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("admit hook panicked", "room", ctx.room, "panic", r)
			rej = &rejection{code: closePolicyReject, reason: "internal error"}
		}
	}()
	return p.admit(claim, ctx)
}

func guardHook(name, room string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("policy hook panicked", "hook", name, "room", room, "panic", r)
		}
	}()
	fn()
}

func guardValidateMessage(p policy, msg message, c *connection) (rej *rejection) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("validateMessage panicked", "room", c.room, "panic", r)
			rej = &rejection{reason: "internal error"}
		}
	}()
	return p.validateMessage(msg, c)
}

func guardTransformMessage(p policy, msg message, c *connection) (out message, suppress bool, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transformMessage panicked", "room", c.room, "panic", r)
			out, suppress, failed = nil, false, true
		}
	}()
	out, suppress = p.transformMessage(msg, c)
	return out, suppress, false
}

func guardValidatePush(p policy, room string, claim *Claim, body message) (rej *rejection) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("validateHTTPPush panicked", "room", room, "panic", r)
			rej = &rejection{code: http.StatusInternalServerError, reason: "internal error"}
		}
	}()
	return p.validateHTTPPush(claim, body)
}

func guardTransformPush(p policy, room string, body message) (out message, rej *rejection) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transformHTTPPush panicked", "room", room, "panic", r)
			out, rej = nil, &rejection{code: http.StatusInternalServerError, reason: "internal error"}
		}
	}()
	return p.transformHTTPPush(body)
}

func guardWelcome(p policy, c *connection) (out message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("welcome hook panicked", "room", c.room, "panic", r)
			out = nil
		}
	}()
	return p.welcome(c)
}

func guardStats(p policy, name string, members []*connection) (out message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stats hook panicked", "room", name, "panic", r)
			out = message{"members": len(members)}
		}
	}()
	return p.stats(members)
}
