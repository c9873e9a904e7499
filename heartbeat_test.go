package main

import (
	"testing"
)

func TestProbeKillsOnSecondMiss(t *testing.T) {
	h := newHub(nil)
	c := joinTestConn(h, basePolicy{}, "monkey")
	mock := c.w.(*mockWsInteractor)
	hb := newHeartbeat(h)

	// First sweep: flag was set at connect time, so the probe clears it and
	// pings. Idle timeout is disabled; only liveness can kill this session.
	hb.sweep()
	if mock.pings != 1 {
		t.Fatal("Expectation: 1 ping, Received:", mock.pings)
	}
	if h.memberCount("monkey") != 1 {
		t.Fatal("connection killed on first sweep")
	}

	// No pong arrives. Second sweep finds the flag still cleared.
	hb.sweep()
	if !mock.closed {
		t.Fatal("Expectation: socket closed on second missed probe")
	}
	if h.memberCount("monkey") != 0 {
		t.Fatal("Expectation: 0 members, Received:", h.memberCount("monkey"))
	}
}

func TestProbeHonorsPong(t *testing.T) {
	h := newHub(nil)
	c := joinTestConn(h, basePolicy{}, "monkey")
	mock := c.w.(*mockWsInteractor)
	hb := newHeartbeat(h)

	for i := 0; i < 5; i++ {
		hb.sweep()
		c.alive.Store(true) // pong handler
	}
	if mock.closed {
		t.Fatal("responsive connection was killed")
	}
	if mock.pings != 5 {
		t.Fatal("Expectation: 5 pings, Received:", mock.pings)
	}
}

type tickCountPolicy struct {
	basePolicy
	ticks int
}

func (p *tickCountPolicy) onHeartbeat() {
	p.ticks++
}

func TestHeartbeatInvokesRoomHook(t *testing.T) {
	counting := &tickCountPolicy{}
	h := newHub(map[string]policy{"counted": counting, "empty": &tickCountPolicy{}})
	c := joinTestConn(h, counting, "counted")
	c.alive.Store(true)
	hb := newHeartbeat(h)

	hb.sweep()
	if counting.ticks != 1 {
		t.Fatal("Expectation: 1 hook tick, Received:", counting.ticks)
	}

	// Rooms with no members are skipped.
	empty := h.policyFor("empty").(*tickCountPolicy)
	if empty.ticks != 0 {
		t.Fatal("Expectation: 0 ticks for empty room, Received:", empty.ticks)
	}
}

func TestHeartbeatIsolatesHookPanic(t *testing.T) {
	counting := &tickCountPolicy{}
	h := newHub(map[string]policy{"bad": panicPolicy{}, "good": counting})
	cBad := newConnection(&mockWsInteractor{}, h, panicPolicy{}, "bad", nil, "test")
	h.join(cBad)
	cGood := joinTestConn(h, counting, "good")
	cBad.alive.Store(true)
	cGood.alive.Store(true)

	hb := newHeartbeat(h)
	hb.sweep() // must not panic
	if counting.ticks != 1 {
		t.Fatal("panicking room stopped the sweep, ticks:", counting.ticks)
	}
}
