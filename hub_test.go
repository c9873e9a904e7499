package main

import (
	"testing"
	"time"
)

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestJoinCreatesRoom(t *testing.T) {
	h := newHub(nil)
	if len(h.listRooms()) != 0 {
		t.Fatal("Expectation: 0 rooms, Received:", len(h.listRooms()))
	}

	c := joinTestConn(h, basePolicy{}, "monkey")
	if !contains(h.listRooms(), "monkey") {
		t.Fatal("Expectation: room monkey in registry")
	}
	if h.memberCount("monkey") != 1 {
		t.Fatal("Expectation: 1 member, Received:", h.memberCount("monkey"))
	}

	joinTestConn(h, basePolicy{}, "monkey")
	joinTestConn(h, basePolicy{}, "banana")
	if len(h.listRooms()) != 2 {
		t.Fatal("Expectation: 2 rooms, Received:", len(h.listRooms()))
	}
	_ = c
}

func TestLeavePrunesDynamicRoom(t *testing.T) {
	h := newHub(nil)
	c1 := joinTestConn(h, basePolicy{}, "monkey")
	c2 := joinTestConn(h, basePolicy{}, "monkey")

	h.leave(c1)
	if !contains(h.listRooms(), "monkey") {
		t.Fatal("room pruned while it still had a member")
	}
	h.leave(c2)
	if contains(h.listRooms(), "monkey") {
		t.Fatal("empty dynamic room not pruned")
	}

	// Leaving twice is harmless.
	h.leave(c2)
}

func TestStaticRoomSurvivesEmpty(t *testing.T) {
	h := newHub(map[string]policy{roomRadio: newRadioPolicy(10)})
	if !contains(h.listRooms(), roomRadio) {
		t.Fatal("static room not discoverable before first join")
	}

	c := joinTestConn(h, h.policyFor(roomRadio), roomRadio)
	h.leave(c)

	if !contains(h.listRooms(), roomRadio) {
		t.Fatal("static room pruned when empty")
	}
	if _, ok := h.policyFor(roomRadio).(*radioPolicy); !ok {
		t.Fatal("static policy lost after membership dropped to zero")
	}
}

func TestBroadcastRoomIsolation(t *testing.T) {
	h := newHub(nil)
	c1 := joinTestConn(h, basePolicy{}, "a")
	c2 := joinTestConn(h, basePolicy{}, "a")
	c3 := joinTestConn(h, basePolicy{}, "b")

	delivered := h.broadcast("a", []byte("hello"), nil)
	if delivered != 2 {
		t.Fatal("Expectation: delivered 2, Received:", delivered)
	}
	if len(c1.send) != 1 || len(c2.send) != 1 {
		t.Fatal("room members missed the broadcast")
	}
	if len(c3.send) != 0 {
		t.Fatal("message leaked into another room")
	}
}

func TestBroadcastSenderExclusion(t *testing.T) {
	h := newHub(nil)
	sender := joinTestConn(h, basePolicy{}, "a")
	other := joinTestConn(h, basePolicy{}, "a")

	delivered := h.broadcast("a", []byte("hello"), sender)
	if delivered != 1 {
		t.Fatal("Expectation: delivered 1, Received:", delivered)
	}
	if len(sender.send) != 0 {
		t.Fatal("sender received its own message")
	}
	if len(other.send) != 1 {
		t.Fatal("other member missed the broadcast")
	}
}

func TestBroadcastFanoutCompleteness(t *testing.T) {
	h := newHub(nil)
	n := 5
	conns := make([]*connection, n)
	for i := range conns {
		conns[i] = joinTestConn(h, basePolicy{}, "a")
	}

	delivered := h.broadcast("a", []byte("hello"), nil)
	if delivered != n {
		t.Fatal("Expectation: delivered", n, "Received:", delivered)
	}
}

func TestBroadcastUnknownRoom(t *testing.T) {
	h := newHub(nil)
	if delivered := h.broadcast("nowhere", []byte("hello"), nil); delivered != 0 {
		t.Fatal("Expectation: delivered 0, Received:", delivered)
	}
}

func TestBroadcastEvictsSlowConsumer(t *testing.T) {
	h := newHub(nil)
	slow := joinTestConn(h, basePolicy{}, "a")
	ok := joinTestConn(h, basePolicy{}, "a")
	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte("fill")
	}

	delivered := h.broadcast("a", []byte("hello"), nil)
	if delivered != 1 {
		t.Fatal("Expectation: delivered 1, Received:", delivered)
	}
	if len(ok.send) != 1 {
		t.Fatal("healthy member missed the broadcast")
	}

	// Eviction is asynchronous.
	deadline := time.Now().Add(time.Second)
	for h.memberCount("a") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("slow consumer not evicted, members:", h.memberCount("a"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The close frame names the real cause, not a policy decision.
	mock := slow.w.(*mockWsInteractor)
	if len(mock.closes) != 1 || mock.closes[0] != closeSlowConsumer {
		t.Fatal("Expectation: close code", closeSlowConsumer, "Received:", mock.closes)
	}
}

func TestSnapshotReadOnly(t *testing.T) {
	h := newHub(map[string]policy{roomChat: newChatPolicy(0)})
	joinTestConn(h, h.policyFor(roomChat), roomChat)

	snaps := h.snapshot()
	if len(snaps) != 1 {
		t.Fatal("Expectation: 1 room, Received:", len(snaps))
	}
	// Mutating the snapshot must not touch the registry.
	snaps[0].members = nil
	if h.memberCount(roomChat) != 1 {
		t.Fatal("snapshot mutation corrupted the registry")
	}
}

func TestShutdownAll(t *testing.T) {
	h := newHub(nil)
	c1 := joinTestConn(h, basePolicy{}, "a")
	c2 := joinTestConn(h, basePolicy{}, "b")

	h.shutdownAll(closeShutdown, "server shutting down")
	if len(h.listRooms()) != 0 {
		t.Fatal("Expectation: 0 rooms after shutdown, Received:", h.listRooms())
	}
	for _, c := range []*connection{c1, c2} {
		mock := c.w.(*mockWsInteractor)
		if !mock.closed {
			t.Fatal("connection not closed on shutdown")
		}
		if len(mock.closes) != 1 || mock.closes[0] != closeShutdown {
			t.Fatal("Expectation: close code", closeShutdown, "Received:", mock.closes)
		}
	}
}
