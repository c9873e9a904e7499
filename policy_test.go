package main

import (
	"testing"

	"github.com/golang-jwt/jwt"
)

func claimFor(room string) *Claim {
	return &Claim{
		Room:           room,
		StandardClaims: jwt.StandardClaims{Subject: "u1"},
	}
}

func TestBaseAdmit(t *testing.T) {
	p := basePolicy{}
	ctx := admitContext{room: "radio"}

	rej := p.admit(nil, ctx)
	if rej == nil || rej.code != closeBadToken {
		t.Fatal("Expectation: reject missing claim with", closeBadToken, "Received:", rej)
	}

	rej = p.admit(claimFor("chat"), ctx)
	if rej == nil || rej.code != closeWrongRoom {
		t.Fatal("Expectation: reject wrong room with", closeWrongRoom, "Received:", rej)
	}

	if rej = p.admit(claimFor("radio"), ctx); rej != nil {
		t.Fatal("Expectation: accept matching claim, Received:", rej)
	}

	// Service claims carry the wildcard room and pass everywhere.
	svc := claimFor(serviceRoom)
	if rej = p.admit(svc, ctx); rej != nil {
		t.Fatal("Expectation: accept service claim, Received:", rej)
	}
}

// panicPolicy blows up in every hook to exercise the guards.
type panicPolicy struct {
	basePolicy
}

func (panicPolicy) admit(*Claim, admitContext) *rejection           { panic("admit") }
func (panicPolicy) onJoin(*connection)                              { panic("onJoin") }
func (panicPolicy) validateMessage(message, *connection) *rejection { panic("validate") }
func (panicPolicy) transformMessage(message, *connection) (message, bool) {
	panic("transform")
}
func (panicPolicy) validateHTTPPush(*Claim, message) *rejection     { panic("validatePush") }
func (panicPolicy) transformHTTPPush(message) (message, *rejection) { panic("transformPush") }
func (panicPolicy) welcome(*connection) message                     { panic("welcome") }
func (panicPolicy) stats([]*connection) message                     { panic("stats") }
func (panicPolicy) onHeartbeat()                                    { panic("heartbeat") }

func TestGuardsRecover(t *testing.T) {
	p := panicPolicy{}
	h := newHub(nil)
	c := newTestConn(h, p, "monkey")

	rej := guardAdmit(p, nil, admitContext{room: "monkey"})
	if rej == nil || rej.code != closePolicyReject {
		t.Fatal("Expectation: generic rejection from panicking admit, Received:", rej)
	}

	if rej = guardValidateMessage(p, message{}, c); rej == nil {
		t.Fatal("Expectation: generic rejection from panicking validate")
	}

	_, _, failed := guardTransformMessage(p, message{}, c)
	if !failed {
		t.Fatal("Expectation: failed=true from panicking transform")
	}

	if rej = guardValidatePush(p, "monkey", nil, message{}); rej == nil || rej.code != 500 {
		t.Fatal("Expectation: 500 rejection from panicking push validate, Received:", rej)
	}

	if _, rej = guardTransformPush(p, "monkey", message{}); rej == nil {
		t.Fatal("Expectation: rejection from panicking push transform")
	}

	if out := guardWelcome(p, c); out != nil {
		t.Fatal("Expectation: nil welcome from panicking hook, Received:", out)
	}

	out := guardStats(p, "monkey", []*connection{c})
	if out == nil || out["members"] != 1 {
		t.Fatal("Expectation: fallback stats, Received:", out)
	}

	// Fire-and-observe hooks must simply not crash.
	guardHook("onJoin", "monkey", func() { p.onJoin(c) })
	guardHook("onHeartbeat", "monkey", p.onHeartbeat)
}
