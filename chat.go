package main

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	roomChat = "chat"

	// connection metadata key owned by this policy
	metaChatNick = "chat.nick"

	maxNickLen = 32
)

// chatPolicy backs the statically registered "chat" room: nicknames, a user
// list in the stats snapshot, and a capacity limit. Nicknames come from the
// claim metadata and can be changed with a {"type":"nick"} frame, which is
// accepted silently and never broadcast.
type chatPolicy struct {
	basePolicy
	capacity int
}

func newChatPolicy(capacity int) *chatPolicy {
	return &chatPolicy{capacity: capacity}
}

func (p *chatPolicy) admit(claim *Claim, ctx admitContext) *rejection {
	if rej := p.basePolicy.admit(claim, ctx); rej != nil {
		return rej
	}
	if p.capacity > 0 && ctx.members >= p.capacity {
		return &rejection{code: closePolicyReject, reason: "room is full"}
	}
	return nil
}

func (p *chatPolicy) onJoin(c *connection) {
	nick := c.clientID()
	if c.claim != nil {
		if n, ok := c.claim.Metadata["nick"]; ok && validNick(n) {
			nick = n
		}
	}
	c.setMeta(metaChatNick, nick)
	p.basePolicy.onJoin(c)
	p.notice(c, nick+" joined")
}

func (p *chatPolicy) onLeave(c *connection, code int, reason string) {
	p.basePolicy.onLeave(c, code, reason)
	p.notice(c, p.nick(c)+" left")
}

// notice broadcasts a membership event to everyone in the room except its
// subject.
func (p *chatPolicy) notice(c *connection, text string) {
	payload, err := json.Marshal(message{
		"type": "notice",
		"room": roomChat,
		"text": text,
		"ts":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	c.h.broadcast(roomChat, payload, c)
}

func (p *chatPolicy) validateMessage(msg message, c *connection) *rejection {
	switch msg["type"] {
	case "nick":
		nick, _ := msg["nick"].(string)
		if !validNick(nick) {
			return &rejection{reason: "nick must be 1-32 characters"}
		}
		return nil
	default:
		text, _ := msg["text"].(string)
		if strings.TrimSpace(text) == "" {
			return &rejection{reason: "chat message requires a non-empty text field"}
		}
		return nil
	}
}

func (p *chatPolicy) transformMessage(msg message, c *connection) (message, bool) {
	if msg["type"] == "nick" {
		// A nickname change is an action, not a chat line. Accept, don't
		// broadcast.
		c.setMeta(metaChatNick, msg["nick"].(string))
		return nil, true
	}
	return message{
		"type": "chat",
		"id":   ulid.Make().String(),
		"room": roomChat,
		"nick": p.nick(c),
		"text": msg["text"],
		"ts":   time.Now().UTC().Format(time.RFC3339),
	}, false
}

func (p *chatPolicy) welcome(c *connection) message {
	return message{"type": "welcome", "room": roomChat, "nick": p.nick(c)}
}

func (p *chatPolicy) stats(members []*connection) message {
	users := make([]message, 0, len(members))
	for _, c := range members {
		users = append(users, message{
			"nick":             p.nick(c),
			"connectedSeconds": int(time.Since(c.openedAt).Seconds()),
			"messages":         c.messageCount.Load(),
		})
	}
	return message{"members": len(members), "users": users}
}

func (p *chatPolicy) nick(c *connection) string {
	if v, ok := c.getMeta(metaChatNick); ok {
		if nick, ok := v.(string); ok {
			return nick
		}
	}
	return c.clientID()
}

func validNick(nick string) bool {
	nick = strings.TrimSpace(nick)
	return nick != "" && len(nick) <= maxNickLen
}
