package main

import (
	"time"

	"github.com/gorilla/websocket"
)

// Time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// pongWaitFor sizes the read deadline from the probe interval: wide enough
// that two probes and their pongs fit before it fires, so the liveness flag,
// not the deadline, is what kills a silent peer. No probes means no
// deadline. Inbound frames refresh it, so a client that only ever sends
// never trips it either way.
func pongWaitFor(heartbeat time.Duration) time.Duration {
	if heartbeat <= 0 {
		return 0
	}
	return 5 * heartbeat / 2
}

// wsManager is the seam between a session and its transport. Pumps talk to
// this interface so tests can swap the socket for a mock.
type wsManager interface {
	wsSetReadLimit()
	wsSetReadDeadline()
	wsSetPongHandler(func())
	wsReadMessage() (int, []byte, error)
	wsSetWriteDeadline()
	wsWriteMessage(int, []byte) error
	wsWritePing() error
	wsWriteClose(code int, reason string) error
	wsClose()
}

type websocketInteractor struct {
	ws       *websocket.Conn
	limit    int64
	pongWait time.Duration
}

func (w websocketInteractor) wsSetReadLimit() {
	w.ws.SetReadLimit(w.limit)
}

func (w websocketInteractor) wsSetReadDeadline() {
	if w.pongWait <= 0 {
		w.ws.SetReadDeadline(time.Time{})
		return
	}
	w.ws.SetReadDeadline(time.Now().Add(w.pongWait))
}

func (w websocketInteractor) wsSetPongHandler(fn func()) {
	w.ws.SetPongHandler(func(string) error {
		w.wsSetReadDeadline()
		fn()
		return nil
	})
}

func (w websocketInteractor) wsReadMessage() (messageType int, p []byte, err error) {
	return w.ws.ReadMessage()
}

func (w websocketInteractor) wsSetWriteDeadline() {
	w.ws.SetWriteDeadline(time.Now().Add(writeWait))
}

func (w websocketInteractor) wsWriteMessage(messageType int, payload []byte) error {
	return w.ws.WriteMessage(messageType, payload)
}

// wsWritePing and wsWriteClose use control-frame writes, which gorilla
// allows concurrently with the writer pump.
func (w websocketInteractor) wsWritePing() error {
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w websocketInteractor) wsWriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (w websocketInteractor) wsClose() {
	w.ws.Close()
}
