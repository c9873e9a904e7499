package main

import (
	"sync"
	"time"
)

// mTicker fans one time.Ticker out to many subscribers. The heartbeat
// scheduler and every connection's idle/age watchdog share a single one, so
// the process carries one recurring timer regardless of connection count.
// Ticks a subscriber isn't ready for are discarded.
type mTicker struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	ticker      *time.Ticker
	stopCh      chan struct{}
	stopped     bool
}

type subscriber struct {
	tick chan time.Time
}

func newMTicker(interval time.Duration) *mTicker {
	t := &mTicker{
		subscribers: make(map[*subscriber]struct{}),
		ticker:      time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *mTicker) loop() {
	for {
		select {
		case now := <-t.ticker.C:
			t.mu.Lock()
			for sub := range t.subscribers {
				select {
				case sub.tick <- now:
				default:
					mark("ticks.dropped", 1)
				}
			}
			t.mu.Unlock()
		case <-t.stopCh:
			return
		}
	}
}

func (t *mTicker) subscribe() *subscriber {
	sub := &subscriber{tick: make(chan time.Time, 1)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		close(sub.tick)
		return sub
	}
	t.subscribers[sub] = struct{}{}
	return sub
}

func (t *mTicker) unsubscribe(sub *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	delete(t.subscribers, sub)
	close(sub.tick)
}

// stop halts the ticker and closes every subscribed channel.
func (t *mTicker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.ticker.Stop()
	close(t.stopCh)
	for sub := range t.subscribers {
		close(sub.tick)
		delete(t.subscribers, sub)
	}
}
