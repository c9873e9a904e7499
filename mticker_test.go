package main

import (
	"testing"
	"time"
)

func TestMTickerDeliversTicks(t *testing.T) {
	ticker := newMTicker(10 * time.Millisecond)
	defer ticker.stop()
	sub := ticker.subscribe()

	select {
	case <-sub.tick:
	case <-time.After(time.Second):
		t.Fatal("Expectation: tick within 1s, Received: none")
	}
}

func TestMTickerUnsubscribe(t *testing.T) {
	ticker := newMTicker(time.Hour)
	defer ticker.stop()
	sub := ticker.subscribe()

	ticker.unsubscribe(sub)
	if _, ok := <-sub.tick; ok {
		t.Fatal("Expectation: closed tick channel after unsubscribe")
	}

	// Double unsubscribe is harmless.
	ticker.unsubscribe(sub)
}

func TestMTickerStopClosesSubscribers(t *testing.T) {
	ticker := newMTicker(time.Hour)
	sub1 := ticker.subscribe()
	sub2 := ticker.subscribe()

	ticker.stop()
	for _, sub := range []*subscriber{sub1, sub2} {
		if _, ok := <-sub.tick; ok {
			t.Fatal("Expectation: closed tick channel after stop")
		}
	}

	// Late subscribers and double stops are harmless.
	late := ticker.subscribe()
	if _, ok := <-late.tick; ok {
		t.Fatal("Expectation: closed channel for post-stop subscriber")
	}
	ticker.stop()
}

func TestMTickerSlowSubscriberDropsTicks(t *testing.T) {
	ticker := newMTicker(5 * time.Millisecond)
	defer ticker.stop()
	sub := ticker.subscribe()

	// Never read; the buffered channel fills and later ticks are dropped
	// rather than blocking the loop.
	time.Sleep(50 * time.Millisecond)
	if len(sub.tick) != 1 {
		t.Fatal("Expectation: 1 buffered tick, Received:", len(sub.tick))
	}
}
