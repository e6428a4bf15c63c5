package handlers

import (
	"testing"
	"time"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	tb := newTokenBucket(5, 1)
	for i := 0; i < 5; i++ {
		if !tb.allow() {
			t.Fatalf("message %d denied within burst", i)
		}
	}
	if tb.allow() {
		t.Error("message allowed after the burst was spent")
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	tb := newTokenBucket(1, 100)
	if !tb.allow() {
		t.Fatal("first message denied")
	}
	if tb.allow() {
		t.Fatal("second immediate message allowed")
	}
	time.Sleep(50 * time.Millisecond)
	if !tb.allow() {
		t.Error("message denied after refill window")
	}
}
