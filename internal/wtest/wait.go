package wtest

import (
	"testing"
	"time"
)

// ReceiveSoon receives a value from ch, calling t.Fatal if the channel
// does not produce one within a short deadline.
func ReceiveSoon[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting to receive")
		panic("unreachable")
	}
}

// NotSending asserts that ch does not produce a value
// within a short window.
func NotSending[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("channel unexpectedly sent value %v", v)
	case <-time.After(50 * time.Millisecond):
		// Okay.
	}
}
