package backoff

import (
	"testing"
	"time"
)

func TestSequence(t *testing.T) {
	b := New(100*time.Millisecond, 2*time.Second)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}

func TestReset(t *testing.T) {
	b := New(100*time.Millisecond, 2*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	if got, want := b.Next(), 100*time.Millisecond; got != want {
		t.Fatalf("Next() after Reset = %v, want %v", got, want)
	}
}
