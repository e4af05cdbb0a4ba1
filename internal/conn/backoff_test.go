package conn

import (
	"testing"
	"time"
)

var testDelays = []time.Duration{
	time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

func TestBackoffNonDecreasingUpToCap(t *testing.T) {
	b := newBackoff(testDelays)

	var prev time.Duration
	for i := 0; i < len(testDelays)+5; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("delay decreased: %v after %v", d, prev)
		}
		prev = d
	}
	if prev != 30*time.Second {
		t.Fatalf("capped delay = %v, want 30s", prev)
	}
}

func TestBackoffStaysAtCap(t *testing.T) {
	b := newBackoff(testDelays)
	for i := 0; i < len(testDelays); i++ {
		b.Next()
	}
	for i := 0; i < 3; i++ {
		if d := b.Next(); d != 30*time.Second {
			t.Fatalf("post-cap delay = %v, want 30s", d)
		}
	}
}

func TestBackoffResetsToFirstDelay(t *testing.T) {
	b := newBackoff(testDelays)
	b.Next()
	b.Next()
	b.Next()

	b.Reset()
	if d := b.Next(); d != time.Second {
		t.Fatalf("delay after reset = %v, want 1s", d)
	}
	if b.Attempt() != 1 {
		t.Fatalf("attempt after reset+next = %d, want 1", b.Attempt())
	}
}
