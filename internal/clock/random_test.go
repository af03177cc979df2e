package clock

import (
	"testing"
	"time"
)

func TestRandomnessDeterministic(t *testing.T) {
	a := NewRandomness(42)
	b := NewRandomness(42)
	for i := 0; i < 100; i++ {
		if got, want := a.Float64(), b.Float64(); got != want {
			t.Fatalf("diverged at step %d: %v != %v", i, got, want)
		}
	}
}

func TestRandomnessStateRoundTrip(t *testing.T) {
	r := NewRandomness(7)
	for i := 0; i < 10; i++ {
		r.Float64()
	}
	saved := r.StateBytes()
	next := r.Float64()

	restored := NewRandomness(1)
	restored.RestoreStateBytes(saved)
	if got := restored.Float64(); got != next {
		t.Fatalf("restored stream diverged: got %v want %v", got, next)
	}
}

func TestWeightedPickBounds(t *testing.T) {
	r := NewRandomness(1)
	weights := []float64{1, 2, 3}
	for i := 0; i < 50; i++ {
		idx := r.WeightedPick(weights)
		if idx < 0 || idx >= len(weights) {
			t.Fatalf("index out of range: %d", idx)
		}
	}
}

func TestWeightedPickZeroTotal(t *testing.T) {
	r := NewRandomness(1)
	if idx := r.WeightedPick([]float64{0, 0, 0}); idx != 0 {
		t.Fatalf("expected fallback index 0, got %d", idx)
	}
}

func TestDeterministicAdvanceFiresTicker(t *testing.T) {
	start, err := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	c := NewDeterministic(start)
	tk := c.NewTicker(time.Second)
	c.Advance(time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected ticker to fire after Advance")
	}
}
