package worker

import (
	"errors"
	"testing"
	"time"
)

var errSample = errors.New("sample failed")

func TestBackpressurePausesAndResumes(t *testing.T) {
	b := NewBackpressure(0.8, time.Second)

	used := 0.5
	b.sample = func() (float64, error) { return used, nil }

	b.check()
	if b.Paused() {
		t.Fatal("paused below threshold")
	}

	used = 0.92
	b.check()
	if !b.Paused() {
		t.Fatal("not paused above threshold")
	}

	// Stays paused while pressure persists.
	b.check()
	if !b.Paused() {
		t.Fatal("pause flag flapped")
	}

	used = 0.6
	b.check()
	if b.Paused() {
		t.Fatal("not resumed after pressure subsided")
	}
}

func TestBackpressureSampleErrorKeepsState(t *testing.T) {
	b := NewBackpressure(0.8, time.Second)
	b.sample = func() (float64, error) { return 0.95, nil }
	b.check()
	if !b.Paused() {
		t.Fatal("not paused above threshold")
	}

	b.sample = func() (float64, error) { return 0, errSample }
	b.check()
	if !b.Paused() {
		t.Fatal("sample error must not resume intake")
	}
}

func TestBackpressureDefaults(t *testing.T) {
	b := NewBackpressure(0, 0)
	if b.threshold != 0.8 {
		t.Fatalf("want default threshold 0.8, got %v", b.threshold)
	}
	if b.interval != 10*time.Second {
		t.Fatalf("want default interval 10s, got %v", b.interval)
	}
}
