package worker

import (
	"context"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Backpressure samples system memory on a fixed interval and pauses
// lease intake while usage sits above the threshold. Advisory only: a
// paused job simply waits in the queue longer.
type Backpressure struct {
	threshold float64
	interval  time.Duration
	sample    func() (float64, error)
	paused    atomic.Bool
}

// NewBackpressure builds a controller pausing intake above the given
// used/total fraction (0 < threshold < 1; anything else falls back to
// 0.8).
func NewBackpressure(threshold float64, interval time.Duration) *Backpressure {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.8
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Backpressure{
		threshold: threshold,
		interval:  interval,
		sample:    sampleMemory,
	}
}

func sampleMemory() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100, nil
}

// Paused reports whether intake is currently suspended. Read by every
// worker slot before leasing.
func (b *Backpressure) Paused() bool {
	return b.paused.Load()
}

// Run samples until the context is cancelled.
func (b *Backpressure) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.check()
		}
	}
}

func (b *Backpressure) check() {
	used, err := b.sample()
	if err != nil {
		log.Printf("[Backpressure] Memory sample failed: %v", err)
		return
	}

	switch {
	case used >= b.threshold && !b.paused.Load():
		b.paused.Store(true)
		log.Printf("[Backpressure] Memory at %.0f%%, pausing intake", used*100)
		debug.FreeOSMemory()
	case used < b.threshold && b.paused.Load():
		b.paused.Store(false)
		log.Printf("[Backpressure] Memory at %.0f%%, resuming intake", used*100)
	}
}
