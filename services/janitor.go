package services

import (
	"log"
	"sync"
	"time"
)

// Janitor owns the deferred deletion of converted artifacts. Each
// scheduled deletion is an independent timer keyed by job ID so an
// explicit history deletion can cancel it before the TTL elapses.
type Janitor struct {
	storage *StorageService

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewJanitor(storage *StorageService) *Janitor {
	return &Janitor{
		storage: storage,
		timers:  make(map[string]*time.Timer),
	}
}

// ScheduleDelete arranges for path to be removed after ttl. Scheduling
// again under the same job ID replaces the previous timer.
func (j *Janitor) ScheduleDelete(jobID, path string, ttl time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if old, ok := j.timers[jobID]; ok {
		old.Stop()
	}
	j.timers[jobID] = time.AfterFunc(ttl, func() {
		j.mu.Lock()
		delete(j.timers, jobID)
		j.mu.Unlock()

		if err := j.storage.Delete(path); err != nil {
			log.Printf("[Janitor] Failed to remove %s after TTL: %v", path, err)
			return
		}
		log.Printf("[Janitor] Removed converted file after TTL: %s", path)
	})
}

// Cancel stops the pending deletion for jobID, reporting whether a
// timer was still armed.
func (j *Janitor) Cancel(jobID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	timer, ok := j.timers[jobID]
	if !ok {
		return false
	}
	delete(j.timers, jobID)
	return timer.Stop()
}

// Stop cancels every pending deletion. Used on shutdown; files whose
// timers were cancelled are picked up after the next completion cycle
// or by explicit history deletion.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for id, timer := range j.timers {
		timer.Stop()
		delete(j.timers, id)
	}
}
