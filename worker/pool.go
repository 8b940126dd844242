package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"vid2gif/config"
	"vid2gif/models"
	"vid2gif/queue"
	"vid2gif/services"
)

// Converter runs one transcoding pass. Satisfied by
// services.FfmpegService; tests substitute fakes.
type Converter interface {
	ConvertToGif(ctx context.Context, inputPath, outputPath string, sink services.ProgressSink) (string, error)
}

// Archiver copies a converted artifact to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, localPath, filename string) error
}

// OutcomeRecorder persists terminal job outcomes outside the queue.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, job models.Job) error
}

// Options carries the optional pool collaborators. Nil fields disable
// the corresponding behaviour.
type Options struct {
	Pressure *Backpressure
	Archiver Archiver
	Recorder OutcomeRecorder
}

// Pool drains the queue with a fixed number of independent slots. Slots
// share no mutable state beyond the backpressure pause flag; per-job
// exclusivity is the queue's lease guarantee.
type Pool struct {
	cfg       *config.Config
	queue     queue.Queue
	storage   *services.StorageService
	converter Converter
	janitor   *services.Janitor
	opts      Options
}

func NewPool(cfg *config.Config, q queue.Queue, storage *services.StorageService, converter Converter, janitor *services.Janitor, opts Options) *Pool {
	return &Pool{
		cfg:       cfg,
		queue:     q,
		storage:   storage,
		converter: converter,
		janitor:   janitor,
		opts:      opts,
	}
}

// StartWorker runs one processing slot until the context is cancelled.
func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log.Printf("[Worker %d] Starting", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
		}

		if p.opts.Pressure != nil && p.opts.Pressure.Paused() {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}

		job, err := p.queue.Lease(ctx)
		if err != nil {
			log.Printf("[Worker %d] Lease error: %v", workerID, err)
			sleepCtx(ctx, 5*time.Second)
			continue
		}
		if job == nil {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}

		p.processJob(ctx, workerID, job)
	}
}

func (p *Pool) processJob(ctx context.Context, workerID int, job *models.Job) {
	log.Printf("[Worker %d] Processing job %s attempt %d/%d (%s)",
		workerID, job.ID, job.Attempts, job.Policy.MaxAttempts, job.InputFilename)

	inputPath := p.storage.UploadPath(job.InputFilename)
	if !p.storage.Exists(inputPath) {
		p.failJob(ctx, workerID, job, fmt.Sprintf("input file not found: %s", job.InputFilename))
		return
	}

	outputPath := p.storage.ConvertedPath(job.OutputFilename)
	startTime := time.Now()

	sink := services.ProgressFunc(func(percent int) {
		if err := p.queue.ReportProgress(ctx, job.ID, percent); err != nil {
			log.Printf("[Worker %d] Progress update failed for job %s: %v", workerID, job.ID, err)
		}
	})

	if _, err := p.converter.ConvertToGif(ctx, inputPath, outputPath, sink); err != nil {
		p.failJob(ctx, workerID, job, err.Error())
		return
	}

	if err := p.queue.Complete(ctx, job.ID, job.OutputFilename); err != nil {
		if errors.Is(err, queue.ErrStaleLease) {
			// Recovery took the job back while the conversion ran. Its
			// current state stands; leave the input for the retry.
			log.Printf("[Worker %d] Job %s was reclaimed before completion", workerID, job.ID)
			return
		}
		log.Printf("[Worker %d] Failed to mark job %s completed: %v", workerID, job.ID, err)
		return
	}

	// Input served its purpose; free the storage right away. Output
	// lives until its TTL or an explicit history deletion.
	if err := p.storage.Delete(inputPath); err != nil {
		log.Printf("[Worker %d] Failed to remove input for job %s: %v", workerID, job.ID, err)
	}

	if p.opts.Archiver != nil {
		if err := p.opts.Archiver.Archive(ctx, outputPath, job.OutputFilename); err != nil {
			log.Printf("[Worker %d] Archive failed for job %s: %v", workerID, job.ID, err)
		}
	}

	p.janitor.ScheduleDelete(job.ID, outputPath, job.Policy.TTL)
	p.recordOutcome(ctx, job.ID)

	log.Printf("[Worker %d] Job %s completed in %.2fs", workerID, job.ID, time.Since(startTime).Seconds())
}

func (p *Pool) failJob(ctx context.Context, workerID int, job *models.Job, reason string) {
	log.Printf("[Worker %d] Job %s attempt %d failed: %s", workerID, job.ID, job.Attempts, reason)

	updated, err := p.queue.Fail(ctx, job.ID, reason)
	if errors.Is(err, queue.ErrStaleLease) {
		log.Printf("[Worker %d] Job %s was reclaimed during processing", workerID, job.ID)
		return
	}
	if err != nil {
		log.Printf("[Worker %d] Failed to record failure for job %s: %v", workerID, job.ID, err)
		return
	}
	if updated == nil {
		return
	}

	if updated.State == models.StateFailed {
		// Attempts exhausted; the input will never be read again.
		if err := p.storage.Delete(p.storage.UploadPath(job.InputFilename)); err != nil {
			log.Printf("[Worker %d] Failed to remove input for job %s: %v", workerID, job.ID, err)
		}
		p.recordOutcome(ctx, job.ID)
		log.Printf("[Worker %d] Job %s failed permanently after %d attempts", workerID, job.ID, updated.Attempts)
	}
}

func (p *Pool) recordOutcome(ctx context.Context, jobID string) {
	if p.opts.Recorder == nil {
		return
	}
	job, err := p.queue.Get(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	if err := p.opts.Recorder.RecordOutcome(ctx, *job); err != nil {
		log.Printf("[Audit] Failed to record outcome for job %s: %v", jobID, err)
	}
}

// RecoveryLoop periodically requeues stalled jobs. A stall is a signal,
// not a fatal condition: the job just goes through the normal retry
// accounting.
func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RecoveryInterval)
	defer ticker.Stop()

	log.Println("[Recovery] Starting stalled job recovery loop")

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Shutting down")
			return
		case <-ticker.C:
			p.recoverStalled(ctx)
		}
	}
}

func (p *Pool) recoverStalled(ctx context.Context) {
	stalls, err := p.queue.RequeueStalled(ctx)
	if err != nil {
		log.Printf("[Recovery] Stall scan failed: %v", err)
		return
	}

	for _, s := range stalls {
		if s.Requeued {
			log.Printf("[Recovery] Job %s stalled (%s), requeued", s.JobID, s.Reason)
			continue
		}

		log.Printf("[Recovery] Job %s stalled (%s), attempts exhausted", s.JobID, s.Reason)
		if job, err := p.queue.Get(ctx, s.JobID); err == nil && job != nil {
			if err := p.storage.Delete(p.storage.UploadPath(job.InputFilename)); err != nil {
				log.Printf("[Recovery] Failed to remove input for job %s: %v", s.JobID, err)
			}
		}
		p.recordOutcome(ctx, s.JobID)
	}
}

// sleepCtx waits for d or until ctx is cancelled, whichever is first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
