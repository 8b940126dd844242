package services

import (
	"context"
	"errors"
	"log"
	"sort"

	"vid2gif/models"
	"vid2gif/queue"
)

var (
	// ErrInvalidInput marks a caller mistake that is never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound covers both a job that does not exist and a job owned
	// by someone else. The two cases are deliberately indistinguishable
	// so callers cannot probe for other users' jobs.
	ErrNotFound = errors.New("job not found")
)

// ConversionService translates caller intents into queue operations,
// scoped to the calling owner. The HTTP layer sits above it and is not
// part of this package.
type ConversionService struct {
	queue   queue.Queue
	storage *StorageService
	janitor *Janitor
	policy  models.Policy
}

func NewConversionService(q queue.Queue, storage *StorageService, janitor *Janitor, policy models.Policy) *ConversionService {
	return &ConversionService{
		queue:   q,
		storage: storage,
		janitor: janitor,
		policy:  policy,
	}
}

// Submit enqueues a conversion for an already-uploaded video and
// returns the new job ID. If enqueueing fails the upload is removed so
// it does not linger with no job referencing it.
func (c *ConversionService) Submit(ctx context.Context, inputFilename, ownerID string) (string, error) {
	if inputFilename == "" {
		return "", ErrInvalidInput
	}

	id, err := c.queue.Enqueue(ctx, queue.Payload{
		InputFilename:  inputFilename,
		OutputFilename: OutputFilename(inputFilename),
		OwnerID:        ownerID,
	}, c.policy)
	if err != nil {
		if cleanupErr := c.storage.Delete(c.storage.UploadPath(inputFilename)); cleanupErr != nil {
			log.Printf("[Conversion] Failed to clean up upload after enqueue error: %v", cleanupErr)
		}
		return "", err
	}

	log.Printf("[Conversion] Queued job %s (%s -> %s)", id, inputFilename, OutputFilename(inputFilename))
	return id, nil
}

// Status returns the caller-visible view of one job.
func (c *ConversionService) Status(ctx context.Context, jobID, ownerID string) (models.JobView, error) {
	job, err := c.owned(ctx, jobID, ownerID)
	if err != nil {
		return models.JobView{}, err
	}
	return job.View(), nil
}

// History lists the caller's terminal jobs, most recently finished
// first.
func (c *ConversionService) History(ctx context.Context, ownerID string) ([]models.JobView, error) {
	jobs, err := c.queue.ListByState(ctx, models.StateCompleted, models.StateFailed)
	if err != nil {
		return nil, err
	}

	views := make([]models.JobView, 0, len(jobs))
	for _, job := range jobs {
		if job.OwnerID == ownerID {
			views = append(views, job.View())
		}
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Timestamp > views[j].Timestamp
	})
	return views, nil
}

// DeleteHistory removes a terminal job and whatever artifact files it
// still references. The pending TTL deletion for the output, if any, is
// cancelled first so the removal here is the only one. File cleanup
// errors are logged and swallowed; the record is removed regardless.
func (c *ConversionService) DeleteHistory(ctx context.Context, jobID, ownerID string) error {
	job, err := c.owned(ctx, jobID, ownerID)
	if err != nil {
		return err
	}
	if !job.State.Terminal() {
		return ErrInvalidInput
	}

	c.janitor.Cancel(jobID)

	if err := c.storage.Delete(c.storage.UploadPath(job.InputFilename)); err != nil {
		log.Printf("[Conversion] Failed to remove input for job %s: %v", jobID, err)
	}
	if err := c.storage.Delete(c.storage.ConvertedPath(job.OutputFilename)); err != nil {
		log.Printf("[Conversion] Failed to remove output for job %s: %v", jobID, err)
	}

	return c.queue.Remove(ctx, jobID)
}

// owned loads a job and applies the ownership rule shared by Status and
// DeleteHistory.
func (c *ConversionService) owned(ctx context.Context, jobID, ownerID string) (*models.Job, error) {
	job, err := c.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return job, nil
}
