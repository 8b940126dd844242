package worker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"vid2gif/config"
	"vid2gif/models"
	"vid2gif/queue"
	"vid2gif/services"
)

type fakeConverter struct {
	fail     bool
	progress []int
}

func (f *fakeConverter) ConvertToGif(ctx context.Context, inputPath, outputPath string, sink services.ProgressSink) (string, error) {
	if f.fail {
		return "", &services.TranscodeError{Message: "corrupt input"}
	}
	for _, p := range f.progress {
		sink.Progress(p)
	}
	if err := os.WriteFile(outputPath, []byte("GIF89a"), 0o644); err != nil {
		return "", err
	}
	sink.Progress(100)
	return outputPath, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (r *fakeRecorder) RecordOutcome(ctx context.Context, job models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *fakeRecorder) recorded() []models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Job(nil), r.jobs...)
}

type testPool struct {
	pool    *Pool
	queue   *queue.RedisQueue
	storage *services.StorageService
	janitor *services.Janitor
	mr      *miniredis.Miniredis
	policy  models.Policy
}

func newTestPool(t *testing.T, maxAttempts int, converter Converter, opts Options) *testPool {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	root := t.TempDir()
	uploads := filepath.Join(root, "uploads")
	converted := filepath.Join(root, "converted")
	for _, dir := range []string{uploads, converted} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	cfg := &config.Config{
		UploadsDir:       uploads,
		ConvertedDir:     converted,
		PollInterval:     10 * time.Millisecond,
		RecoveryInterval: 25 * time.Millisecond,
	}

	q := queue.NewRedisQueue(client, "test", 50*time.Millisecond)
	storage := services.NewStorageService(uploads, converted)
	janitor := services.NewJanitor(storage)
	t.Cleanup(janitor.Stop)

	return &testPool{
		pool:    NewPool(cfg, q, storage, converter, janitor, opts),
		queue:   q,
		storage: storage,
		janitor: janitor,
		mr:      mr,
		policy:  models.Policy{MaxAttempts: maxAttempts, BackoffBase: time.Millisecond, TTL: time.Hour},
	}
}

func (tp *testPool) submit(t *testing.T, filename string) string {
	t.Helper()
	id, err := tp.queue.Enqueue(context.Background(), queue.Payload{
		InputFilename:  filename,
		OutputFilename: services.OutputFilename(filename),
		OwnerID:        "u1",
	}, tp.policy)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func (tp *testPool) writeInput(t *testing.T, filename string) string {
	t.Helper()
	path := tp.storage.UploadPath(filename)
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func (tp *testPool) lease(t *testing.T) *models.Job {
	t.Helper()
	job, err := tp.queue.Lease(context.Background())
	if err != nil || job == nil {
		t.Fatalf("lease: job=%v err=%v", job, err)
	}
	return job
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestProcessJobSuccess(t *testing.T) {
	recorder := &fakeRecorder{}
	tp := newTestPool(t, 3, &fakeConverter{progress: []int{25, 75}}, Options{Recorder: recorder})
	ctx := context.Background()

	id := tp.submit(t, "clip.mp4")
	inputPath := tp.writeInput(t, "clip.mp4")

	tp.pool.processJob(ctx, 0, tp.lease(t))

	job, err := tp.queue.Get(ctx, id)
	if err != nil || job == nil {
		t.Fatalf("Get: job=%v err=%v", job, err)
	}
	if job.State != models.StateCompleted {
		t.Fatalf("want state=completed got=%s (error=%q)", job.State, job.Error)
	}
	if job.Progress != 100 || job.Result != "clip.gif" {
		t.Fatalf("unexpected terminal job: %+v", job)
	}

	if tp.storage.Exists(inputPath) {
		t.Fatal("input not deleted after successful conversion")
	}
	if !tp.storage.Exists(tp.storage.ConvertedPath("clip.gif")) {
		t.Fatal("output file missing")
	}
	if !tp.janitor.Cancel(id) {
		t.Fatal("output TTL deletion was not scheduled")
	}

	recs := recorder.recorded()
	if len(recs) != 1 || recs[0].State != models.StateCompleted {
		t.Fatalf("outcome not recorded: %+v", recs)
	}
}

func TestProcessJobMissingInputFailsFast(t *testing.T) {
	tp := newTestPool(t, 1, &fakeConverter{}, Options{})
	ctx := context.Background()

	id := tp.submit(t, "ghost.mp4")

	tp.pool.processJob(ctx, 0, tp.lease(t))

	job, _ := tp.queue.Get(ctx, id)
	if job.State != models.StateFailed {
		t.Fatalf("want state=failed got=%s", job.State)
	}
	if job.Error == "" {
		t.Fatal("expected a clear missing-input error")
	}
	if job.Attempts != 1 {
		t.Fatalf("missing input must consume an attempt, got %d", job.Attempts)
	}
}

func TestProcessJobEngineFailureLeavesInputForRetry(t *testing.T) {
	tp := newTestPool(t, 3, &fakeConverter{fail: true}, Options{})
	ctx := context.Background()

	id := tp.submit(t, "clip.mp4")
	inputPath := tp.writeInput(t, "clip.mp4")

	tp.pool.processJob(ctx, 0, tp.lease(t))

	job, _ := tp.queue.Get(ctx, id)
	if job.State != models.StateQueued {
		t.Fatalf("want requeued job, got state=%s", job.State)
	}
	if !tp.storage.Exists(inputPath) {
		t.Fatal("input deleted while retries remain")
	}
}

func TestProcessJobPermanentFailureDeletesInput(t *testing.T) {
	recorder := &fakeRecorder{}
	tp := newTestPool(t, 1, &fakeConverter{fail: true}, Options{Recorder: recorder})
	ctx := context.Background()

	id := tp.submit(t, "clip.mp4")
	inputPath := tp.writeInput(t, "clip.mp4")

	tp.pool.processJob(ctx, 0, tp.lease(t))

	job, _ := tp.queue.Get(ctx, id)
	if job.State != models.StateFailed {
		t.Fatalf("want state=failed got=%s", job.State)
	}
	if job.Error == "" || job.Result != "" {
		t.Fatalf("terminal failure malformed: %+v", job)
	}
	if tp.storage.Exists(inputPath) {
		t.Fatal("input not deleted after attempts were exhausted")
	}

	recs := recorder.recorded()
	if len(recs) != 1 || recs[0].State != models.StateFailed {
		t.Fatalf("outcome not recorded: %+v", recs)
	}
}

func TestStartWorkerDrainsQueue(t *testing.T) {
	tp := newTestPool(t, 3, &fakeConverter{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := tp.submit(t, "clip.mp4")
	tp.writeInput(t, "clip.mp4")

	done := make(chan struct{})
	go func() {
		defer close(done)
		tp.pool.StartWorker(ctx, 0)
	}()

	waitFor(t, 2*time.Second, func() bool {
		job, _ := tp.queue.Get(context.Background(), id)
		return job != nil && job.State == models.StateCompleted
	})

	cancel()
	<-done
}

func TestStartWorkerPausesUnderBackpressure(t *testing.T) {
	pressure := NewBackpressure(0.8, time.Hour)
	pressure.paused.Store(true)

	tp := newTestPool(t, 3, &fakeConverter{}, Options{Pressure: pressure})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := tp.submit(t, "clip.mp4")
	tp.writeInput(t, "clip.mp4")

	done := make(chan struct{})
	go func() {
		defer close(done)
		tp.pool.StartWorker(ctx, 0)
	}()

	time.Sleep(100 * time.Millisecond)
	job, _ := tp.queue.Get(context.Background(), id)
	if job.State != models.StateQueued {
		t.Fatalf("job leased while intake paused: state=%s", job.State)
	}

	// Releasing the pause lets the slot pick the job up.
	pressure.paused.Store(false)
	waitFor(t, 2*time.Second, func() bool {
		job, _ := tp.queue.Get(context.Background(), id)
		return job != nil && job.State == models.StateCompleted
	})

	cancel()
	<-done
}

func TestRecoverStalledDeletesInputOnPermanentFailure(t *testing.T) {
	recorder := &fakeRecorder{}
	tp := newTestPool(t, 1, &fakeConverter{}, Options{Recorder: recorder})
	ctx := context.Background()

	id := tp.submit(t, "clip.mp4")
	inputPath := tp.writeInput(t, "clip.mp4")
	tp.lease(t)

	// Age the heartbeat past the stall window.
	stale := time.Now().Add(-time.Minute).UnixMilli()
	tp.mr.HSet("test:job:"+id, "updated_at", strconv.FormatInt(stale, 10))

	tp.pool.recoverStalled(ctx)

	job, _ := tp.queue.Get(ctx, id)
	if job.State != models.StateFailed {
		t.Fatalf("want state=failed got=%s", job.State)
	}
	if tp.storage.Exists(inputPath) {
		t.Fatal("input not deleted after stall exhausted attempts")
	}
	if len(recorder.recorded()) != 1 {
		t.Fatalf("stall outcome not recorded: %+v", recorder.recorded())
	}
}
