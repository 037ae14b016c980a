package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/minerva-story/server/internal/jobstore"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent publish jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	QueueSize     int
	Logger        *slog.Logger
}

// JobManager runs publish jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	logger   *slog.Logger
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor renders the job's story.
	Executor func(ctx context.Context, store *jobstore.Store, jobID string) error
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "jobs"),
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Jobs left running by a previous process are failed; queued ones are re-queued.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.logger.Error("failed to mark running jobs as failed", "err", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.logger.Error("failed to list queued jobs", "err", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.logger.Info("re-queued job", "job", job.ID)
			default:
				jm.logger.Warn("queue full, cannot re-queue job", "job", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			// Left queued; picked up again on the next start.
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil || job.Status != jobstore.JobStatusQueued {
		// Cancelled or deleted while queued.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		jm.logger.Error("failed to mark job started", "job", jobID, "err", err)
		return
	}
	jm.logger.Info("job started", "job", jobID, "story", job.StoryUUID)

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	status, msg := jobstore.JobStatusCompleted, ""
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = jobstore.JobStatusCancelled, "cancelled"
	case execErr != nil:
		status, msg = jobstore.JobStatusFailed, execErr.Error()
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		jm.logger.Error("failed to update job status", "job", jobID, "err", err)
	}
	jm.logger.Info("job finished", "job", jobID, "status", status, "err", msg)
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		jm.logger.Error("cleanup failed", "err", err)
	} else if deleted > 0 {
		jm.logger.Info("cleaned up expired jobs", "count", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.PublishParams) (*jobstore.PublishJob, error) {
	id := generateJobID()
	job := &jobstore.PublishJob{
		ID:        id,
		StoryUUID: params.StoryUUID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case <-jm.stopCh:
		jm.store.UpdateJobStatus(id, jobstore.JobStatusFailed, "server shutting down")
		job.Status = jobstore.JobStatusFailed
		return job, nil
	default:
	}

	select {
	case jm.queue <- id:
	default:
		jm.store.UpdateJobStatus(id, jobstore.JobStatusFailed, ErrQueueFull.Error())
		job.Status = jobstore.JobStatusFailed
		job.Error = ErrQueueFull.Error()
	}

	return job, nil
}

// Get returns a job by ID, or nil.
func (jm *JobManager) Get(id string) *jobstore.PublishJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.logger.Error("error getting job", "job", id, "err", err)
		return nil
	}
	return job
}

// ListByStory returns the jobs of a story, newest first.
func (jm *JobManager) ListByStory(storyUUID string) ([]*jobstore.PublishJob, error) {
	return jm.store.ListJobsByStory(storyUUID)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job record.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
