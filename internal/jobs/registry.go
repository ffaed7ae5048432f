package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidType  = errors.New("invalid job type")
	ErrInvalidState = errors.New("invalid job state")
)

const defaultMaxCompleted = 50

// Registry tracks every job the engine has seen. Callers only ever get
// snapshots; the registry owns the live records.
type Registry struct {
	mu sync.RWMutex

	jobs         map[string]*Job
	order        []string // registration order, oldest first
	maxCompleted int

	subscribers map[int]chan Event
	nextSubID   int
}

func NewRegistry(maxCompleted int) *Registry {
	if maxCompleted <= 0 {
		maxCompleted = defaultMaxCompleted
	}
	return &Registry{
		jobs:         make(map[string]*Job),
		maxCompleted: maxCompleted,
		subscribers:  make(map[int]chan Event),
	}
}

// Register creates a queued job with a short id. Short ids are what the
// UI polls with; eight hex chars is plenty at this volume.
func (r *Registry) Register(typ Type, payload Payload) (Job, error) {
	if !typ.Valid() {
		return Job{}, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString()[:8],
		Type:      typ,
		Status:    StatusQueued,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.publishLocked(Event{Type: EventJobQueued, JobID: job.ID, JobType: job.Type, Status: job.Status, At: now})
	return job.Clone(), nil
}

func (r *Registry) Get(jobID string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns the newest jobs first, at most limit.
func (r *Registry) List(limit int) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if job, ok := r.jobs[r.order[i]]; ok {
			out = append(out, job.Clone())
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r *Registry) MarkRunning(jobID string) (Job, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if job.Status != StatusQueued {
		return Job{}, fmt.Errorf("%w: running is only reachable from queued", ErrInvalidState)
	}
	job.Status = StatusRunning
	job.UpdatedAt = now
	job.StartedAt = &now
	r.publishLocked(Event{Type: EventJobStarted, JobID: job.ID, JobType: job.Type, Status: job.Status, At: now})
	return job.Clone(), nil
}

// SetProgress clamps progress into [0, total].
func (r *Registry) SetProgress(jobID string, progress, total int, detail string) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Terminal() {
		return
	}
	if total < 0 {
		total = 0
	}
	if progress < 0 {
		progress = 0
	}
	if total > 0 && progress > total {
		progress = total
	}
	job.Progress = progress
	job.Total = total
	job.Detail = detail
	job.UpdatedAt = now
	r.publishLocked(Event{
		Type: EventJobProgress, JobID: job.ID, JobType: job.Type, Status: job.Status,
		Progress: progress, Total: total, Detail: detail, At: now,
	})
}

func (r *Registry) Complete(jobID, detail string) (Job, error) {
	return r.finish(jobID, StatusCompleted, detail, "")
}

func (r *Registry) Fail(jobID, errDetail string) (Job, error) {
	return r.finish(jobID, StatusFailed, "", errDetail)
}

func (r *Registry) finish(jobID string, status Status, detail, errDetail string) (Job, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if job.Terminal() {
		return job.Clone(), nil
	}
	job.Status = status
	if detail != "" {
		job.Detail = detail
	}
	job.Error = errDetail
	job.UpdatedAt = now
	job.EndedAt = &now

	evtType := EventJobCompleted
	if status == StatusFailed {
		evtType = EventJobFailed
	}
	r.publishLocked(Event{
		Type: evtType, JobID: job.ID, JobType: job.Type, Status: job.Status,
		Progress: job.Progress, Total: job.Total, Detail: firstNonEmpty(errDetail, detail), At: now,
	})
	return job.Clone(), nil
}

// Cleanup evicts terminal jobs beyond the retention cap, oldest first.
// Queued and running jobs are never evicted.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	terminal := 0
	for _, id := range r.order {
		if job, ok := r.jobs[id]; ok && job.Terminal() {
			terminal++
		}
	}
	if terminal <= r.maxCompleted {
		return
	}

	evict := terminal - r.maxCompleted
	kept := r.order[:0]
	for _, id := range r.order {
		job, ok := r.jobs[id]
		if !ok {
			continue
		}
		if evict > 0 && job.Terminal() {
			delete(r.jobs, id)
			evict--
			continue
		}
		kept = append(kept, id)
	}
	r.order = append([]string(nil), kept...)
}

// Subscribe registers a job-event listener. Slow consumers drop events
// rather than blocking the engine.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subscribers[id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(c)
		}
	}
}

func (r *Registry) publishLocked(evt Event) {
	for _, ch := range r.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
