// Package status is the in-memory Worker Status Registry of spec.md §2.4:
// a mutex-guarded table written by every worker and read by the external
// status endpoint. It intentionally holds no database connection — per §5,
// "Worker Status Registry: guarded by a mutex; read by the status endpoint."
package status

import (
	"sync"
	"time"

	"flowscan-clone/internal/models"
	"flowscan-clone/internal/rpcerr"
)

// Registry is the shared, process-wide worker status table.
type Registry struct {
	mu       sync.Mutex
	statuses map[string]*models.WorkerStatus
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{statuses: make(map[string]*models.WorkerStatus)}
}

// Register creates the initial stopped-state row for a worker name, so the
// status endpoint can report every configured worker even before its first
// loop iteration.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.statuses[name]; !ok {
		r.statuses[name] = &models.WorkerStatus{Name: name, State: models.WorkerStateStopped}
	}
}

// SetRunning marks name running and bumps LastRunAt.
func (r *Registry) SetRunning(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name)
	s.State = models.WorkerStateRunning
	s.LastRunAt = time.Now()
}

// SetIdle marks name idle: its last cycle finished without error and it is
// waiting before the next one.
func (r *Registry) SetIdle(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name)
	s.State = models.WorkerStateIdle
	s.LastRunAt = time.Now()
}

// SetStopped marks name stopped, used on clean shutdown.
func (r *Registry) SetStopped(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name)
	s.State = models.WorkerStateStopped
}

// RecordError records the error text and timestamp for name. Per §7's
// per-kind worker-state policy, only a Fatal error surfaces as the registry's
// "error" state; Transient, Exhausted and PermanentData errors are retried by
// the worker's own loop and leave the worker "running" (§8 scenario 6: a
// worker stays running while it retries an Exhausted condition).
func (r *Registry) RecordError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name)
	if rpcerr.ClassifyOf(err) == rpcerr.KindFatal {
		s.State = models.WorkerStateError
	} else {
		s.State = models.WorkerStateRunning
	}
	s.LastErrorAt = time.Now()
	s.LastError = err.Error()
}

// AddItemsProcessed increments name's processed counter by n.
func (r *Registry) AddItemsProcessed(name string, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name)
	s.ItemsProcessed += n
}

// get returns (creating if necessary) the status row for name. Callers must
// hold r.mu.
func (r *Registry) get(name string) *models.WorkerStatus {
	s, ok := r.statuses[name]
	if !ok {
		s = &models.WorkerStatus{Name: name}
		r.statuses[name] = s
	}
	return s
}

// Snapshot returns a copy of every worker's current status, safe to read
// without holding the registry's lock afterward.
func (r *Registry) Snapshot() []models.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.WorkerStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, *s)
	}
	return out
}
