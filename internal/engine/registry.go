package engine

import (
	"log/slog"
	"sync"
	"time"
)

// Handle controls a live subprocess owned by one operation.
type Handle interface {
	// Terminate sends a graceful stop signal.
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Registry is a thread-safe mapping from operation ID to the live subprocess
// handle. It lets an out-of-band cancellation request reach a worker that is
// blocked waiting on subprocess completion. It is deliberately decoupled from
// persisted operation status so status updates and process control never
// deadlock on each other.
type Registry struct {
	mu     sync.Mutex
	procs  map[string]Handle
	logger *slog.Logger
}

// NewRegistry creates an empty process registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		procs:  make(map[string]Handle),
		logger: logger,
	}
}

// Register records the subprocess handle for an operation.
func (r *Registry) Register(operationID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[operationID] = h
	r.logger.Debug("registered process", "operation_id", operationID)
}

// Unregister removes the handle for an operation, if present.
func (r *Registry) Unregister(operationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, operationID)
	r.logger.Debug("unregistered process", "operation_id", operationID)
}

// Get returns the handle for an operation, if one is registered.
func (r *Registry) Get(operationID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.procs[operationID]
	return h, ok
}

// Terminate gracefully stops the subprocess for an operation, waiting up to
// grace before force-killing it. The entry is always removed afterward.
// Returns false when no handle was registered, which means the operation
// already finished or never spawned a subprocess.
func (r *Registry) Terminate(operationID string, grace time.Duration) bool {
	h, ok := r.Get(operationID)
	if !ok {
		return false
	}
	defer r.Unregister(operationID)

	if err := h.Terminate(); err != nil {
		r.logger.Warn("terminate signal failed", "operation_id", operationID, "error", err)
	}

	select {
	case <-h.Done():
	case <-time.After(grace):
		if err := h.Kill(); err != nil {
			r.logger.Warn("kill failed", "operation_id", operationID, "error", err)
		}
	}
	return true
}
