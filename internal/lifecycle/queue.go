package lifecycle

import (
	"sync"

	"keepkeyhost/internal/worker"
)

// queueManager owns the live worker handle for each canonical device id.
// It is one of four independently-locked shared structures the manager
// touches (the alias map and temporarily-disconnected set share the
// Manager's own mutex); callers must respect the fixed lock order (queue
// manager → Manager mutex → recovery set → event bus) whenever more than
// one is held at once.
type queueManager struct {
	mu      sync.Mutex
	handles map[string]*worker.Handle
}

func newQueueManager() *queueManager {
	return &queueManager{handles: make(map[string]*worker.Handle)}
}

func (q *queueManager) get(id string) (*worker.Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handles[id]
	return h, ok
}

func (q *queueManager) set(id string, h *worker.Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handles[id] = h
}

// remove drops id's handle, if any, and closes it. Closing releases this
// queue's reference; the worker itself only shuts down once every clone
// is released.
func (q *queueManager) remove(id string) {
	q.mu.Lock()
	h, ok := q.handles[id]
	delete(q.handles, id)
	q.mu.Unlock()
	if ok {
		h.Close()
	}
}

// reset drops and closes every tracked handle, used by ResetUSBSubsystem.
func (q *queueManager) reset() {
	q.mu.Lock()
	old := q.handles
	q.handles = make(map[string]*worker.Handle)
	q.mu.Unlock()
	for _, h := range old {
		h.Close()
	}
}
