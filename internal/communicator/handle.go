package communicator

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// Handle is returned by Dispatch. It resolves exactly once, either with the
// backend result or with an error (*world.OperationFault, *world.BackendError).
type Handle struct {
	OpID       uint64
	WorldID    types.WorldID
	Kind       types.OpKind
	Peer       int
	EnqueuedAt time.Time

	req    backend.Request
	done   chan struct{}
	once   sync.Once
	result backend.Result
	err    error
	onDone func(h *Handle)
}

func newHandle(opID uint64, id types.WorldID, req backend.Request) *Handle {
	return &Handle{
		OpID:       opID,
		WorldID:    id,
		Kind:       req.Kind,
		Peer:       req.Peer,
		EnqueuedAt: time.Now(),
		req:        req,
		done:       make(chan struct{}),
	}
}

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves or ctx is done. A ctx error does not
// cancel the operation.
func (h *Handle) Wait(ctx context.Context) (backend.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return backend.Result{}, ctx.Err()
	}
}

// Poll returns the outcome without blocking. ok is false while pending.
func (h *Handle) Poll() (res backend.Result, ok bool, err error) {
	select {
	case <-h.done:
		return h.result, true, h.err
	default:
		return backend.Result{}, false, nil
	}
}

// resolve reports whether this call was the one that resolved the handle.
func (h *Handle) resolve(res backend.Result, err error) bool {
	resolved := false
	h.once.Do(func() {
		h.result = res
		h.err = err
		close(h.done)
		resolved = true
	})
	if resolved && h.onDone != nil {
		h.onDone(h)
	}
	return resolved
}
