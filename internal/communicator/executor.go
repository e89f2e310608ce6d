// ============================================================================
// Multiworld Executor - per-world operation loop
// ============================================================================
//
// Package: internal/communicator
// File: executor.go
// Purpose: Drain one world's queue in submission order, one goroutine per world
//
// Execution model:
//   ┌───────────────────────────────────────────┐
//   │  executor goroutine (one per world)       │
//   │  for {                                    │
//   │    ├─ wait for queued ops                 │
//   │    ├─ coalesce for BatchWindow            │
//   │    ├─ take up to MaxBatchSize             │
//   │    └─ run through Batcher or one by one   │
//   │  }                                        │
//   └───────────────────────────────────────────┘
//
// A slow or broken world only ever blocks its own goroutine.
//
// Failure handling:
//   - backend.Fault: the op and every later op of the batch resolve with
//     *world.OperationFault, the fault is reported, and from then on the
//     executor fails whatever it takes without calling the backend.
//   - other backend errors: only that op resolves with *world.BackendError.
//
// ============================================================================

package communicator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/world"
)

type executor struct {
	world *world.World
	comm  *Communicator
	ctx   context.Context
	log   *slog.Logger

	mu     sync.Mutex
	queue  []*Handle
	closed bool

	signal chan struct{}
	exited chan struct{}

	// owned by the run goroutine
	fault error
}

func newExecutor(ctx context.Context, c *Communicator, w *world.World) *executor {
	return &executor{
		world:  w,
		comm:   c,
		ctx:    ctx,
		log:    c.logger.With("world", w.ID.String()),
		signal: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
}

func (ex *executor) notify() {
	select {
	case ex.signal <- struct{}{}:
	default:
	}
}

// run is the main loop of the executor.
func (ex *executor) run() {
	defer close(ex.exited)
	ex.log.Debug("Executor started")
	for {
		batch, ok := ex.take()
		if !ok {
			ex.log.Debug("Executor stopped")
			return
		}
		ex.process(batch)
	}
}

// take blocks until operations are queued and returns up to MaxBatchSize of them.
// It returns false once the queue is closed and empty.
func (ex *executor) take() ([]*Handle, bool) {
	cfg := ex.comm.cfg
	for {
		ex.mu.Lock()
		n, closed := len(ex.queue), ex.closed
		ex.mu.Unlock()

		if n == 0 {
			if closed {
				return nil, false
			}
			select {
			case <-ex.signal:
			case <-ex.ctx.Done():
				return nil, false
			}
			continue
		}

		if cfg.BatchWindow > 0 && n < cfg.MaxBatchSize && !closed {
			timer := time.NewTimer(cfg.BatchWindow)
			select {
			case <-timer.C:
			case <-ex.ctx.Done():
			}
			timer.Stop()
		}

		ex.mu.Lock()
		k := min(len(ex.queue), cfg.MaxBatchSize)
		batch := make([]*Handle, k)
		copy(batch, ex.queue[:k])
		ex.queue = ex.queue[k:]
		ex.mu.Unlock()

		if len(batch) > 0 {
			return batch, true
		}
	}
}

// process runs batch in order, splitting it around non-fault errors.
func (ex *executor) process(batch []*Handle) {
	for len(batch) > 0 {
		if ex.fault != nil {
			ex.failAll(batch, ex.fault)
			return
		}

		n, err := ex.exec(batch)
		batch = batch[n:]
		if err == nil {
			return
		}

		if backend.IsFault(err) {
			ex.fault = err
			ex.log.Warn("Backend fault", "op_id", batch[0].OpID, "kind", batch[0].Kind, "error", err)
			ex.failAll(batch, err)
			ex.comm.reportFault(ex.world.ID, err)
			return
		}

		failing := batch[0]
		ex.log.Debug("Operation failed", "op_id", failing.OpID, "kind", failing.Kind, "error", err)
		failing.resolve(backend.Result{}, &world.BackendError{ID: ex.world.ID, Op: string(failing.Kind), Err: err})
		batch = batch[1:]
	}
}

// exec returns how many leading ops of batch completed, and the error of the next one.
func (ex *executor) exec(batch []*Handle) (int, error) {
	adapter := ex.world.Adapter()
	group := ex.world.Group()

	if batcher, ok := adapter.(backend.Batcher); ok && len(batch) > 1 {
		reqs := make([]backend.Request, len(batch))
		for i, h := range batch {
			reqs[i] = h.req
		}
		ex.comm.metrics.RecordBatch(len(reqs))
		results, err := batcher.ExecBatch(ex.ctx, group, reqs)
		for i, res := range results {
			batch[i].resolve(res, nil)
		}
		return len(results), err
	}

	ex.comm.metrics.RecordBatch(1)
	res, err := backend.Execute(ex.ctx, adapter, group, batch[0].req)
	if err != nil {
		return 0, err
	}
	batch[0].resolve(res, nil)
	return 1, nil
}

func (ex *executor) failAll(batch []*Handle, cause error) {
	for _, h := range batch {
		h.resolve(backend.Result{}, &world.OperationFault{ID: ex.world.ID, OpID: h.OpID, Kind: h.Kind, Cause: cause})
	}
}

// drain closes the queue and fails everything still queued with cause.
func (ex *executor) drain(cause error) <-chan struct{} {
	ex.mu.Lock()
	ex.closed = true
	pending := ex.queue
	ex.queue = nil
	ex.mu.Unlock()

	if len(pending) > 0 {
		ex.log.Info("Draining queue", "pending", len(pending))
	}
	ex.failAll(pending, cause)
	ex.notify()
	return ex.exited
}
