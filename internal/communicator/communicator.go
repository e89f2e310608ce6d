// ============================================================================
// Multiworld Communicator - fail-fast dispatch onto per-world queues
// ============================================================================
//
// Package: internal/communicator
// File: communicator.go
// Purpose: Accept operations for any world without blocking and route them to
//          that world's executor
//
// Dispatch contract:
//   - world not ACTIVE  -> *world.WorldUnavailableError, nothing queued
//   - world ACTIVE      -> *Handle returned immediately
//
// The ACTIVE check and the enqueue happen under the executor's mutex, and
// Drain takes the same mutex, so no operation is queued after a drain.
// Lock order: executor.mu -> registry mutex.
//
// ============================================================================

package communicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/metrics"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

var (
	// ErrQueueFull is returned when a world already holds QueueSize pending operations
	ErrQueueFull = errors.New("communicator: queue full")

	// ErrInvalidRequest is returned for requests with an unknown kind
	ErrInvalidRequest = errors.New("communicator: invalid request")

	// ErrCommunicatorClosed resolves operations still queued at shutdown
	ErrCommunicatorClosed = errors.New("communicator: closed")
)

// Config tunes batching and queueing.
type Config struct {
	BatchWindow  time.Duration `yaml:"batch_window"`   // coalescing window, zero disables waiting
	MaxBatchSize int           `yaml:"max_batch_size"` // ops per backend round trip
	QueueSize    int           `yaml:"queue_size"`     // pending ops per world
}

// DefaultConfig returns the default batching parameters.
func DefaultConfig() Config {
	return Config{
		BatchWindow:  2 * time.Millisecond,
		MaxBatchSize: 16,
		QueueSize:    1024,
	}
}

// StatusReader is the part of the registry the communicator reads.
type StatusReader interface {
	GetStatus(id types.WorldID) types.WorldStatus
}

// FaultReporter receives backend faults observed while executing operations.
type FaultReporter interface {
	ReportFault(id types.WorldID, err error)
}

// Communicator routes operations to per-world executors.
type Communicator struct {
	status StatusReader
	cfg    Config

	mu        sync.RWMutex
	executors map[types.WorldID]*executor
	reporter  FaultReporter
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	seq    atomic.Uint64

	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Communicator.
type Option func(*Communicator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Communicator) { c.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Communicator) { c.metrics = m }
}

// New creates a communicator reading world status from status.
func New(status StatusReader, cfg Config, opts ...Option) *Communicator {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchWindow < 0 {
		cfg.BatchWindow = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Communicator{
		status:    status,
		cfg:       cfg,
		executors: make(map[types.WorldID]*executor),
		ctx:       ctx,
		cancel:    cancel,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "communicator")
	return c
}

// SetFaultReporter installs the receiver of backend faults.
func (c *Communicator) SetFaultReporter(r FaultReporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reporter = r
}

// Open starts the executor of w. Opening an open world is a no-op.
func (c *Communicator) Open(w *world.World) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.executors[w.ID]; ok {
		return
	}
	ex := newExecutor(c.ctx, c, w)
	c.executors[w.ID] = ex
	go ex.run()
}

// Drain closes the queue of id and resolves every queued operation with one
// *world.OperationFault carrying cause. The returned channel is closed when
// the executor has finished its in-flight batch and exited.
func (c *Communicator) Drain(id types.WorldID, cause error) <-chan struct{} {
	c.mu.Lock()
	ex, ok := c.executors[id]
	delete(c.executors, id)
	c.mu.Unlock()

	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	return ex.drain(cause)
}

// Dispatch enqueues req on world id and returns without waiting for the backend.
func (c *Communicator) Dispatch(id types.WorldID, req backend.Request) (*Handle, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidRequest, req.Kind)
	}
	kind := string(req.Kind)

	c.mu.RLock()
	ex := c.executors[id]
	c.mu.RUnlock()

	if ex == nil {
		c.metrics.RecordRejected(kind)
		return nil, c.unavailable(id)
	}

	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		c.metrics.RecordRejected(kind)
		return nil, c.unavailable(id)
	}
	if status := c.status.GetStatus(id); status != types.StatusActive {
		ex.mu.Unlock()
		c.metrics.RecordRejected(kind)
		return nil, &world.WorldUnavailableError{ID: id, Status: status}
	}
	if len(ex.queue) >= c.cfg.QueueSize {
		ex.mu.Unlock()
		c.metrics.RecordRejected(kind)
		return nil, fmt.Errorf("world %s: %w", id, ErrQueueFull)
	}

	h := newHandle(c.seq.Add(1), id, req)
	h.onDone = c.observe
	ex.queue = append(ex.queue, h)
	ex.mu.Unlock()

	ex.notify()
	c.metrics.RecordDispatch(kind)
	return h, nil
}

func (c *Communicator) unavailable(id types.WorldID) error {
	status := c.status.GetStatus(id)
	if status == types.StatusActive {
		// ACTIVE without a queue: Open ran after Close
		status = types.StatusInitializing
	}
	return &world.WorldUnavailableError{ID: id, Status: status}
}

func (c *Communicator) observe(h *Handle) {
	c.metrics.RecordCompleted(string(h.Kind), time.Since(h.EnqueuedAt), h.err != nil)
}

func (c *Communicator) reportFault(id types.WorldID, err error) {
	c.mu.RLock()
	r := c.reporter
	c.mu.RUnlock()
	if r != nil {
		r.ReportFault(id, err)
	}
}

// Close drains every world with ErrCommunicatorClosed and waits for the executors.
func (c *Communicator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]types.WorldID, 0, len(c.executors))
	for id := range c.executors {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	exits := make([]<-chan struct{}, 0, len(ids))
	for _, id := range ids {
		exits = append(exits, c.Drain(id, ErrCommunicatorClosed))
	}
	c.cancel()

	for _, done := range exits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ============================================================================
// Typed helpers
// ============================================================================

// Send queues a point-to-point send to dst.
func (c *Communicator) Send(id types.WorldID, dst int, data []float64) (*Handle, error) {
	return c.Dispatch(id, backend.Request{Kind: types.OpSend, Peer: dst, Data: data})
}

// Recv queues a receive from src.
func (c *Communicator) Recv(id types.WorldID, src int) (*Handle, error) {
	return c.Dispatch(id, backend.Request{Kind: types.OpRecv, Peer: src})
}

// Broadcast queues a broadcast of data from root. Non-root ranks pass nil.
func (c *Communicator) Broadcast(id types.WorldID, root int, data []float64) (*Handle, error) {
	return c.Dispatch(id, backend.Request{Kind: types.OpBroadcast, Peer: root, Data: data})
}

// Reduce queues a reduction to root.
func (c *Communicator) Reduce(id types.WorldID, root int, op types.ReduceOp, data []float64) (*Handle, error) {
	return c.Dispatch(id, backend.Request{Kind: types.OpReduce, Peer: root, Op: op, Data: data})
}

// AllReduce queues a reduction whose result every rank receives.
func (c *Communicator) AllReduce(id types.WorldID, op types.ReduceOp, data []float64) (*Handle, error) {
	return c.Dispatch(id, backend.Request{Kind: types.OpAllReduce, Peer: types.NoPeer, Op: op, Data: data})
}

// AllGather queues a gather whose rank-ordered result every rank receives.
func (c *Communicator) AllGather(id types.WorldID, data []float64) (*Handle, error) {
	return c.Dispatch(id, backend.Request{Kind: types.OpAllGather, Peer: types.NoPeer, Data: data})
}

// Gather queues a gather to root.
func (c *Communicator) Gather(id types.WorldID, root int, data []float64) (*Handle, error) {
	return c.Dispatch(id, backend.Request{Kind: types.OpGather, Peer: root, Data: data})
}

// Scatter queues a scatter from root. Only the root passes chunks.
func (c *Communicator) Scatter(id types.WorldID, root int, chunks [][]float64) (*Handle, error) {
	return c.Dispatch(id, backend.Request{Kind: types.OpScatter, Peer: root, Chunks: chunks})
}

// Source is one sender of a fan-in receive.
type Source struct {
	World types.WorldID
	Rank  int
}

// Arrival is one message of a fan-in receive.
type Arrival struct {
	Source Source
	Data   []float64
	Err    error
}

// RecvFIFO posts one Recv per source and delivers the messages in the order
// they arrive, not the order of srcs. Dispatch errors arrive first. The
// channel is closed once every source resolved or ctx is done.
func (c *Communicator) RecvFIFO(ctx context.Context, srcs []Source) <-chan Arrival {
	out := make(chan Arrival, len(srcs))
	var wg sync.WaitGroup
	for _, src := range srcs {
		h, err := c.Recv(src.World, src.Rank)
		if err != nil {
			out <- Arrival{Source: src, Err: err}
			continue
		}
		wg.Add(1)
		go func(src Source, h *Handle) {
			defer wg.Done()
			res, err := h.Wait(ctx)
			out <- Arrival{Source: src, Data: res.Data, Err: err}
		}(src, h)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
