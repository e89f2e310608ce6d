// ============================================================================
// Multiworld Controller - composition root
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Wire registry, communicator, watchdog, metrics and backends
//          into one node, and own their lifecycle
//
// Wiring:
//
//   Registry ──Watch/Teardown──> Watchdog ──Open/Drain──> Communicator
//      ^                            ^                          |
//      └──────── GetStatus ─────────┼──────────────────────────┤
//                                   └──────ReportFault─────────┘
//
//   The three components only know each other through narrow interfaces
//   (world.Supervisor, watchdog.Queues, communicator.FaultReporter); the
//   controller installs the concrete instances with setters.
//
// Lifecycle:
//   New   -> components built, nothing running
//   Start -> watchdog probe loop running
//   Stop  -> every world destroyed, probe loop stopped, executors joined
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/communicator"
	"github.com/ChuLiYu/multiworld/internal/metrics"
	"github.com/ChuLiYu/multiworld/internal/watchdog"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Data structures
// ============================================================================

// Config Controller configuration
type Config struct {
	NodeName          string              // human readable name, logged with every line
	MailboxDepth      int                 // built-in memory backend mailbox bound
	RendezvousTimeout time.Duration       // bound on CreateWorld's rendezvous
	ShutdownTimeout   time.Duration       // bound on Stop
	Communicator      communicator.Config // batching
	Watchdog          watchdog.Config     // probing and teardown bounds
}

// DefaultConfig returns a Config with every field set.
func DefaultConfig() Config {
	return Config{
		NodeName:          "multiworld",
		MailboxDepth:      backend.DefaultMailboxDepth,
		RendezvousTimeout: 30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Communicator:      communicator.DefaultConfig(),
		Watchdog:          watchdog.DefaultConfig(),
	}
}

// Controller core coordinator of one node
type Controller struct {
	id     string
	config Config
	logger *slog.Logger

	adapters []backend.Adapter
	metrics  *metrics.Collector

	registry *world.Registry
	comm     *communicator.Communicator
	watchdog *watchdog.Watchdog

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithAdapter registers a backend. Without any, an in-process Hub is created.
func WithAdapter(a backend.Adapter) Option {
	return func(c *Controller) { c.adapters = append(c.adapters, a) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// ============================================================================
// Construction and lifecycle
// ============================================================================

// New builds a controller. Nothing runs until Start.
func New(config Config, opts ...Option) (*Controller, error) {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	c := &Controller{
		id:     uuid.NewString(),
		config: config,
		logger: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("node", config.NodeName, "node_id", c.id)

	if len(c.adapters) == 0 {
		c.adapters = append(c.adapters, backend.NewHub(config.MailboxDepth, c.logger))
	}

	seen := make(map[string]bool, len(c.adapters))
	regOpts := []world.Option{
		world.WithLogger(c.logger),
		world.WithMetrics(c.metrics),
		world.WithRendezvousTimeout(config.RendezvousTimeout),
	}
	for _, a := range c.adapters {
		if seen[a.Kind()] {
			return nil, fmt.Errorf("duplicate backend kind %q", a.Kind())
		}
		seen[a.Kind()] = true
		regOpts = append(regOpts, world.WithAdapter(a))
	}

	c.registry = world.NewRegistry(regOpts...)
	c.comm = communicator.New(c.registry, config.Communicator,
		communicator.WithLogger(c.logger),
		communicator.WithMetrics(c.metrics))
	c.watchdog = watchdog.New(c.registry, c.comm, config.Watchdog,
		watchdog.WithLogger(c.logger),
		watchdog.WithMetrics(c.metrics))

	c.comm.SetFaultReporter(c.watchdog)
	c.registry.SetSupervisor(c.watchdog)
	return c, nil
}

// Start launches the watchdog.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("controller stopped")
	}
	if c.started {
		return errors.New("controller already started")
	}
	if err := c.watchdog.Start(); err != nil {
		return fmt.Errorf("failed to start watchdog: %w", err)
	}
	c.started = true
	c.logger.Info("Controller started", "backends", c.registry.Backends())
	return nil
}

// Stop destroys every world and stops all loops. Calling it again is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownTimeout)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, c.registry.Close(ctx))
	c.watchdog.Stop()
	errs = multierr.Append(errs, c.comm.Close(ctx))

	if errs != nil {
		c.logger.Error("Controller stopped with errors", "error", errs)
	} else {
		c.logger.Info("Controller stopped")
	}
	return errs
}

// NodeID returns the process-unique id generated at construction.
func (c *Controller) NodeID() string { return c.id }

// Registry exposes the world registry.
func (c *Controller) Registry() *world.Registry { return c.registry }

// Communicator exposes the communicator.
func (c *Controller) Communicator() *communicator.Communicator { return c.comm }

// Watchdog exposes the watchdog.
func (c *Controller) Watchdog() *watchdog.Watchdog { return c.watchdog }

// ============================================================================
// World operations
// ============================================================================

// CreateWorld joins rank spec.Rank of world id.Index.
func (c *Controller) CreateWorld(ctx context.Context, id types.WorldID, spec world.RankSpec, backendKind string, peers []string) (*world.World, error) {
	return c.registry.CreateWorld(ctx, id, spec, backendKind, peers)
}

// DestroyWorld tears world id down. Unknown ids are a no-op.
func (c *Controller) DestroyWorld(ctx context.Context, id types.WorldID) error {
	return c.registry.DestroyWorld(ctx, id)
}

// Status returns the status of id, CLOSED when unknown.
func (c *Controller) Status(id types.WorldID) types.WorldStatus {
	return c.registry.GetStatus(id)
}

// Worlds lists every world of this node.
func (c *Controller) Worlds() []world.WorldInfo {
	return c.registry.List()
}

// Dispatch queues req on world id.
func (c *Controller) Dispatch(id types.WorldID, req backend.Request) (*communicator.Handle, error) {
	return c.comm.Dispatch(id, req)
}

// Execute dispatches req and waits for its outcome.
func (c *Controller) Execute(ctx context.Context, id types.WorldID, req backend.Request) (backend.Result, error) {
	h, err := c.comm.Dispatch(id, req)
	if err != nil {
		return backend.Result{}, err
	}
	return h.Wait(ctx)
}

// Send queues a send to dst on world id.
func (c *Controller) Send(id types.WorldID, dst int, data []float64) (*communicator.Handle, error) {
	return c.comm.Send(id, dst, data)
}

// Recv queues a receive from src on world id.
func (c *Controller) Recv(id types.WorldID, src int) (*communicator.Handle, error) {
	return c.comm.Recv(id, src)
}

// Broadcast queues a broadcast from root.
func (c *Controller) Broadcast(id types.WorldID, root int, data []float64) (*communicator.Handle, error) {
	return c.comm.Broadcast(id, root, data)
}

// Reduce queues a reduction to root.
func (c *Controller) Reduce(id types.WorldID, root int, op types.ReduceOp, data []float64) (*communicator.Handle, error) {
	return c.comm.Reduce(id, root, op, data)
}

// AllReduce queues an all-reduce.
func (c *Controller) AllReduce(id types.WorldID, op types.ReduceOp, data []float64) (*communicator.Handle, error) {
	return c.comm.AllReduce(id, op, data)
}

// AllGather queues an all-gather.
func (c *Controller) AllGather(id types.WorldID, data []float64) (*communicator.Handle, error) {
	return c.comm.AllGather(id, data)
}

// Gather queues a gather to root.
func (c *Controller) Gather(id types.WorldID, root int, data []float64) (*communicator.Handle, error) {
	return c.comm.Gather(id, root, data)
}

// Scatter queues a scatter from root.
func (c *Controller) Scatter(id types.WorldID, root int, chunks [][]float64) (*communicator.Handle, error) {
	return c.comm.Scatter(id, root, chunks)
}
