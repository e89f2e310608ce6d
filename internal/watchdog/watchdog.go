// ============================================================================
// Multiworld Watchdog - fault detection and per-world isolation
// ============================================================================
//
// Package: internal/watchdog
// File: watchdog.go
// Purpose: Detect broken worlds and tear them down without touching others
//
// Per-world state machine (one-way, no recovery):
//
//   ACTIVE ──fault──> DEGRADED ──isolation done──> CLOSED
//
// Fault sources:
//   1. ReportFault from the communicator (backend.Fault while executing)
//   2. Liveness probe, when the adapter implements backend.Prober:
//      - every ProbeInterval the local rank bumps its tick (Beat)
//      - every CheckEvery probes the peers' ticks are read; a peer whose
//        tick did not move since the previous check is a missed signal
//      - a probe error or ProbeTimeout is a missed signal as well
//   3. DestroyWorld from the caller, through Teardown
//
// Isolation of one world:
//   1. mark DEGRADED             (dispatch now fails fast)
//   2. drain the queue           (queued ops get one OperationFault)
//   3. release the group handle  (bounded by ReleaseTimeout)
//   4. wait for the executor     (in-flight op, same bound)
//   5. mark CLOSED, drop the entry
//
// At most one isolation runs per world; concurrent triggers join it.
// Probes for different worlds run concurrently, capped by MaxConcurrentProbes,
// and a world whose previous probe is still running is skipped.
//
// ============================================================================

package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/metrics"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// ErrLivenessLost is the cause attached to worlds degraded by the probe.
var ErrLivenessLost = errors.New("watchdog: liveness lost")

// Config controls probing and teardown bounds.
type Config struct {
	ProbeInterval       time.Duration `yaml:"probe_interval"`
	CheckEvery          int           `yaml:"check_every"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	ReleaseTimeout      time.Duration `yaml:"release_timeout"`
	MaxConcurrentProbes int           `yaml:"max_concurrent_probes"`
}

// DefaultConfig returns the default watchdog parameters.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:       300 * time.Millisecond,
		CheckEvery:          10,
		ProbeTimeout:        time.Second,
		ReleaseTimeout:      5 * time.Second,
		MaxConcurrentProbes: 8,
	}
}

// Queues is the part of the communicator the watchdog drives.
type Queues interface {
	Open(w *world.World)
	Drain(id types.WorldID, cause error) <-chan struct{}
}

// Entry is the watchdog's view of one supervised world.
type Entry struct {
	WorldID             types.WorldID
	ConsecutiveFailures int
	LastObservedGoodAt  time.Time

	lastTicks []uint64
	probing   bool
}

type teardown struct {
	done chan struct{}
	err  error
}

// Watchdog supervises every world of one registry.
type Watchdog struct {
	reg    *world.Registry
	queues Queues
	cfg    Config

	mu        sync.Mutex
	entries   map[types.WorldID]*Entry
	teardowns map[types.WorldID]*teardown
	started   bool
	stopped   bool

	probes errgroup.Group
	round  uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup // isolations

	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Watchdog) { w.metrics = m }
}

// New creates a watchdog. Start must be called to enable probing.
func New(reg *world.Registry, queues Queues, cfg Config, opts ...Option) *Watchdog {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = def.CheckEvery
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = def.ReleaseTimeout
	}
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = def.MaxConcurrentProbes
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watchdog{
		reg:       reg,
		queues:    queues,
		cfg:       cfg,
		entries:   make(map[types.WorldID]*Entry),
		teardowns: make(map[types.WorldID]*teardown),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watchdog")
	w.probes.SetLimit(cfg.MaxConcurrentProbes)
	return w
}

// ============================================================================
// Supervision
// ============================================================================

// Watch registers w and opens its queue. The registry calls it before it
// publishes w as ACTIVE.
func (w *Watchdog) Watch(wd *world.World) {
	w.mu.Lock()
	if _, ok := w.entries[wd.ID]; !ok {
		w.entries[wd.ID] = &Entry{WorldID: wd.ID, LastObservedGoodAt: time.Now()}
	}
	w.mu.Unlock()

	w.queues.Open(wd)
	w.logger.Debug("Watching world", "world", wd.ID.String())
}

// Entries returns copies of the current entries.
func (w *Watchdog) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		cp := *e
		cp.lastTicks = nil
		out = append(out, cp)
	}
	return out
}

// ReportFault degrades id and starts its isolation without waiting for it.
// Faults reported after Stop are dropped.
func (w *Watchdog) ReportFault(id types.WorldID, err error) {
	w.begin(id, err, false)
}

// Teardown isolates id and returns once it is CLOSED or ctx is done.
// Concurrent calls for the same world share one isolation. After Stop the
// isolation runs in the caller.
func (w *Watchdog) Teardown(ctx context.Context, id types.WorldID, cause error) error {
	t := w.begin(id, cause, true)
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin returns the running isolation of id, starting one if needed.
// It returns nil when the registry has nothing to tear down, or when the
// watchdog is stopped and the caller does not wait.
func (w *Watchdog) begin(id types.WorldID, cause error, wait bool) *teardown {
	w.mu.Lock()
	if t, ok := w.teardowns[id]; ok {
		w.mu.Unlock()
		return t
	}
	if _, status, ok := w.reg.Lookup(id); !ok || status == types.StatusInitializing {
		w.mu.Unlock()
		return nil
	}
	if w.stopped && !wait {
		w.mu.Unlock()
		w.logger.Debug("Fault after stop ignored", "world", id.String(), "cause", cause)
		return nil
	}

	t := &teardown{done: make(chan struct{})}
	w.teardowns[id] = t
	if w.stopped {
		w.mu.Unlock()
		w.isolate(id, cause, t)
		return t
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.isolate(id, cause, t)
	}()
	return t
}

func (w *Watchdog) isolate(id types.WorldID, cause error, t *teardown) {
	start := time.Now()
	log := w.logger.With("world", id.String())

	defer func() {
		w.mu.Lock()
		delete(w.entries, id)
		delete(w.teardowns, id)
		w.mu.Unlock()
		close(t.done)
	}()

	// 1. DEGRADED
	if w.reg.MarkDegraded(id) {
		w.metrics.RecordWorldDegraded(reasonOf(cause))
		if errors.Is(cause, world.ErrWorldDestroyed) {
			log.Info("World teardown requested")
		} else {
			log.Warn("World degraded", "cause", cause)
		}
	}

	// 2. drain
	exited := w.queues.Drain(id, cause)

	// 3. release, bounded
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ReleaseTimeout)
	defer cancel()

	released := make(chan error, 1)
	go func() { released <- w.reg.Release(ctx, id) }()
	select {
	case err := <-released:
		if err != nil {
			log.Warn("Release failed", "error", err)
			t.err = err
		}
	case <-ctx.Done():
		log.Warn("Release did not finish in time", "timeout", w.cfg.ReleaseTimeout)
	}

	// 4. in-flight op, same bound
	select {
	case <-exited:
	case <-ctx.Done():
		log.Warn("In-flight operation still running after release timeout")
	}

	// 5. CLOSED
	w.reg.Remove(id)
	w.metrics.RecordWorldClosed(time.Since(start))
	log.Info("World closed", "duration", time.Since(start))
}

func reasonOf(cause error) string {
	switch {
	case errors.Is(cause, world.ErrWorldDestroyed):
		return "destroyed"
	case errors.Is(cause, ErrLivenessLost):
		return "liveness"
	case backend.IsFault(cause):
		return "fault"
	default:
		return "other"
	}
}

// ============================================================================
// Liveness probing
// ============================================================================

// Start launches the probe loop.
func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("watchdog already started")
	}
	w.started = true
	w.loopDone = make(chan struct{})
	go w.monitorLoop()
	return nil
}

// Stop ends probing and waits for running probes and isolations. Faults
// reported afterwards are dropped; Teardown still works, synchronously.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	loopDone := w.loopDone
	w.mu.Unlock()

	close(w.stopCh)
	w.cancel()
	if loopDone != nil {
		<-loopDone
	}
	// no probe is scheduled past this point, and no isolation starts
	_ = w.probes.Wait()
	w.wg.Wait()
}

func (w *Watchdog) monitorLoop() {
	defer close(w.loopDone)
	ticker := time.NewTicker(w.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.probeOnce()
		}
	}
}

// probeOnce schedules one probe per supervised world. It never waits for them.
func (w *Watchdog) probeOnce() {
	w.round++
	check := w.round%uint64(w.cfg.CheckEvery) == 0

	w.mu.Lock()
	due := make([]*Entry, 0, len(w.entries))
	for id, e := range w.entries {
		if _, tearing := w.teardowns[id]; tearing || e.probing {
			continue
		}
		due = append(due, e)
	}
	w.mu.Unlock()

	for _, e := range due {
		e := e
		w.mu.Lock()
		e.probing = true
		w.mu.Unlock()

		started := w.probes.TryGo(func() error {
			w.probe(e, check)
			return nil
		})
		if !started {
			// at capacity, try again next round
			w.mu.Lock()
			e.probing = false
			w.mu.Unlock()
		}
	}
}

func (w *Watchdog) probe(e *Entry, check bool) {
	defer func() {
		w.mu.Lock()
		e.probing = false
		w.mu.Unlock()
	}()

	wd, status, ok := w.reg.Lookup(e.WorldID)
	if !ok || status != types.StatusActive {
		return
	}
	prober, ok := wd.Adapter().(backend.Prober)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.ProbeTimeout)
	defer cancel()

	err := prober.Beat(ctx, wd.Group())
	var ticks []uint64
	if err == nil && check {
		ticks, err = prober.Ticks(ctx, wd.Group())
	}
	if err != nil && w.ctx.Err() != nil {
		// shutting down
		return
	}

	w.mu.Lock()
	if err == nil && check {
		err = staleness(e.lastTicks, ticks, wd.Rank)
		e.lastTicks = ticks
	}
	if err == nil {
		e.ConsecutiveFailures = 0
		e.LastObservedGoodAt = time.Now()
		w.mu.Unlock()
		return
	}
	e.ConsecutiveFailures++
	w.mu.Unlock()

	if !errors.Is(err, ErrLivenessLost) {
		err = fmt.Errorf("%w: probe failed: %w", ErrLivenessLost, err)
	}
	w.logger.Warn("Liveness probe failed", "world", e.WorldID.String(), "error", err)
	w.ReportFault(e.WorldID, err)
}

// staleness reports a peer whose tick did not advance between two checks.
func staleness(prev, cur []uint64, self int) error {
	if prev == nil || len(prev) != len(cur) {
		return nil
	}
	for rank := range cur {
		if rank == self {
			continue
		}
		if cur[rank] <= prev[rank] {
			return fmt.Errorf("%w: rank %d tick stuck at %d", ErrLivenessLost, rank, cur[rank])
		}
	}
	return nil
}
