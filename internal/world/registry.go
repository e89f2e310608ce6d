// ============================================================================
// Multiworld World Registry - status table and world lifecycle
// ============================================================================
//
// Package: internal/world
// File: registry.go
// Purpose: Own the status table of every world the local process belongs to
//
// State machine (one-way):
//
//   INITIALIZING --rendezvous ok--> ACTIVE --fault/destroy--> DEGRADED --> CLOSED
//        |
//        +--rendezvous failed--> (reservation dropped, id may be retried)
//
// Rules:
//   - The registry writes INITIALIZING and ACTIVE. ACTIVE is published only
//     after the supervisor has taken the world over (Watch).
//   - A rendezvous that completes after Close never publishes ACTIVE.
//   - DEGRADED and CLOSED are written only by the supervisor (watchdog)
//     through MarkDegraded and Remove.
//   - Ids that reached CLOSED are retired and never reused.
//   - r.mu guards the table only. It is never held across a backend call.
//
// ============================================================================

package world

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/metrics"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// Supervisor takes over a world once its rendezvous succeeded.
type Supervisor interface {
	// Watch registers liveness tracking and opens the world's queue. It is
	// called while the world is still INITIALIZING and must not block on it.
	Watch(w *World)
	// Teardown isolates the world and returns once it is CLOSED.
	Teardown(ctx context.Context, id types.WorldID, cause error) error
}

type entry struct {
	world  *World
	status types.WorldStatus
	info   WorldInfo
}

// Registry is the explicit, injected table of worlds. There is no global default.
type Registry struct {
	mu      sync.Mutex
	entries map[types.WorldID]*entry
	retired map[types.WorldID]struct{}
	closed  bool

	adapters          map[string]backend.Adapter
	supervisor        Supervisor
	rendezvousTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Registry.
type Option func(*Registry)

// WithAdapter makes a backend available under its Kind().
func WithAdapter(a backend.Adapter) Option {
	return func(r *Registry) { r.adapters[a.Kind()] = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithRendezvousTimeout bounds FormGroup. Zero leaves it to the caller's context.
func WithRendezvousTimeout(d time.Duration) Option {
	return func(r *Registry) { r.rendezvousTimeout = d }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[types.WorldID]*entry),
		retired:  make(map[types.WorldID]struct{}),
		adapters: make(map[string]backend.Adapter),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// SetSupervisor installs the component that watches and tears down worlds.
func (r *Registry) SetSupervisor(s Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supervisor = s
}

// Backends lists the registered backend kinds.
func (r *Registry) Backends() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// CreateWorld joins the local rank to world id and blocks until every peer
// joined. On any error nothing stays registered.
func (r *Registry) CreateWorld(ctx context.Context, id types.WorldID, spec RankSpec, backendKind string, peers []string) (*World, error) {
	fail := func(reason string, cause error) (*World, error) {
		return nil, &WorldCreationError{ID: id, Reason: reason, Cause: cause}
	}

	switch {
	case spec.Size < 1:
		return fail(fmt.Sprintf("size must be >= 1, got %d", spec.Size), nil)
	case spec.Rank < 0 || spec.Rank >= spec.Size:
		return fail(fmt.Sprintf("rank %d outside [0, %d)", spec.Rank, spec.Size), nil)
	case spec.Rank != id.Rank:
		return fail(fmt.Sprintf("rank %d does not match id rank %d", spec.Rank, id.Rank), nil)
	case len(peers) != 0 && len(peers) != spec.Size:
		return fail(fmt.Sprintf("%d peer addresses for size %d", len(peers), spec.Size), nil)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fail("registry closed", ErrRegistryClosed)
	}
	adapter, ok := r.adapters[backendKind]
	if !ok {
		r.mu.Unlock()
		return fail(fmt.Sprintf("unknown backend %q", backendKind), nil)
	}
	if _, dup := r.entries[id]; dup {
		r.mu.Unlock()
		return fail("already registered", ErrWorldExists)
	}
	if _, gone := r.retired[id]; gone {
		r.mu.Unlock()
		return fail("id retired", ErrWorldExists)
	}
	w := &World{
		ID:      id,
		Size:    spec.Size,
		Rank:    spec.Rank,
		Backend: backendKind,
		Peers:   append([]string(nil), peers...),
		adapter: adapter,
	}
	e := &entry{world: w, status: types.StatusInitializing}
	e.info = WorldInfo{ID: id, Size: spec.Size, Rank: spec.Rank, Backend: backendKind}
	r.entries[id] = e
	r.mu.Unlock()

	log := r.logger.With("world", id.String())
	log.Info("Creating world", "size", spec.Size, "backend", backendKind)

	group, err := adapter.FormGroup(ctx, backend.GroupSpec{
		Name:    id.GroupName(),
		Rank:    spec.Rank,
		Size:    spec.Size,
		Peers:   w.Peers,
		Timeout: r.rendezvousTimeout,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		log.Warn("World rendezvous failed", "error", err)
		return fail("rendezvous failed", &BackendError{ID: id, Op: "form_group", Err: err})
	}

	w.group = group
	w.CreatedAt = time.Now()

	r.mu.Lock()
	if r.closed {
		delete(r.entries, id)
		r.mu.Unlock()
		log.Warn("Registry closed during rendezvous, releasing group")
		if err := adapter.ReleaseGroup(ctx, group); err != nil {
			log.Warn("Release failed", "error", err)
		}
		return fail("registry closed", ErrRegistryClosed)
	}
	sup := r.supervisor
	r.mu.Unlock()

	// still INITIALIZING: dispatch and destroy are refused until supervised
	if sup != nil {
		sup.Watch(w)
	}

	r.mu.Lock()
	closed := r.closed
	e.status = types.StatusActive
	e.info.CreatedAt = w.CreatedAt
	r.mu.Unlock()

	if closed {
		// Close skipped this world while it was INITIALIZING
		log.Warn("Registry closed during supervision hand-off, tearing world down")
		if err := r.DestroyWorld(ctx, id); err != nil {
			log.Warn("Teardown failed", "error", err)
		}
		return fail("registry closed", ErrRegistryClosed)
	}

	r.metrics.RecordWorldCreated()
	log.Info("World active")
	return w, nil
}

// DestroyWorld tears the world down through the same path as a fault.
// Unknown and CLOSED ids are a no-op.
func (r *Registry) DestroyWorld(ctx context.Context, id types.WorldID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	status := e.status
	sup := r.supervisor
	r.mu.Unlock()

	if status == types.StatusInitializing {
		return fmt.Errorf("destroy %s: %w", id, ErrWorldInitializing)
	}
	if sup != nil {
		return sup.Teardown(ctx, id, ErrWorldDestroyed)
	}

	// unsupervised registry: isolate inline
	r.MarkDegraded(id)
	err := r.Release(ctx, id)
	r.Remove(id)
	return err
}

// GetStatus never blocks on the backend. Unknown ids report CLOSED.
func (r *Registry) GetStatus(id types.WorldID) types.WorldStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.status
	}
	return types.StatusClosed
}

// Lookup returns the world and its status. ok is false for unknown ids.
func (r *Registry) Lookup(id types.WorldID) (w *World, status types.WorldStatus, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, types.StatusClosed, false
	}
	return e.world, e.status, true
}

// List returns copies of all entries ordered by id.
func (r *Registry) List() []WorldInfo {
	r.mu.Lock()
	out := make([]WorldInfo, 0, len(r.entries))
	for _, e := range r.entries {
		info := e.info
		info.Status = e.status
		out = append(out, info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Index != out[j].ID.Index {
			return out[i].ID.Index < out[j].ID.Index
		}
		return out[i].ID.Rank < out[j].ID.Rank
	})
	return out
}

// MarkDegraded moves an ACTIVE world to DEGRADED. It reports whether this
// call made the transition.
func (r *Registry) MarkDegraded(id types.WorldID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.status != types.StatusActive {
		return false
	}
	e.status = types.StatusDegraded
	return true
}

// Release frees the backend group of a DEGRADED world. No other world is touched.
func (r *Registry) Release(ctx context.Context, id types.WorldID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.world.group == nil {
		r.mu.Unlock()
		return nil
	}
	w := e.world
	r.mu.Unlock()

	if err := w.adapter.ReleaseGroup(ctx, w.group); err != nil {
		return &BackendError{ID: id, Op: "release_group", Err: err}
	}
	return nil
}

// Remove marks the world CLOSED: the entry is dropped and the id retired.
func (r *Registry) Remove(id types.WorldID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	r.retired[id] = struct{}{}
}

// Close rejects new worlds and destroys the existing ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]types.WorldID, 0, len(r.entries))
	for id, e := range r.entries {
		if e.status != types.StatusInitializing {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, r.DestroyWorld(ctx, id))
	}
	return errs
}
