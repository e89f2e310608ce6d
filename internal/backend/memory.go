// ============================================================================
// Multiworld In-Process Backend (Hub)
// ============================================================================
//
// Package: internal/backend
// File: memory.go
// Purpose: A process-local fabric implementing Adapter, Batcher and Prober.
//
// Every rank, whether it lives in one registry or in several, joins groups
// on the same Hub by name. Point-to-point traffic goes through bounded
// mailboxes, one per (src, dst) pair, so messages between two ranks keep
// their order. Collectives meet in numbered rounds: the n-th collective a
// rank issues in a group joins round n, and the last arrival computes
// everybody's result.
//
// Fault injection:
//   Kill(group, rank)  - the rank crashed; the group aborts for everyone
//   Stall(group, rank) - the rank is partitioned; its tick stops advancing
//                        and its own store reads fail, nothing aborts
//   Abort(group, why)  - generic remote abort
//
// A member releasing the group aborts it for the remaining members with
// "peer left", the way a real process group breaks when one side goes away.
//
// ============================================================================

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/multiworld/pkg/types"
)

// MemoryKind is the configuration name of the in-process backend.
const MemoryKind = "memory"

// DefaultMailboxDepth bounds each (src, dst) mailbox.
const DefaultMailboxDepth = 256

// HubStats counts backend round trips, used to observe batching.
type HubStats struct {
	Ops     uint64 // single requests executed
	Batches uint64 // ExecBatch round trips
}

// Hub is the in-process Adapter.
type Hub struct {
	mu           sync.Mutex
	groups       map[string]*hubGroup
	mailboxDepth int
	logger       *slog.Logger

	ops     atomic.Uint64
	batches atomic.Uint64
}

type hubGroup struct {
	name string
	size int

	mu        sync.Mutex
	members   []*hubMember
	joined    int
	formed    chan struct{}
	aborted   chan struct{}
	reason    string
	mailboxes [][]chan []float64 // [src][dst]
	rounds    map[uint64]*round
	ticks     []uint64
	stalled   []bool
	dead      []bool
}

type hubMember struct {
	group    *hubGroup
	rank     int
	nextSeq  uint64
	released bool
}

func (m *hubMember) Name() string { return m.group.name }
func (m *hubMember) Rank() int    { return m.rank }
func (m *hubMember) Size() int    { return m.group.size }

type round struct {
	kind    types.OpKind
	root    int
	op      types.ReduceOp
	inputs  [][]float64
	chunks  [][]float64
	arrived int
	err     error
	results []Result
	done    chan struct{}
}

// NewHub creates an empty in-process fabric. mailboxDepth <= 0 selects DefaultMailboxDepth.
func NewHub(mailboxDepth int, logger *slog.Logger) *Hub {
	if mailboxDepth <= 0 {
		mailboxDepth = DefaultMailboxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		groups:       make(map[string]*hubGroup),
		mailboxDepth: mailboxDepth,
		logger:       logger.With("component", "backend", "kind", MemoryKind),
	}
}

// Kind implements Adapter.
func (h *Hub) Kind() string { return MemoryKind }

// Stats returns round-trip counters.
func (h *Hub) Stats() HubStats {
	return HubStats{Ops: h.ops.Load(), Batches: h.batches.Load()}
}

func (h *Hub) newGroup(name string, size int) *hubGroup {
	g := &hubGroup{
		name:      name,
		size:      size,
		members:   make([]*hubMember, size),
		formed:    make(chan struct{}),
		aborted:   make(chan struct{}),
		mailboxes: make([][]chan []float64, size),
		rounds:    make(map[uint64]*round),
		ticks:     make([]uint64, size),
		stalled:   make([]bool, size),
		dead:      make([]bool, size),
	}
	for src := 0; src < size; src++ {
		g.mailboxes[src] = make([]chan []float64, size)
		for dst := 0; dst < size; dst++ {
			g.mailboxes[src][dst] = make(chan []float64, h.mailboxDepth)
		}
	}
	return g
}

// FormGroup implements Adapter. It blocks until all spec.Size ranks joined.
func (h *Hub) FormGroup(ctx context.Context, spec GroupSpec) (Group, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("memory: group name is required")
	}
	if spec.Size < 1 || spec.Rank < 0 || spec.Rank >= spec.Size {
		return nil, fmt.Errorf("memory: rank %d invalid for size %d", spec.Rank, spec.Size)
	}

	h.mu.Lock()
	g, ok := h.groups[spec.Name]
	if ok && g.isAborted() {
		// stale incarnation, start over
		ok = false
	}
	if !ok {
		g = h.newGroup(spec.Name, spec.Size)
		h.groups[spec.Name] = g
	}
	h.mu.Unlock()

	g.mu.Lock()
	if g.size != spec.Size {
		g.mu.Unlock()
		return nil, fmt.Errorf("memory: group %s has size %d, requested %d", spec.Name, g.size, spec.Size)
	}
	if g.members[spec.Rank] != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("memory: rank %d already joined %s", spec.Rank, spec.Name)
	}
	m := &hubMember{group: g, rank: spec.Rank}
	g.members[spec.Rank] = m
	g.joined++
	if g.joined == g.size {
		close(g.formed)
	}
	g.mu.Unlock()

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	select {
	case <-g.formed:
		h.logger.Debug("Group formed", "group", spec.Name, "rank", spec.Rank, "size", spec.Size)
		return m, nil
	case <-g.aborted:
		return nil, g.fault(spec.Rank)
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.formed:
		// the last member arrived while we were giving up
		return m, nil
	default:
	}
	g.members[spec.Rank] = nil
	g.joined--
	return nil, fmt.Errorf("memory: rendezvous for %s rank %d: %w", spec.Name, spec.Rank, ctx.Err())
}

// ReleaseGroup implements Adapter. Remaining members observe a fault.
func (h *Hub) ReleaseGroup(ctx context.Context, grp Group) error {
	m, err := h.member(grp)
	if err != nil {
		return err
	}
	g := m.group

	g.mu.Lock()
	if m.released {
		g.mu.Unlock()
		return nil
	}
	m.released = true
	gone := true
	for rank, other := range g.members {
		if other != nil && !other.released && !g.dead[rank] {
			gone = false
		}
	}
	g.mu.Unlock()

	g.abort(fmt.Sprintf("peer left: rank %d released the group", m.rank))

	if gone {
		h.mu.Lock()
		if h.groups[g.name] == g {
			delete(h.groups, g.name)
		}
		h.mu.Unlock()
	}
	return nil
}

// Send implements Adapter.
func (h *Hub) Send(ctx context.Context, grp Group, dst int, data []float64) error {
	m, err := h.member(grp)
	if err != nil {
		return err
	}
	h.ops.Add(1)
	return h.send(ctx, m, dst, data)
}

func (h *Hub) send(ctx context.Context, m *hubMember, dst int, data []float64) error {
	g := m.group
	if dst < 0 || dst >= g.size || dst == m.rank {
		return fmt.Errorf("%w: send from %d to %d in %s", ErrInvalidPeer, m.rank, dst, g.name)
	}
	if g.isAborted() {
		return g.fault(m.rank)
	}
	select {
	case g.mailboxes[m.rank][dst] <- clone(data):
		return nil
	case <-g.aborted:
		return g.fault(m.rank)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements Adapter.
func (h *Hub) Recv(ctx context.Context, grp Group, src int) ([]float64, error) {
	m, err := h.member(grp)
	if err != nil {
		return nil, err
	}
	h.ops.Add(1)
	return h.recv(ctx, m, src)
}

func (h *Hub) recv(ctx context.Context, m *hubMember, src int) ([]float64, error) {
	g := m.group
	if src < 0 || src >= g.size || src == m.rank {
		return nil, fmt.Errorf("%w: recv at %d from %d in %s", ErrInvalidPeer, m.rank, src, g.name)
	}
	if g.isAborted() {
		return nil, g.fault(m.rank)
	}
	select {
	case data := <-g.mailboxes[src][m.rank]:
		return data, nil
	case <-g.aborted:
		return nil, g.fault(m.rank)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Collective implements Adapter.
func (h *Hub) Collective(ctx context.Context, grp Group, req Request) (Result, error) {
	m, err := h.member(grp)
	if err != nil {
		return Result{}, err
	}
	h.ops.Add(1)
	return h.collective(ctx, m, req)
}

func (h *Hub) collective(ctx context.Context, m *hubMember, req Request) (Result, error) {
	g := m.group
	if !req.Kind.IsCollective() {
		return Result{}, fmt.Errorf("%w: %q is not a collective", ErrUnsupportedKind, req.Kind)
	}
	root := types.NoPeer
	switch req.Kind {
	case types.OpBroadcast, types.OpReduce, types.OpGather, types.OpScatter:
		if req.Peer < 0 || req.Peer >= g.size {
			return Result{}, fmt.Errorf("%w: root %d in %s", ErrInvalidPeer, req.Peer, g.name)
		}
		root = req.Peer
	}
	if req.Kind == types.OpScatter && m.rank == root && len(req.Chunks) != g.size {
		return Result{}, fmt.Errorf("memory: scatter needs %d chunks, got %d", g.size, len(req.Chunks))
	}
	op := req.Op
	if op == "" {
		op = types.ReduceSum
	}

	g.mu.Lock()
	if g.isAborted() {
		g.mu.Unlock()
		return Result{}, g.fault(m.rank)
	}
	seq := m.nextSeq
	m.nextSeq++
	r, ok := g.rounds[seq]
	if !ok {
		r = &round{
			kind:   req.Kind,
			root:   root,
			op:     op,
			inputs: make([][]float64, g.size),
			done:   make(chan struct{}),
		}
		g.rounds[seq] = r
	}
	if r.kind != req.Kind || r.root != root || r.op != op {
		r.err = fmt.Errorf("%w: round %d has %s root=%d, rank %d issued %s root=%d",
			ErrCollectiveMismatch, seq, r.kind, r.root, m.rank, req.Kind, root)
	}
	r.inputs[m.rank] = clone(req.Data)
	if req.Kind == types.OpScatter && m.rank == root {
		r.chunks = make([][]float64, len(req.Chunks))
		for i, c := range req.Chunks {
			r.chunks[i] = clone(c)
		}
	}
	r.arrived++
	if r.arrived == g.size {
		if r.err == nil {
			r.results, r.err = r.compute(g.size)
		}
		close(r.done)
		delete(g.rounds, seq)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return Result{}, r.err
		}
		return r.results[m.rank], nil
	case <-g.aborted:
		return Result{}, g.fault(m.rank)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *round) compute(size int) ([]Result, error) {
	results := make([]Result, size)
	switch r.kind {
	case types.OpBroadcast:
		for i := range results {
			results[i] = Result{Data: clone(r.inputs[r.root]), Source: r.root}
		}
	case types.OpReduce, types.OpAllReduce:
		reduced, err := reduce(r.op, r.inputs)
		if err != nil {
			return nil, err
		}
		for i := range results {
			if r.kind == types.OpAllReduce || i == r.root {
				results[i] = Result{Data: clone(reduced), Source: i}
			} else {
				results[i] = Result{Data: clone(r.inputs[i]), Source: i}
			}
		}
	case types.OpAllGather, types.OpGather:
		for i := range results {
			if r.kind == types.OpAllGather || i == r.root {
				gathered := make([][]float64, size)
				for j, in := range r.inputs {
					gathered[j] = clone(in)
				}
				results[i] = Result{Gathered: gathered, Source: i}
			} else {
				results[i] = Result{Data: clone(r.inputs[i]), Source: i}
			}
		}
	case types.OpScatter:
		for i := range results {
			results[i] = Result{Data: clone(r.chunks[i]), Source: r.root}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, r.kind)
	}
	return results, nil
}

func reduce(op types.ReduceOp, inputs [][]float64) ([]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	n := len(inputs[0])
	out := clone(inputs[0])
	for _, in := range inputs[1:] {
		if len(in) != n {
			return nil, fmt.Errorf("%w: %d vs %d elements", ErrShapeMismatch, n, len(in))
		}
		for i, v := range in {
			switch op {
			case types.ReduceSum:
				out[i] += v
			case types.ReduceProduct:
				out[i] *= v
			case types.ReduceMin:
				out[i] = math.Min(out[i], v)
			case types.ReduceMax:
				out[i] = math.Max(out[i], v)
			default:
				return nil, fmt.Errorf("memory: unknown reduce op %q", op)
			}
		}
	}
	return out, nil
}

// ExecBatch implements Batcher: one round trip for the whole slice.
func (h *Hub) ExecBatch(ctx context.Context, grp Group, reqs []Request) ([]Result, error) {
	m, err := h.member(grp)
	if err != nil {
		return nil, err
	}
	h.batches.Add(1)
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		var (
			res Result
			err error
		)
		switch req.Kind {
		case types.OpSend:
			err = h.send(ctx, m, req.Peer, req.Data)
			res = Result{Source: m.rank}
		case types.OpRecv:
			res.Data, err = h.recv(ctx, m, req.Peer)
			res.Source = req.Peer
		default:
			res, err = h.collective(ctx, m, req)
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Beat implements Prober.
func (h *Hub) Beat(ctx context.Context, grp Group) error {
	m, err := h.member(grp)
	if err != nil {
		return err
	}
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isAborted() {
		return &Fault{Group: g.name, Rank: m.rank, Reason: g.reason}
	}
	if g.stalled[m.rank] {
		// partitioned: the increment never reaches the store
		return nil
	}
	g.ticks[m.rank]++
	return nil
}

// Ticks implements Prober.
func (h *Hub) Ticks(ctx context.Context, grp Group) ([]uint64, error) {
	m, err := h.member(grp)
	if err != nil {
		return nil, err
	}
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isAborted() {
		return nil, &Fault{Group: g.name, Rank: m.rank, Reason: g.reason}
	}
	if g.stalled[m.rank] {
		return nil, &Fault{Group: g.name, Rank: m.rank, Reason: "store unreachable"}
	}
	out := make([]uint64, len(g.ticks))
	copy(out, g.ticks)
	return out, nil
}

// Kill simulates a crash of rank inside group: the group aborts for every member.
func (h *Hub) Kill(group string, rank int) error {
	g, err := h.lookup(group)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if rank < 0 || rank >= g.size {
		g.mu.Unlock()
		return fmt.Errorf("%w: %d in %s", ErrInvalidPeer, rank, group)
	}
	g.dead[rank] = true
	g.mu.Unlock()
	h.logger.Info("Injected crash", "group", group, "rank", rank)
	g.abort(fmt.Sprintf("connection closed by peer (rank %d)", rank))
	return nil
}

// Stall simulates a network partition of rank: its tick stops advancing.
func (h *Hub) Stall(group string, rank int) error {
	g, err := h.lookup(group)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if rank < 0 || rank >= g.size {
		return fmt.Errorf("%w: %d in %s", ErrInvalidPeer, rank, group)
	}
	g.stalled[rank] = true
	h.logger.Info("Injected partition", "group", group, "rank", rank)
	return nil
}

// Abort breaks group for every member with reason.
func (h *Hub) Abort(group, reason string) error {
	g, err := h.lookup(group)
	if err != nil {
		return err
	}
	g.abort(reason)
	return nil
}

func (h *Hub) lookup(group string) (*hubGroup, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return g, nil
}

func (h *Hub) member(grp Group) (*hubMember, error) {
	m, ok := grp.(*hubMember)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: %T", ErrUnknownGroup, grp)
	}
	return m, nil
}

func (g *hubGroup) isAborted() bool {
	select {
	case <-g.aborted:
		return true
	default:
		return false
	}
}

// abort closes the aborted channel once; the first reason wins.
func (g *hubGroup) abort(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isAborted() {
		return
	}
	g.reason = reason
	close(g.aborted)
}

func (g *hubGroup) fault(rank int) *Fault {
	g.mu.Lock()
	reason := g.reason
	g.mu.Unlock()
	return &Fault{Group: g.name, Rank: rank, Reason: reason}
}

func clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

var _ interface {
	Adapter
	Batcher
	Prober
} = (*Hub)(nil)
