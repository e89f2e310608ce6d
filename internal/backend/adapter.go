// ============================================================================
// Multiworld Backend Adapter
// ============================================================================
//
// Package: internal/backend
// File: adapter.go
// Purpose: The narrow interface through which the core drives a collective
//          communication library.
//
// The core never implements group formation, wire transfer or reduction
// algorithms itself. It forms a Group per world, pushes Requests through the
// Adapter, and treats any *Fault coming back as proof that the world is gone.
//
// Optional capabilities are discovered with type assertions:
//   - Batcher: several requests of one world in a single round trip
//   - Prober:  tick-based liveness (Beat own tick, read peers' Ticks)
//
// ============================================================================

package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/multiworld/pkg/types"
)

var (
	// ErrUnknownGroup is returned when a handle does not belong to the adapter.
	ErrUnknownGroup = errors.New("backend: unknown group")
	// ErrInvalidPeer is returned for out-of-range or self-targeted peer ranks.
	ErrInvalidPeer = errors.New("backend: invalid peer rank")
	// ErrUnsupportedKind is returned for operation kinds the adapter cannot run.
	ErrUnsupportedKind = errors.New("backend: unsupported operation kind")
	// ErrCollectiveMismatch is returned when members issue different collectives in the same round.
	ErrCollectiveMismatch = errors.New("backend: collective mismatch between ranks")
	// ErrShapeMismatch is returned when contributions to a reduction differ in length.
	ErrShapeMismatch = errors.New("backend: tensor shape mismatch")
)

// GroupSpec describes the membership the local rank wants to form.
type GroupSpec struct {
	Name    string        // rendezvous key shared by all members
	Rank    int           // local rank
	Size    int           // number of members
	Peers   []string      // one address per rank, may be empty for in-process backends
	Timeout time.Duration // rendezvous bound, zero means the context decides
}

// Group is the opaque handle of a formed group.
type Group interface {
	Name() string
	Rank() int
	Size() int
}

// Request is one operation as handed to the adapter.
type Request struct {
	Kind   types.OpKind
	Peer   int            // destination (SEND), source (RECV) or root (BROADCAST/REDUCE/GATHER/SCATTER)
	Op     types.ReduceOp // REDUCE and ALL_REDUCE
	Data   []float64      // local contribution or payload; borrowed, never retained
	Chunks [][]float64    // SCATTER at the root: one chunk per rank
}

// Result is what an operation produced at the local rank.
type Result struct {
	Data     []float64
	Gathered [][]float64 // ALL_GATHER everywhere, GATHER at the root
	Source   int         // rank the data came from (RECV)
}

// Adapter is the contract every communication backend satisfies.
type Adapter interface {
	// Kind is the name used in configuration, e.g. "memory".
	Kind() string

	// FormGroup blocks until every member joined, the timeout expired or ctx is done.
	FormGroup(ctx context.Context, spec GroupSpec) (Group, error)

	// ReleaseGroup frees the local membership. Calling it twice is harmless.
	ReleaseGroup(ctx context.Context, g Group) error

	Send(ctx context.Context, g Group, dst int, data []float64) error
	Recv(ctx context.Context, g Group, src int) ([]float64, error)

	// Collective runs BROADCAST, REDUCE, ALL_REDUCE, ALL_GATHER, GATHER or SCATTER.
	Collective(ctx context.Context, g Group, req Request) (Result, error)
}

// Batcher is implemented by adapters able to run several requests of one
// group in a single round trip. Requests run in slice order. On error the
// returned slice holds the results of the requests that completed, so
// len(results) is the index of the failing request.
type Batcher interface {
	ExecBatch(ctx context.Context, g Group, reqs []Request) ([]Result, error)
}

// Prober is implemented by adapters exposing a liveness counter per member.
type Prober interface {
	// Beat advances the local member's tick.
	Beat(ctx context.Context, g Group) error
	// Ticks returns the current tick of every member, indexed by rank.
	Ticks(ctx context.Context, g Group) ([]uint64, error)
}

// Fault is the signal that a group can no longer complete operations
// because a peer is gone. The core degrades the owning world on any Fault.
type Fault struct {
	Group  string // group name
	Rank   int    // local rank that observed the fault
	Reason string // best-effort description from the backend
}

func (f *Fault) Error() string {
	return fmt.Sprintf("backend fault in %s (rank %d): %s", f.Group, f.Rank, f.Reason)
}

// IsFault reports whether err carries a *Fault anywhere in its chain.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Execute runs req through the matching Adapter method.
func Execute(ctx context.Context, a Adapter, g Group, req Request) (Result, error) {
	switch req.Kind {
	case types.OpSend:
		if err := a.Send(ctx, g, req.Peer, req.Data); err != nil {
			return Result{}, err
		}
		return Result{Source: g.Rank()}, nil
	case types.OpRecv:
		data, err := a.Recv(ctx, g, req.Peer)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data, Source: req.Peer}, nil
	default:
		if !req.Kind.IsCollective() {
			return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Kind)
		}
		return a.Collective(ctx, g, req)
	}
}
