// Package types defines the core domain model shared by every multiworld component.
package types

import (
	"fmt"
	"strings"
)

// WorldID identifies one membership of the local process: a world index and
// the rank this process holds inside that world. A process may hold several
// ranks of the same world at once, one WorldID per rank.
type WorldID struct {
	Index int `json:"index" yaml:"index"` // world index shared by every member
	Rank  int `json:"rank" yaml:"rank"`   // local rank inside the world
}

// String returns the canonical form "world<index>/rank<rank>".
func (id WorldID) String() string {
	return fmt.Sprintf("world%d/rank%d", id.Index, id.Rank)
}

// GroupName is the rendezvous key every rank of the same world agrees on.
func (id WorldID) GroupName() string {
	return fmt.Sprintf("world%d", id.Index)
}

// WorldStatus is the lifecycle state of a world.
type WorldStatus string

const (
	StatusInitializing WorldStatus = "INITIALIZING" // rendezvous with peers in progress
	StatusActive       WorldStatus = "ACTIVE"       // usable for dispatch
	StatusDegraded     WorldStatus = "DEGRADED"     // fault observed, teardown running
	StatusClosed       WorldStatus = "CLOSED"       // torn down, or never existed
)

// OpKind is the kind of a point-to-point or collective operation.
type OpKind string

const (
	OpSend      OpKind = "SEND"
	OpRecv      OpKind = "RECV"
	OpBroadcast OpKind = "BROADCAST"
	OpReduce    OpKind = "REDUCE"
	OpAllReduce OpKind = "ALL_REDUCE"
	OpAllGather OpKind = "ALL_GATHER"
	OpGather    OpKind = "GATHER"
	OpScatter   OpKind = "SCATTER"
)

// IsCollective reports whether every member of the world must take part.
func (k OpKind) IsCollective() bool {
	switch k {
	case OpBroadcast, OpReduce, OpAllReduce, OpAllGather, OpGather, OpScatter:
		return true
	default:
		return false
	}
}

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpSend || k == OpRecv || k.IsCollective()
}

// ParseOpKind accepts the canonical names case-insensitively ("all_reduce", "ALL_REDUCE").
func ParseOpKind(s string) (OpKind, error) {
	k := OpKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
	return k, nil
}

// ReduceOp is the element-wise reduction applied by REDUCE and ALL_REDUCE.
type ReduceOp string

const (
	ReduceSum     ReduceOp = "SUM"
	ReduceProduct ReduceOp = "PRODUCT"
	ReduceMin     ReduceOp = "MIN"
	ReduceMax     ReduceOp = "MAX"
)

// ParseReduceOp accepts the canonical names case-insensitively; empty means SUM.
func ParseReduceOp(s string) (ReduceOp, error) {
	if strings.TrimSpace(s) == "" {
		return ReduceSum, nil
	}
	op := ReduceOp(strings.ToUpper(strings.TrimSpace(s)))
	switch op {
	case ReduceSum, ReduceProduct, ReduceMin, ReduceMax:
		return op, nil
	default:
		return "", fmt.Errorf("unknown reduce op %q", s)
	}
}

// NoPeer marks requests that do not target a specific rank (ALL_REDUCE, ALL_GATHER).
const NoPeer = -1
