package world

import (
	"time"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// RankSpec is the caller's view of its place in a world.
type RankSpec struct {
	Rank int
	Size int
}

// World is one ACTIVE (or DEGRADED) membership. Rank and Size never change
// after the rendezvous. The group handle is owned exclusively by the world.
type World struct {
	ID        types.WorldID
	Size      int
	Rank      int
	Backend   string
	Peers     []string
	CreatedAt time.Time

	adapter backend.Adapter
	group   backend.Group
}

// Adapter returns the backend the world was formed on.
func (w *World) Adapter() backend.Adapter { return w.adapter }

// Group returns the backend group handle.
func (w *World) Group() backend.Group { return w.group }

// WorldInfo is a point-in-time copy of a registry entry.
type WorldInfo struct {
	ID        types.WorldID
	Size      int
	Rank      int
	Backend   string
	Status    types.WorldStatus
	CreatedAt time.Time
}
