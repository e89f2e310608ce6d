package world

// ============================================================================
// World Error Definitions
// Purpose: Error taxonomy shared by the registry, communicator and watchdog
// ============================================================================

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/multiworld/pkg/types"
)

// Predefined errors
var (
	// ErrWorldDestroyed is the cause attached to operations cancelled by DestroyWorld
	ErrWorldDestroyed = errors.New("world: destroyed by caller")

	// ErrWorldInitializing indicates the world is still in its rendezvous
	ErrWorldInitializing = errors.New("world: still initializing")

	// ErrRegistryClosed indicates the registry no longer accepts worlds
	ErrRegistryClosed = errors.New("world: registry closed")

	// ErrWorldExists indicates the id is registered or was retired
	ErrWorldExists = errors.New("world: id in use or retired")
)

// WorldCreationError is returned by CreateWorld. Nothing is registered when it is returned.
type WorldCreationError struct {
	ID     types.WorldID
	Reason string
	Cause  error // *BackendError when the rendezvous failed, or a sentinel
}

func (e *WorldCreationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("world %s: create failed: %s: %v", e.ID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("world %s: create failed: %s", e.ID, e.Reason)
}

func (e *WorldCreationError) Unwrap() error {
	return e.Cause
}

// WorldUnavailableError is returned by dispatch when the world is not ACTIVE.
type WorldUnavailableError struct {
	ID     types.WorldID
	Status types.WorldStatus
}

func (e *WorldUnavailableError) Error() string {
	return fmt.Sprintf("world %s: unavailable (status=%s)", e.ID, e.Status)
}

// OperationFault resolves a pending operation whose world failed or was torn down.
type OperationFault struct {
	ID    types.WorldID
	OpID  uint64
	Kind  types.OpKind
	Cause error
}

func (e *OperationFault) Error() string {
	return fmt.Sprintf("world %s: op %d (%s) faulted: %v", e.ID, e.OpID, e.Kind, e.Cause)
}

func (e *OperationFault) Unwrap() error {
	return e.Cause
}

// BackendError wraps an error returned by the backend adapter.
type BackendError struct {
	ID  types.WorldID
	Op  string // adapter call, e.g. "form_group", "ALL_REDUCE"
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("world %s: backend %s: %v", e.ID, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
