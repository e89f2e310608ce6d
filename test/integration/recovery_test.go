// ============================================================================
// Multiworld recovery test suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: End-to-end fault isolation across processes
//
// TestCrashesStayInTheirWorld:
//   - 3 processes, 6 worlds spanning all of them
//   - crash one rank in every even world
//   - every even world reaches CLOSED on every rank
//   - every odd world keeps completing all-reduce steps
//
// TestReplacementWorld:
//   A lost world is replaced by forming a new index over the same ranks,
//   the way a serving pipeline rebuilds a failed stage.
//
// TestStalledRankDetected:
//   A rank that stops beating without erroring is found by the watchdog
//   probe alone, with no operation in flight.
//
// ============================================================================

package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/multiworld/pkg/types"
)

func TestCrashesStayInTheirWorld(t *testing.T) {
	c := newCluster(t, 3)
	for index := 1; index <= 6; index++ {
		c.form(t, index)
	}

	for index := 2; index <= 6; index += 2 {
		require.NoError(t, c.hub.Kill(types.WorldID{Index: index}.GroupName(), index%3))
	}

	for step := 0; step < 5; step++ {
		for index := 1; index <= 6; index++ {
			sums, errs := c.allReduce(index)
			if index%2 == 0 {
				for rank, err := range errs {
					assert.Error(t, err, "world %d rank %d must fail after the crash", index, rank)
				}
				continue
			}
			for rank, err := range errs {
				require.NoError(t, err, "world %d rank %d step %d", index, rank, step)
				assert.Equal(t, 6.0, sums[rank])
			}
		}
	}

	for index := 2; index <= 6; index += 2 {
		c.waitClosed(t, index)
	}
	for index := 1; index <= 6; index += 2 {
		for rank, node := range c.nodes {
			assert.Equal(t, types.StatusActive, node.Status(types.WorldID{Index: index, Rank: rank}))
		}
	}
}

func TestReplacementWorld(t *testing.T) {
	c := newCluster(t, 3)
	c.form(t, 1)

	require.NoError(t, c.hub.Kill(types.WorldID{Index: 1}.GroupName(), 2))
	_, errs := c.allReduce(1)
	assert.Error(t, errs[0])
	c.waitClosed(t, 1)

	// the closed index is retired, a new one takes its place
	c.form(t, 2)
	sums, errs := c.allReduce(2)
	for rank := range c.nodes {
		require.NoError(t, errs[rank])
		assert.Equal(t, 6.0, sums[rank])
	}
}

func TestStalledRankDetected(t *testing.T) {
	c := newCluster(t, 3)
	c.form(t, 1)
	c.form(t, 2)

	require.NoError(t, c.hub.Stall(types.WorldID{Index: 1}.GroupName(), 1))
	c.waitClosed(t, 1)

	sums, errs := c.allReduce(2)
	for rank := range c.nodes {
		require.NoError(t, errs[rank])
		assert.Equal(t, 6.0, sums[rank])
	}
}
