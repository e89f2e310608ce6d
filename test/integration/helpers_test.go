package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/controller"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// cluster is one controller per rank sharing an in-process hub, the way
// separate processes would share an external backend.
type cluster struct {
	hub   *backend.Hub
	nodes []*controller.Controller
}

func newCluster(tb testing.TB, size int) *cluster {
	tb.Helper()
	cfg := controller.DefaultConfig()
	cfg.RendezvousTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Watchdog.ProbeInterval = 20 * time.Millisecond
	cfg.Watchdog.CheckEvery = 10
	cfg.Watchdog.ReleaseTimeout = time.Second

	c := &cluster{hub: backend.NewHub(0, nil)}
	for rank := 0; rank < size; rank++ {
		cfg.NodeName = fmt.Sprintf("node-%d", rank)
		node, err := controller.New(cfg, controller.WithAdapter(c.hub))
		require.NoError(tb, err)
		require.NoError(tb, node.Start())
		c.nodes = append(c.nodes, node)
	}
	tb.Cleanup(func() {
		for _, node := range c.nodes {
			assert.NoError(tb, node.Stop())
		}
	})
	return c
}

func (c *cluster) form(tb testing.TB, index int) {
	tb.Helper()
	var g errgroup.Group
	for rank, node := range c.nodes {
		rank, node := rank, node
		g.Go(func() error {
			_, err := node.CreateWorld(context.Background(), types.WorldID{Index: index, Rank: rank},
				world.RankSpec{Rank: rank, Size: len(c.nodes)}, backend.MemoryKind, nil)
			return err
		})
	}
	require.NoError(tb, g.Wait())
}

// allReduce sums rank+1 over world index and returns every rank's error.
func (c *cluster) allReduce(index int) ([]float64, []error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sums := make([]float64, len(c.nodes))
	errs := make([]error, len(c.nodes))
	var wg sync.WaitGroup
	for rank, node := range c.nodes {
		wg.Add(1)
		go func(rank int, node *controller.Controller) {
			defer wg.Done()
			res, err := node.Execute(ctx, types.WorldID{Index: index, Rank: rank}, backend.Request{
				Kind: types.OpAllReduce,
				Peer: types.NoPeer,
				Data: []float64{float64(rank + 1)},
			})
			if err == nil {
				sums[rank] = res.Data[0]
			}
			errs[rank] = err
		}(rank, node)
	}
	wg.Wait()
	return sums, errs
}

func (c *cluster) waitClosed(tb testing.TB, index int) {
	tb.Helper()
	require.Eventually(tb, func() bool {
		for rank, node := range c.nodes {
			if node.Status(types.WorldID{Index: index, Rank: rank}) != types.StatusClosed {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "world %d never closed on every rank", index)
}
