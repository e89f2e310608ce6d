package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/controller"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

type demoOptions struct {
	size     int           // ranks per world, one controller per rank
	steps    int           // all-reduce rounds
	killAt   int           // step at which the last rank of world 2 crashes, 0 never
	interval time.Duration // pause between steps
}

func buildDemoCommand(configFile *string) *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run two worlds in-process and crash a rank of one of them",
		Long: `Start one controller per rank sharing an in-process backend, form world 1
and world 2 across them and run all-reduce steps on both. At --kill-at the
last rank of world 2 crashes: world 2 is torn down on every rank while
world 1 keeps completing its steps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runDemo(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.size, "size", 3, "ranks per world")
	cmd.Flags().IntVar(&opts.steps, "steps", 5, "all-reduce steps")
	cmd.Flags().IntVar(&opts.killAt, "kill-at", 2, "step at which a rank of world 2 crashes (0 disables)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 200*time.Millisecond, "pause between steps")
	return cmd
}

func runDemo(ctx context.Context, cfg *Config, opts demoOptions, out io.Writer) (err error) {
	if opts.size < 2 {
		return fmt.Errorf("demo needs at least 2 ranks, got %d", opts.size)
	}
	logger := newLogger(cfg.Log.Level)
	hub := backend.NewHub(cfg.Backend.MailboxDepth, logger)

	nodes := make([]*controller.Controller, opts.size)
	defer func() {
		for _, c := range nodes {
			if c != nil {
				err = multierr.Append(err, c.Stop())
			}
		}
	}()
	for rank := range nodes {
		ccfg := cfg.ControllerConfig()
		ccfg.NodeName = fmt.Sprintf("%s-%d", cfg.Node.Name, rank)
		c, err := controller.New(ccfg, controller.WithAdapter(hub), controller.WithLogger(logger))
		if err != nil {
			return err
		}
		if err := c.Start(); err != nil {
			return err
		}
		nodes[rank] = c
	}

	for _, index := range []int{1, 2} {
		if err := formDemoWorld(ctx, nodes, index); err != nil {
			return err
		}
		fmt.Fprintf(out, "world %d formed with %d ranks\n", index, opts.size)
	}

	victim := opts.size - 1
	for step := 1; step <= opts.steps; step++ {
		if step == opts.killAt {
			if err := hub.Kill(types.WorldID{Index: 2}.GroupName(), victim); err != nil {
				return err
			}
			fmt.Fprintf(out, "step %d: rank %d of world 2 crashed\n", step, victim)
		}
		for _, index := range []int{1, 2} {
			sum, err := demoAllReduce(ctx, nodes, index)
			switch {
			case err == nil:
				fmt.Fprintf(out, "step %d: world %d all-reduce=%v\n", step, index, sum)
			case index == 1:
				return fmt.Errorf("step %d: world 1 failed: %w", step, err)
			default:
				fmt.Fprintf(out, "step %d: world %d failed: %v\n", step, index, err)
			}
		}
		if opts.interval > 0 {
			select {
			case <-time.After(opts.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if opts.killAt > 0 && opts.killAt <= opts.steps {
		if err := waitDemoClosed(ctx, nodes, 2, cfg.Watchdog.ReleaseTimeout+time.Second); err != nil {
			return err
		}
	}
	for _, index := range []int{1, 2} {
		fmt.Fprintf(out, "world %d: %s\n", index, nodes[0].Status(types.WorldID{Index: index, Rank: 0}))
	}
	return nil
}

func formDemoWorld(ctx context.Context, nodes []*controller.Controller, index int) error {
	g, gctx := errgroup.WithContext(ctx)
	for rank, c := range nodes {
		rank, c := rank, c
		g.Go(func() error {
			_, err := c.CreateWorld(gctx, types.WorldID{Index: index, Rank: rank},
				world.RankSpec{Rank: rank, Size: len(nodes)}, backend.MemoryKind, nil)
			return err
		})
	}
	return g.Wait()
}

// demoAllReduce has rank r contribute r+1 and returns rank 0's result.
func demoAllReduce(ctx context.Context, nodes []*controller.Controller, index int) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	results := make([][]float64, len(nodes))
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for rank, c := range nodes {
		wg.Add(1)
		go func(rank int, c *controller.Controller) {
			defer wg.Done()
			res, err := c.Execute(ctx, types.WorldID{Index: index, Rank: rank}, backend.Request{
				Kind: types.OpAllReduce,
				Peer: types.NoPeer,
				Op:   types.ReduceSum,
				Data: []float64{float64(rank + 1)},
			})
			results[rank], errs[rank] = res.Data, err
		}(rank, c)
	}
	wg.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}
	return results[0], nil
}

func waitDemoClosed(ctx context.Context, nodes []*controller.Controller, index int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		closed := true
		for rank, c := range nodes {
			if c.Status(types.WorldID{Index: index, Rank: rank}) != types.StatusClosed {
				closed = false
				break
			}
		}
		if closed {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("world %d not closed on every rank after %s", index, timeout)
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
