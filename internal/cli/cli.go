// ============================================================================
// Multiworld CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the node and its control client based on Cobra framework
//
// Command Structure:
//   multiworld                     # Root command
//   ├── run                        # Start a node
//   │   └── --config, -c          # Specify config file
//   ├── world                      # Talk to a running node
//   │   ├── create                 # Join a rank of a world
//   │   ├── destroy                # Tear a world down
//   │   ├── status                 # Status of one world
//   │   ├── list                   # Every world of the node
//   │   └── exec                   # Run one operation and print the result
//   ├── demo                       # In-process fault isolation demonstration
//   └── --version
//
// Configuration Management:
//   YAML config file, every key optional (see DefaultConfig):
//   - node / log:     name and log level
//   - backend:        memory backend bounds and rendezvous timeout
//   - communicator:   batching window, batch size, queue bound
//   - watchdog:       probe period, check cadence, teardown bounds
//   - server:         control service port
//   - metrics:        Prometheus endpoint
//
// run Command:
//   1. Load config file
//   2. Create and start Controller
//   3. Serve the control service and gRPC health on server.port
//   4. Serve /metrics on metrics.port (if enabled)
//   5. On SIGINT/SIGTERM stop the control service, destroy every world,
//      stop the metrics server
//
//   Examples:
//     ./multiworld run
//     ./multiworld run -c configs/default.yaml
//     ./multiworld world create --index 1 --rank 0 --size 1
//     ./multiworld world exec --index 1 --rank 0 --kind all_reduce --data 1,2,3
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/controller"
	"github.com/ChuLiYu/multiworld/internal/metrics"
	"github.com/ChuLiYu/multiworld/internal/server"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// Version is reported by --version.
const Version = "0.1.0"

func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "multiworld",
		Short: "Multiworld: fault-isolated communication worlds",
		Long: `Multiworld lets one process belong to several independent communication
worlds at once:
- per-world status registry with one-way lifecycle
- per-world operation queues, batching and fail-fast dispatch
- watchdog liveness probing and single-flight teardown`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults when empty)")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildWorldCommand())
	rootCmd.AddCommand(buildDemoCommand(&configFile))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a multiworld node",
		Long:  "Start the controller, the gRPC control service and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
}

func runNode(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg.Log.Level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	hub := backend.NewHub(cfg.Backend.MailboxDepth, logger)
	ctrl, err := controller.New(cfg.ControllerConfig(),
		controller.WithAdapter(hub),
		controller.WithLogger(logger),
		controller.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	srv := server.New(ctrl, server.WithLogger(logger))

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, reg)
	}

	logger.Info("Node started", "node_id", ctrl.NodeID(), "grpc_port", cfg.Server.Port,
		"metrics", cfg.Metrics.Enabled, "metrics_port", cfg.Metrics.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})
	if metricsSrv != nil {
		g.Go(metricsSrv.ListenAndServe)
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down node")

		srv.GracefulStop()
		err := ctrl.Stop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			err = multierr.Append(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Node stopped")
	return nil
}

// ============================================================================
// world
// ============================================================================

type remoteFlags struct {
	addr    string
	timeout time.Duration
	index   int
	rank    int
}

func (f *remoteFlags) id() types.WorldID {
	return types.WorldID{Index: f.index, Rank: f.rank}
}

// call dials the node, runs fn and closes the connection.
func (f *remoteFlags) call(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	conn, err := server.Dial(f.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, f.timeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn))
}

func addWorldIDFlags(cmd *cobra.Command, f *remoteFlags) {
	cmd.Flags().IntVar(&f.index, "index", 0, "world index")
	cmd.Flags().IntVar(&f.rank, "rank", 0, "local rank in the world")
}

func buildWorldCommand() *cobra.Command {
	f := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "world",
		Short: "Manage the worlds of a running node",
	}
	cmd.PersistentFlags().StringVar(&f.addr, "addr", "localhost:50061", "control service address")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "per-call deadline")

	cmd.AddCommand(buildWorldCreateCommand(f))
	cmd.AddCommand(buildWorldDestroyCommand(f))
	cmd.AddCommand(buildWorldStatusCommand(f))
	cmd.AddCommand(buildWorldListCommand(f))
	cmd.AddCommand(buildWorldExecCommand(f))
	return cmd
}

func buildWorldCreateCommand(f *remoteFlags) *cobra.Command {
	var size int
	var backendKind string
	var peers []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Join a rank of a world and wait for the rendezvous",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.call(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.CreateWorld(ctx, f.id(), size, backendKind, peers)
				if err != nil {
					return fmt.Errorf("create %s: %w", f.id(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", f.id(), st)
				return nil
			})
		},
	}
	addWorldIDFlags(cmd, f)
	cmd.Flags().IntVar(&size, "size", 1, "number of ranks")
	cmd.Flags().StringVar(&backendKind, "backend", backend.MemoryKind, "backend kind")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "one address per rank")
	return cmd
}

func buildWorldDestroyCommand(f *remoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear a world down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.call(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.DestroyWorld(ctx, f.id())
				if err != nil {
					return fmt.Errorf("destroy %s: %w", f.id(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", f.id(), st)
				return nil
			})
		},
	}
	addWorldIDFlags(cmd, f)
	return cmd
}

func buildWorldStatusCommand(f *remoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of one world",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.call(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.GetStatus(ctx, f.id())
				if err != nil {
					return fmt.Errorf("status %s: %w", f.id(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", f.id(), st)
				return nil
			})
		},
	}
	addWorldIDFlags(cmd, f)
	return cmd
}

func buildWorldListCommand(f *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every world of the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.call(cmd, func(ctx context.Context, c *server.Client) error {
				nodeID, worlds, err := c.ListWorlds(ctx)
				if err != nil {
					return fmt.Errorf("list: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "node %s\n", nodeID)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "WORLD\tSIZE\tBACKEND\tSTATUS\tCREATED")
				for _, w := range worlds {
					created := "-"
					if !w.CreatedAt.IsZero() {
						created = w.CreatedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", w.ID, w.Size, w.Backend, w.Status, created)
				}
				return tw.Flush()
			})
		},
	}
}

func buildWorldExecCommand(f *remoteFlags) *cobra.Command {
	var (
		kind   string
		peer   int
		op     string
		data   []float64
		chunks []string
	)

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run one operation on a world and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := types.ParseOpKind(kind)
			if err != nil {
				return err
			}
			reduceOp, err := types.ParseReduceOp(op)
			if err != nil {
				return err
			}
			parsed, err := parseChunks(chunks)
			if err != nil {
				return err
			}
			req := backend.Request{Kind: k, Peer: peer, Data: data, Chunks: parsed}
			if k == types.OpReduce || k == types.OpAllReduce {
				req.Op = reduceOp
			}

			return f.call(cmd, func(ctx context.Context, c *server.Client) error {
				res, err := c.Execute(ctx, f.id(), req)
				if err != nil {
					return fmt.Errorf("%s on %s: %w", k, f.id(), err)
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	addWorldIDFlags(cmd, f)
	cmd.Flags().StringVar(&kind, "kind", "all_reduce", "send, recv, broadcast, reduce, all_reduce, all_gather, gather, scatter")
	cmd.Flags().IntVar(&peer, "peer", types.NoPeer, "destination, source or root rank")
	cmd.Flags().StringVar(&op, "op", "sum", "reduction: sum, product, min, max")
	cmd.Flags().Float64SliceVar(&data, "data", nil, "local contribution, e.g. 1,2,3")
	cmd.Flags().StringArrayVar(&chunks, "chunk", nil, "scatter chunk for the next rank, repeatable, e.g. --chunk 1,2 --chunk 3,4")
	return cmd
}

func parseChunks(raw []string) ([][]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([][]float64, len(raw))
	for i, chunk := range raw {
		if strings.TrimSpace(chunk) == "" {
			out[i] = []float64{}
			continue
		}
		for _, field := range strings.Split(chunk, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", i, err)
			}
			out[i] = append(out[i], v)
		}
	}
	return out, nil
}

func printResult(out io.Writer, res backend.Result) {
	if res.Gathered != nil {
		for rank, vec := range res.Gathered {
			fmt.Fprintf(out, "rank %d: %v\n", rank, vec)
		}
		return
	}
	fmt.Fprintf(out, "source %d: %v\n", res.Source, res.Data)
}

// Execute runs the CLI and exits the process on failure.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
