// Package cli builds falcon-gas's command tree on top of cobra, in the
// same root-command-plus-subcommands shape the teacher's BuildCLI uses:
// a persistent --config flag, a YAML Config loaded once per invocation,
// and RunE closures that construct and start real components rather than
// stubs.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/falcon-gas/internal/engine"
	"github.com/ChuLiYu/falcon-gas/internal/fabric"
	"github.com/ChuLiYu/falcon-gas/internal/metrics"
	"github.com/ChuLiYu/falcon-gas/internal/termination"
)

// Config is falcon-gas's node configuration, loaded from a YAML file the
// way internal/cli.Config is in the teacher.
type Config struct {
	Node struct {
		ProcID     int      `yaml:"proc_id"`
		ListenAddr string   `yaml:"listen_addr"`
		Peers      []string `yaml:"peers"` // peer[i] is process i's dial address, including this node's own entry
		StatusAddr string   `yaml:"status_addr"` // HTTP address serving GET /status; empty disables it
	} `yaml:"node"`

	Engine struct {
		Threads               int `yaml:"threads"`
		RequiredThreadsInDone int `yaml:"required_threads_in_done"`
		QueueSize             int `yaml:"queue_size"`
	} `yaml:"engine"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

// BuildCLI assembles the falcon-gas root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "falcon-gas",
		Short: "falcon-gas: a distributed GAS graph-processing runtime",
		Long: `falcon-gas coordinates bulk-asynchronous vertex programs across a
fleet of worker processes using a Dijkstra-style token-ring termination
detector to decide, without stopping the world, when every process is
idle and every RPC it sent has been received.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildRingCommand())

	return rootCmd
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a falcon-gas node",
		Long:  "Build this process's Fabric, Detector, engine pool, and metrics server, then run until signalled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runNode(cfg)
		},
	}
	return cmd
}

func runNode(cfg *Config) error {
	logger := slog.With("component", "cli", "proc_id", cfg.Node.ProcID)
	numProcs := len(cfg.Node.Peers)
	if numProcs == 0 {
		return fmt.Errorf("config: node.peers must list at least one process address")
	}

	dial := func(target int) (string, error) {
		if target < 0 || target >= len(cfg.Node.Peers) {
			return "", fmt.Errorf("no peer address configured for process %d", target)
		}
		return cfg.Node.Peers[target], nil
	}

	f := fabric.NewGRPCFabric(cfg.Node.ProcID, numProcs, dial)

	var collector *metrics.Collector
	var det *termination.Detector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		det = termination.NewDetector(f, f, cfg.Engine.RequiredThreadsInDone, termination.WithMetrics(collector))
	} else {
		det = termination.NewDetector(f, f, cfg.Engine.RequiredThreadsInDone)
	}
	f.SetDetector(det)

	var poolOpts []engine.Option
	if collector != nil {
		poolOpts = append(poolOpts, engine.WithMetrics(collector))
	}
	pool := engine.NewPool(engine.NoOpProgram{}, det, cfg.Engine.QueueSize, poolOpts...)
	if err := pool.Start(cfg.Engine.Threads); err != nil {
		return fmt.Errorf("failed to start engine pool: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Node.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Node.ListenAddr, err)
	}
	grpcServer := grpc.NewServer()
	fabric.RegisterControlServer(grpcServer, f)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if cfg.Node.StatusAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(det.Snapshot()); err != nil {
				logger.Error("failed to encode status snapshot", "error", err)
			}
		})
		statusServer := &http.Server{Addr: cfg.Node.StatusAddr, Handler: mux}
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server stopped", "error", err)
			}
		}()
		defer statusServer.Close()
	}

	logger.Info("falcon-gas node started", "listen_addr", cfg.Node.ListenAddr, "num_procs", numProcs)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	pool.Stop()
	grpcServer.GracefulStop()
	return f.Close()
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the configuration a node would run with",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return showStatus(cfg)
		},
	}
	return cmd
}

// fetchSnapshot queries a running node's status endpoint for its last known
// termination.Detector snapshot.
func fetchSnapshot(addr string) (termination.Snapshot, error) {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return termination.Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return termination.Snapshot{}, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var snap termination.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return termination.Snapshot{}, fmt.Errorf("failed to decode status response: %w", err)
	}
	return snap, nil
}

func showStatus(cfg *Config) error {
	fmt.Println("falcon-gas node configuration")
	fmt.Printf("  config file:    %s\n", configFile)
	fmt.Printf("  proc id:        %d\n", cfg.Node.ProcID)
	fmt.Printf("  listen addr:    %s\n", cfg.Node.ListenAddr)
	fmt.Printf("  peers:          %d\n", len(cfg.Node.Peers))
	fmt.Printf("  engine threads: %d (required idle: %d)\n", cfg.Engine.Threads, cfg.Engine.RequiredThreadsInDone)
	fmt.Printf("  queue size:     %d\n", cfg.Engine.QueueSize)
	if cfg.Metrics.Enabled {
		fmt.Printf("  metrics:        enabled on :%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  metrics:        disabled")
	}

	if cfg.Node.StatusAddr == "" {
		fmt.Println("  detector state: no status_addr configured, nothing to query")
		return nil
	}

	snap, err := fetchSnapshot(cfg.Node.StatusAddr)
	if err != nil {
		fmt.Printf("  detector state: not reachable at %s (%v) — start `falcon-gas run` first\n", cfg.Node.StatusAddr, err)
		return nil
	}

	fmt.Println("  detector state: (last known snapshot)")
	fmt.Printf("    has token:              %v\n", snap.HasToken)
	fmt.Printf("    threads in done:        %d (required: %d)\n", snap.ThreadsInDone, snap.RequiredThreadsInDone)
	fmt.Printf("    complete:               %v\n", snap.Complete)
	fmt.Printf("    token calls sent:       %d\n", snap.Token.TotalCallsSent)
	fmt.Printf("    token calls received:   %d\n", snap.Token.TotalCallsReceived)
	fmt.Printf("    token last change proc: %d\n", snap.Token.LastChange)
	return nil
}

func buildRingCommand() *cobra.Command {
	var numNodes int
	var required int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ring",
		Short: "Drive an in-process token ring to consensus",
		Long: `ring starts numNodes in-process loopback fabrics wired into a single
ring and drives every node's Done() to completion, for local smoke-testing
the token-ring protocol without a real cluster.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRingDemo(numNodes, required, timeout)
		},
	}
	cmd.Flags().IntVar(&numNodes, "nodes", 3, "number of in-process ring nodes")
	cmd.Flags().IntVar(&required, "required", 1, "engine threads required idle per node before forwarding")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for consensus before giving up")
	return cmd
}

func runRingDemo(numNodes, required int, timeout time.Duration) error {
	if numNodes < 1 {
		return fmt.Errorf("--nodes must be at least 1")
	}

	fabrics := fabric.NewLoopbackRing(numNodes)
	detectors := make([]*termination.Detector, numNodes)
	for i, f := range fabrics {
		detectors[i] = termination.NewDetector(f, f, required)
		f.SetDetector(detectors[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	results := make(chan bool, numNodes)
	for _, det := range detectors {
		d := det
		go func() { results <- d.Done() }()
	}

	allTrue := true
	for i := 0; i < numNodes; i++ {
		select {
		case ok := <-results:
			allTrue = allTrue && ok
		case <-ctx.Done():
			return fmt.Errorf("ring did not reach consensus within %s", timeout)
		}
	}

	fmt.Printf("ring of %d nodes reached consensus: %v\n", numNodes, allTrue)
	return nil
}
