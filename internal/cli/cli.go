// ============================================================================
// uwsd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the uwsd daemon
//
// Command Structure:
//   uwsd                           # Root command
//   ├── run                        # Start the engine, HTTP API and health service
//   ├── submit                     # Submit jobs to a running server
//   │   ├── --file, -f            # Job JSON file
//   │   ├── --list, -l            # Target job list
//   │   └── --server              # Server base URL
//   ├── status                     # Configuration and, with --server, live counts
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config and build the logger (text or json)
//   2. Create the Controller, restore from backup, start loops
//   3. Serve the HTTP API (and /metrics when enabled)
//   4. Serve grpc.health.v1 when grpc.addr is set
//   5. On SIGINT / SIGTERM: stop HTTP, interrupt jobs, final backup
//
// submit Command:
//   JSON format (one entry per job):
//   [
//     {
//       "parameters": [{"name": "duration", "kind": "scalar", "values": ["2s"]}],
//       "run": true,
//       "owner": "alice"
//     }
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/uws-engine/internal/config"
	"github.com/ChuLiYu/uws-engine/internal/controller"
	"github.com/ChuLiYu/uws-engine/internal/server"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "uwsd",
		Short: "uwsd: an asynchronous UWS job engine",
		Long: `uwsd runs asynchronous jobs following the UWS pattern:
- named job lists with destruction and execution-duration policies
- bounded execution with FIFO queueing
- blocking phase polls
- snapshot backup to file, S3 or etcd
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// NewLogger builds the process logger from the log config.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the uwsd engine",
		Long:  "Restore the job lists from backup and serve the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, os.Stderr)
		},
	}
	return cmd
}

// runSystem runs the engine until ctx is done.
func runSystem(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger, err := NewLogger(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctrl, err := controller.NewController(ctx, cfg, controller.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	api := server.NewHTTP(ctrl,
		server.WithHTTPLogger(logger),
		server.WithMetricsEndpoint(cfg.Metrics.Enabled))
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		ctrl.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info("HTTP API listening", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var health *server.HealthServer
	if cfg.GRPC.Addr != "" {
		grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			_ = httpSrv.Close()
			ctrl.Stop(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		health = server.NewHealth(ctrl.ListNames(), logger)
		health.SetServing(true)
		go func() {
			if err := health.Serve(grpcLis); err != nil {
				serveErr <- fmt.Errorf("grpc health server: %w", err)
			}
		}()
	}

	logger.Info("System started successfully", "version", Version)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-serveErr:
		logger.Error("Server failed, shutting down", "error", runErr)
	}

	if health != nil {
		health.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	ctrl.Stop(shutdownCtx)

	logger.Info("System stopped. Goodbye!")
	return runErr
}

// ============================================================================
// submit
// ============================================================================

type jobInput struct {
	Owner      string            `json:"owner"`
	Parameters []types.Parameter `json:"parameters"`
	Run        bool              `json:"run"`
}

func buildSubmitCommand() *cobra.Command {
	var (
		jobFile string
		list    string
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and create them on a running uwsd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return submitJobs(cmd.Context(), cmd.OutOrStdout(), http.DefaultClient, addr, list, jobFile)
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVarP(&list, "list", "l", "default", "target job list")
	cmd.Flags().StringVar(&addr, "server", "http://localhost:8080", "uwsd server base URL")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readJobFile(path string) ([]jobInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []jobInput
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return jobs, nil
}

func submitJobs(ctx context.Context, out io.Writer, client *http.Client, addr, list, path string) error {
	jobs, err := readJobFile(path)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint := strings.TrimRight(addr, "/") + "/jobs/" + url.PathEscape(list)
	success := 0
	for i, j := range jobs {
		form := url.Values{}
		for _, p := range j.Parameters {
			for _, v := range p.Values {
				form.Add(p.Name, v)
			}
		}
		if j.Run {
			form.Set("PHASE", "RUN")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if j.Owner != "" {
			req.Header.Set(server.PrincipalHeader, j.Owner)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach %s: %w", endpoint, err)
		}
		var rec types.JobRecord
		decodeErr := json.NewDecoder(resp.Body).Decode(&rec)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated || decodeErr != nil {
			fmt.Fprintf(out, "job %d rejected: HTTP %d\n", i, resp.StatusCode)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", rec.ID, rec.Phase)
		success++
	}
	fmt.Fprintf(out, "Successfully submitted %d/%d jobs to %s\n", success, len(jobs), endpoint)
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the configuration and, with --server, the jobs of every list by phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), http.DefaultClient, cfg, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "server", "", "uwsd server base URL for live job counts")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, client *http.Client, cfg *config.Config, addr string) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                 uwsd System Status                        ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:       %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Interrupt Policy:  %s\n", cfg.Execution.InterruptPolicy)
	fmt.Fprintf(out, "  ├─ Max Wait:          %s (%d waiters per key)\n", cfg.Blocking.MaxWait, cfg.Blocking.MaxWaitersPerKey)
	fmt.Fprintf(out, "  └─ Sweep Every:       %s\n", cfg.SweepInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🗂  Job Lists:")
	for i, l := range cfg.Lists {
		branch := "├─"
		if i == len(cfg.Lists)-1 {
			branch = "└─"
		}
		limit := "unbounded"
		if l.MaxRunning > 0 {
			limit = fmt.Sprintf("max %d running", l.MaxRunning)
		}
		fmt.Fprintf(out, "  %s %-12s task=%s, %s\n", branch, l.Name, l.Task, limit)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Backup:")
	fmt.Fprintf(out, "  ├─ Mode:  %s\n", cfg.Backup.Mode)
	fmt.Fprintf(out, "  └─ Sink:  %s\n", sinkTarget(cfg.Backup))
	fmt.Fprintln(out)

	if addr != "" {
		fmt.Fprintln(out, "📊 Jobs by Phase:")
		for _, l := range cfg.Lists {
			counts, err := fetchPhaseCounts(ctx, client, addr, l.Name)
			if err != nil {
				fmt.Fprintf(out, "  └─ %s: unavailable (%v)\n", l.Name, err)
				continue
			}
			fmt.Fprintf(out, "  └─ %s:", l.Name)
			for _, p := range types.AllPhases {
				if n := counts[p]; n > 0 {
					fmt.Fprintf(out, " %s=%d", p, n)
				}
			}
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on %s/metrics\n", cfg.HTTP.Addr)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func sinkTarget(b config.BackupConfig) string {
	switch b.Sink {
	case "file":
		return "file " + b.File.Dir
	case "s3":
		return "s3://" + b.S3.Bucket + "/" + b.S3.Prefix
	case "etcd":
		return "etcd " + strings.Join(b.Etcd.Endpoints, ",") + " " + b.Etcd.Prefix
	}
	return b.Sink
}

// fetchPhaseCounts lists every job of list, archived ones included.
func fetchPhaseCounts(ctx context.Context, client *http.Client, addr, list string) (map[types.ExecutionPhase]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	q := url.Values{}
	for _, p := range types.AllPhases {
		q.Add("PHASE", string(p))
	}
	endpoint := strings.TrimRight(addr, "/") + "/jobs/" + url.PathEscape(list) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var body struct {
		Jobs []struct {
			Phase types.ExecutionPhase `json:"phase"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	counts := make(map[types.ExecutionPhase]int)
	for _, j := range body.Jobs {
		counts[j.Phase]++
	}
	return counts, nil
}
