// ============================================================================
// docflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the daemon and its gRPC client
//
// Command Structure:
//   docflow                        # Root command
//   ├── --config, -c               # Config file (YAML or TOML)
//   ├── run                        # Start the daemon
//   ├── submit <file>              # Submit a server-local document
//   │   └── --watch                # Stream live messages until the job ends
//   ├── status <job-id>            # Show one job
//   ├── cancel <job-id>            # Request cancellation
//   ├── events <job-id>            # Print the event history
//   │   └── --follow               # Keep streaming live messages
//   └── --version
//
// Client commands talk to the daemon over gRPC (--addr) and identify the
// caller with --principal (default $USER).
//
// run Command:
//   1. Load config (defaults, file, DOCFLOW_* env)
//   2. Open the durable store selected by storage.driver
//   3. Wire event log, hub, fallback controller, registry, reaper, metrics
//   4. Serve HTTP/WebSocket and gRPC
//   5. On SIGINT/SIGTERM shut down in reverse order
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/docflow/internal/config"
	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Version is reported by --version.
const Version = "1.0.0"

const defaultAddr = "localhost:50051"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "docflow",
		Short: "docflow: document conversion job orchestration",
		Long: `docflow converts documents to PDF/A with:
- queued jobs on a bounded worker pool
- three-tier fallback on rendering failures
- durable per-job event history
- live progress over WebSocket and gRPC`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildEventsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the docflow daemon",
		Long:  "Serve the HTTP/WebSocket and gRPC interfaces until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("docflow starting", "config", configFile, "http", d.HTTPAddr(), "grpc", d.GRPCAddr(), "storage", cfg.Storage.Driver)
			return d.Run(ctx)
		},
	}
}

// ============================================================================
// Client commands
// ============================================================================

type clientFlags struct {
	addr      string
	principal string
	timeout   time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", defaultAddr, "daemon gRPC address")
	cmd.Flags().StringVar(&f.principal, "principal", os.Getenv("USER"), "caller identity")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "per-call timeout")
}

// dial connects to the daemon. The returned func closes the connection.
func (f *clientFlags) dial() (*server.Client, func(), error) {
	if f.principal == "" {
		return nil, nil, fmt.Errorf("principal is required (use --principal)")
	}
	conn, err := grpc.NewClient(f.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", f.addr, err)
	}
	return server.NewClient(conn, f.principal), func() { conn.Close() }, nil
}

func buildSubmitCommand() *cobra.Command {
	var (
		flags   clientFlags
		payload server.ConfigPayload
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a document for conversion",
		Long:  "Submit a document that lives under one of the daemon's input roots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			client, closeFn, err := flags.dial()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			id, err := client.Submit(ctx, server.SubmitRequest{Config: payload, InputRef: path})
			cancel()
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)

			if !watch {
				return nil
			}
			return client.Watch(cmd.Context(), id, 0, printMessage(cmd.OutOrStdout()))
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&payload.PdfaLevel, "pdfa", 2, "PDF/A conformance level (1-3)")
	cmd.Flags().BoolVar(&payload.OCREnabled, "ocr", false, "run OCR")
	cmd.Flags().StringSliceVar(&payload.OCRLanguages, "lang", nil, "OCR languages, e.g. eng,deu")
	cmd.Flags().StringVar(&payload.Compression, "compression", "", "none | standard | high")
	cmd.Flags().StringVar(&payload.Deadline, "deadline", "", "job deadline, e.g. 5m (daemon default when empty)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream live messages until the job ends")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var flags clientFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := flags.dial()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			job, err := client.Get(ctx, types.JobID(args[0]))
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full job as JSON")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := flags.dial()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			newly, err := client.Cancel(ctx, types.JobID(args[0]))
			if err != nil {
				return fmt.Errorf("cancel failed: %w", err)
			}
			if newly {
				fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was already cancelling or finished\n", args[0])
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func buildEventsCommand() *cobra.Command {
	var (
		flags  clientFlags
		since  uint64
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Print the event history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := flags.dial()
			if err != nil {
				return err
			}
			defer closeFn()
			id := types.JobID(args[0])

			if follow {
				return client.Watch(cmd.Context(), id, since, printMessage(cmd.OutOrStdout()))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			events, err := client.Events(ctx, id, since)
			if err != nil {
				return fmt.Errorf("events failed: %w", err)
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().Uint64Var(&since, "since", 0, "only events with a higher sequence number")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream live messages until the job ends")
	return cmd
}

// ============================================================================
// Output
// ============================================================================

func printJob(w io.Writer, job types.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s\n", job.ID)
	fmt.Fprintf(tw, "Owner:\t%s\n", job.Owner)
	fmt.Fprintf(tw, "Input:\t%s (%d bytes)\n", job.Input.Filename, job.Input.Size)
	fmt.Fprintf(tw, "Status:\t%s\n", job.Status)
	fmt.Fprintf(tw, "Progress:\t%.0f%% %s\n", job.Progress.Percentage, job.Progress.Step)
	if job.CancelRequested {
		fmt.Fprintf(tw, "Cancel:\t%s\n", job.CancelReason)
	}
	if job.Result != nil {
		fmt.Fprintf(tw, "Result:\t%s (tier %d, PDF/A-%d)\n", job.Result.OutputPath, job.Result.Tier, job.Result.PdfaLevel)
	}
	if job.Error != nil {
		fmt.Fprintf(tw, "Error:\t%s/%s: %s\n", job.Error.Category, job.Error.Reason, job.Error.Message)
	}
	if job.ObservabilityDegraded {
		fmt.Fprintf(tw, "Degraded:\tevent delivery failed for this job\n")
	}
	fmt.Fprintf(tw, "Created:\t%s\n", job.CreatedAt.Format(time.RFC3339))
	if !job.FinishedAt.IsZero() {
		fmt.Fprintf(tw, "Finished:\t%s (%s)\n", job.FinishedAt.Format(time.RFC3339), job.FinishedAt.Sub(job.CreatedAt).Round(time.Millisecond))
	}
	tw.Flush()
}

func printEvents(w io.Writer, events []types.Event) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Seq, ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Message)
	}
	tw.Flush()
}

func printMessage(w io.Writer) func(server.WatchMessage) error {
	return func(msg server.WatchMessage) error {
		payload := strings.TrimSpace(string(msg.Payload))
		if payload == "" || payload == "null" {
			_, err := fmt.Fprintln(w, msg.Type)
			return err
		}
		_, err := fmt.Fprintf(w, "%-12s %s\n", msg.Type, payload)
		return err
	}
}
