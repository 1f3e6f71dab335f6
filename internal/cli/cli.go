// ============================================================================
// edinet-harvest CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the harvester
//
// Command Structure:
//   edinet                         # Root command
//   ├── run                        # Harvest a date range end to end
//   │   ├── --start, --end         # Override the configured range (YYYY-MM-DD)
//   │   └── --limit                # Download at most N filtered documents
//   ├── parse FILE...              # Re-assemble previously downloaded payloads
//   │   ├── --reference            # Entity code list (defaults to config)
//   │   └── --encoding             # Code list encoding (defaults to config)
//   ├── status                     # Show effective configuration and output dir
//   ├── --config, -c               # YAML config file (default: configs/default.yaml)
//   └── --env-file                 # dotenv file (default: config/settings.env)
//
// Exit behaviour:
//   - An invalid date range fails before any request is sent
//   - A run that assembles no records logs a warning and exits 0
//     without writing the table
//
// Signal Handling:
//   run cancels in-flight waits on SIGINT/SIGTERM. Units already waiting on
//   the rate limiter or a retry backoff give up and contribute nothing.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/edinet-harvest/internal/assembler"
	"github.com/ChuLiYu/edinet-harvest/internal/config"
	"github.com/ChuLiYu/edinet-harvest/internal/edinet"
	"github.com/ChuLiYu/edinet-harvest/internal/export"
	"github.com/ChuLiYu/edinet-harvest/internal/fetcher"
	"github.com/ChuLiYu/edinet-harvest/internal/logging"
	"github.com/ChuLiYu/edinet-harvest/internal/metrics"
	"github.com/ChuLiYu/edinet-harvest/internal/pipeline"
	"github.com/ChuLiYu/edinet-harvest/internal/ratelimit"
	"github.com/ChuLiYu/edinet-harvest/internal/reference"
	"github.com/ChuLiYu/edinet-harvest/internal/selector"
	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edinet",
		Short: "edinet-harvest: multi-year revenue from EDINET annual reports",
		Long: `edinet-harvest downloads annual securities reports from the EDINET API and
extracts a five-year revenue series per listed company:
- rate-limited, retried index and document retrieval
- one canonical filing per company (corrections win)
- tabular (CSV) and tagged (XBRL) payload extraction`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "dotenv file loaded into the environment")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildParseCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	start string
	end   string
	limit int
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a harvest over a date range",
		Long:  "Fetch the index for every date in the range, download the filtered documents, assemble records and write the table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvest(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.start, "start", "", "first submission date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.end, "end", "", "last submission date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "download at most N documents (0 = all)")

	return cmd
}

func runHarvest(cmd *cobra.Command, opts runOptions) error {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.start != "" {
		cfg.Run.StartDate = opts.start
	}
	if opts.end != "" {
		cfg.Run.EndDate = opts.end
	}
	if cmd.Flags().Changed("limit") {
		cfg.Run.CompaniesToGet = opts.limit
	}
	if err := cfg.Validate(); err != nil {
		if types.Fatal(err) {
			return fmt.Errorf("harvest aborted before any request: %w", err)
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	if cfg.Metrics.Enabled {
		srv, errCh := metrics.StartServer(cfg.Metrics.Port, reg)
		logger.Info("metrics server started", "addr", fmt.Sprintf(":%d/metrics", cfg.Metrics.Port))
		go func() {
			for err := range errCh {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	table := export.NewCSVWriter(cfg.TablePath())
	p, err := newPipeline(cfg, table, m, logger)
	if err != nil {
		return err
	}

	logger.Info("starting harvest",
		"start", cfg.Run.StartDate,
		"end", cfg.Run.EndDate,
		"doc_types", cfg.Run.DocTypes,
		"rate", cfg.API.RateLimit)

	sum, err := p.Run(ctx)
	printSummary(cmd.OutOrStdout(), sum, table, err)
	if errors.Is(err, types.ErrNoRecords) {
		return nil
	}
	return err
}

// newPipeline wires every stage from the configuration.
func newPipeline(cfg *config.Config, table *export.CSVWriter, m *metrics.Collector, logger *slog.Logger) (*pipeline.Pipeline, error) {
	client, err := edinet.NewClient(cfg.API.BaseURL, cfg.API.Key,
		edinet.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		edinet.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(cfg.API.RateLimit)
	if err != nil {
		return nil, err
	}
	logger.Debug("rate limiter ready", "per_second", limiter.Rate(), "interval", limiter.Interval())

	fopts := fetcher.Options{
		Limiter:    limiter,
		Metrics:    m,
		Logger:     logger,
		MaxRetries: cfg.API.MaxRetries,
		RetryDelay: cfg.API.RetryDelay,
	}

	loader := pipeline.ReferenceFunc(func() (types.EntityReference, error) {
		return reference.LoadFile(cfg.Reference.File, cfg.Reference.Encoding)
	})

	return pipeline.New(
		pipeline.Config{
			StartDate:       cfg.Run.StartDate,
			EndDate:         cfg.Run.EndDate,
			DocTypes:        cfg.Run.DocTypes,
			Limit:           cfg.Run.CompaniesToGet,
			OutputDir:       cfg.Output.Dir,
			PruneUnselected: cfg.Output.PruneUnselected,
			Workers:         cfg.Parse.Workers,
		},
		loader,
		fetcher.NewIndexFetcher(client, fopts),
		fetcher.NewContentFetcher(client, cfg.Output.Dir, fopts),
		table,
		pipeline.WithMetrics(m),
		pipeline.WithLogger(logger),
	), nil
}

func printSummary(w io.Writer, sum pipeline.Summary, table *export.CSVWriter, err error) {
	fmt.Fprintln(w, "Harvest summary:")
	fmt.Fprintf(w, "  ├─ Dates:        %d\n", sum.Dates)
	fmt.Fprintf(w, "  ├─ Descriptors:  %d (%d after filtering)\n", sum.Descriptors, sum.Filtered)
	fmt.Fprintf(w, "  ├─ Downloaded:   %d\n", sum.Downloaded)
	fmt.Fprintf(w, "  ├─ Selected:     %d (%d pruned)\n", sum.Selected, sum.Pruned)
	fmt.Fprintf(w, "  ├─ Records:      %d\n", sum.Records)
	fmt.Fprintf(w, "  └─ Elapsed:      %s\n", sum.Elapsed.Round(time.Millisecond))
	switch {
	case err == nil:
		fmt.Fprintf(w, "Table written to %s\n", table.GetPath())
	case errors.Is(err, types.ErrNoRecords):
		fmt.Fprintln(w, "No records assembled; nothing written")
	}
}

// ============================================================================
// parse
// ============================================================================

func buildParseCommand() *cobra.Command {
	var refPath, encoding string

	cmd := &cobra.Command{
		Use:   "parse FILE...",
		Short: "Assemble records from local payload files",
		Long:  "Select one file per company among FILE..., extract revenue facts and print the table to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return parseFiles(cmd, args, refPath, encoding)
		},
	}

	cmd.Flags().StringVar(&refPath, "reference", "", "entity code list (defaults to reference.file)")
	cmd.Flags().StringVar(&encoding, "encoding", "", "code list encoding (defaults to reference.encoding)")

	return cmd
}

func parseFiles(cmd *cobra.Command, files []string, refPath, encoding string) error {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if refPath == "" {
		refPath = cfg.Reference.File
	}
	if encoding == "" {
		encoding = cfg.Reference.Encoding
	}

	logger := logging.New(cmd.ErrOrStderr(), logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ref, err := reference.LoadFile(refPath, encoding)
	if err != nil {
		return fmt.Errorf("failed to load entity reference: %w", err)
	}

	asm := assembler.New(ref, assembler.WithWorkers(cfg.Parse.Workers), assembler.WithLogger(logger))
	records, err := asm.ProcessAll(files)
	if errors.Is(err, types.ErrNoRecords) {
		logger.Warn("no records assembled", "files", len(files))
		return nil
	}
	if err != nil {
		return err
	}
	return export.Encode(cmd.OutOrStdout(), records)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show harvester status",
		Long:  "Display the effective configuration, downloaded candidates and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

// candidateStats counts candidate files and distinct entities in dir.
func candidateStats(dir string) (files, entities int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, err
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		c, ok := selector.Parse(e.Name())
		if !ok {
			continue
		}
		files++
		seen[c.EntityCode] = true
	}
	return files, len(seen), nil
}

func showStatus(w io.Writer) error {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Base URL:      %s\n", cfg.API.BaseURL)
	fmt.Fprintf(w, "  ├─ API Key:       %s\n", config.MaskKey(cfg.API.Key))
	fmt.Fprintf(w, "  ├─ Date Range:    %s .. %s\n", cfg.Run.StartDate, cfg.Run.EndDate)
	fmt.Fprintf(w, "  ├─ Doc Types:     %v\n", cfg.Run.DocTypes)
	fmt.Fprintf(w, "  ├─ Rate Limit:    %g req/s\n", cfg.API.RateLimit)
	fmt.Fprintf(w, "  ├─ Retries:       %d (base delay %s)\n", cfg.API.MaxRetries, cfg.API.RetryDelay)
	fmt.Fprintf(w, "  └─ Reference:     %s (%s)\n", cfg.Reference.File, cfg.Reference.Encoding)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Output:")
	fmt.Fprintf(w, "  ├─ Directory:     %s\n", cfg.Output.Dir)
	files, entities, err := candidateStats(cfg.Output.Dir)
	if err != nil {
		fmt.Fprintf(w, "  ├─ Candidates:    unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "  ├─ Candidates:    %d files, %d companies\n", files, entities)
	}
	table := export.NewCSVWriter(cfg.TablePath())
	if table.Exists() {
		fmt.Fprintf(w, "  └─ Table:         %s\n", table.GetPath())
	} else {
		fmt.Fprintf(w, "  └─ Table:         %s (not written yet)\n", table.GetPath())
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: enabled on http://localhost:%d/metrics during runs\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: disabled")
	}
	return nil
}
