package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dmsprep/internal/app"
	"dmsprep/internal/config"
	"dmsprep/internal/importer"
	"dmsprep/internal/logger"
	"dmsprep/internal/progress"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "dmsprep",
	Short: "Prepare a SQL Server schema for bulk replication",
	Long: `Runs the staged import plans (Justice, Operations, Financial) against the
target database and then right-sizes oversized text columns.`,
	SilenceUsage: true,
}

var importCmd = &cobra.Command{
	Use:       "import <plan>",
	Short:     "Run one import plan",
	Args:      cobra.ExactArgs(1),
	ValidArgs: planNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ok, err := a.RunImport(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped before the next step")
			}
			return nil
		})
	},
}

var lobCmd = &cobra.Command{
	Use:   "lob",
	Short: "Analyze and right-size LOB columns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			_, err := a.RunLOB(ctx)
			return err
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every plan in order, then the LOB phase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return a.RunAll(ctx)
		})
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress [file]",
	Short: "Print a progress store",
	Long:  "Prints the progress recorded in file, or in the configured progress file when omitted.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showProgress,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (YAML)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	pf.String("conn-string", "", "Target connection string")
	pf.String("database", "", "Target database name (default: parsed from the connection string)")
	pf.Int("connect-timeout", 30, "Connectivity check timeout in seconds")
	pf.Bool("include-empty", false, "Include columns of empty tables in LOB analysis")
	pf.StringSlice("always-include", nil, "Tables kept even when empty (LOB analysis, primary keys, empty table cleanup)")
	pf.Int("sql-timeout", 300, "Per-statement timeout in seconds")
	pf.Int("batch-size", 100, "LOB analysis commit interval")
	pf.String("csv-dir", "", "Directory holding the joins CSV files")
	pf.Int("csv-chunk-size", 50000, "Rows per joins CSV chunk")
	pf.String("scripts-dir", "./sql_scripts", "Directory holding the plan scripts")
	pf.Bool("resume", false, "Resume from recorded progress and migration history")
	pf.Bool("skip-pk-creation", false, "Skip the primary key stage of the import plans")
	pf.String("log-dir", "", "Directory for error logs and progress files")
	pf.String("log-level", "info", "Log level (debug/info/warn/error)")
	pf.String("progress-file", "", "Progress store (.json or .db)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.Bool("show-progress", true, "Show the live progress display")
	pf.Bool("interactive", false, "Prompt at decision points instead of continuing")

	rootCmd.AddCommand(importCmd, lobCmd, runCmd, progressCmd)
}

func planNames() []string {
	var names []string
	for _, p := range importer.Plans() {
		names = append(names, strings.ToLower(p.DBType))
	}
	return names
}

// withApp loads configuration, connects and runs fn with signal handling.
// A run that recorded failures exits non-zero.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			log.Error("Error closing connection", zap.Error(closeErr))
		}
	}()

	a.ServeMetrics(ctx)

	if err := fn(ctx, a); err != nil {
		return err
	}
	if n := a.Tally().Failures(); n > 0 {
		return fmt.Errorf("%d operations failed, see the error logs in %q", n, cfg.LogDir)
	}
	return nil
}

func showProgress(cmd *cobra.Command, args []string) error {
	var paths []string
	if len(args) == 1 {
		paths = append(paths, args[0])
	} else {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		seen := map[string]bool{}
		for _, name := range append(planNames(), strings.ToLower(app.LOBRunName)) {
			if path := cfg.ProgressPath(name); !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}
	}

	out := cmd.OutOrStdout()
	for _, path := range paths {
		store, err := app.OpenProgressStore(path)
		if err != nil {
			return err
		}
		ledger := progress.NewLedger(store, nil, nil)
		fmt.Fprintf(out, "Progress in %s\n", path)
		for _, line := range progress.RenderSummary(ledger.Summary()) {
			fmt.Fprintln(out, line)
		}
		if c, ok := store.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
