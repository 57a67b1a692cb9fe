package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/app"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/config"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
)

// loadConfig loads and validates configuration.
func loadConfig() (config.Config, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cfg, &configError{err: err}
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API, the workers, the scheduler and the reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			logConfigWarnings(logger, cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := operatorApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Tick(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d jobs\n", n)
			return nil
		},
	}
}

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and discard dead-lettered jobs",
	}

	var tenantFlag string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's dead-lettered jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenantFlag)
			if err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}
			a, err := operatorApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Broker().ListDeadLetters(cmd.Context(), tenantID, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tUPDATED\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
					j.ID, j.Type, j.Attempts, j.MaxAttempts, j.UpdatedAt.UTC().Format(time.RFC3339), j.LastError)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&tenantFlag, "tenant", "", "tenant id (required)")
	list.Flags().IntVarP(&limit, "limit", "n", 100, "maximum jobs to list")
	_ = list.MarkFlagRequired("tenant")

	var discardTenant, jobFlag string
	discard := &cobra.Command{
		Use:   "discard",
		Short: "Remove a dead-lettered job from the listing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(discardTenant)
			if err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}
			jobID, err := uuid.Parse(jobFlag)
			if err != nil {
				return fmt.Errorf("invalid --job: %w", err)
			}
			a, err := operatorApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Broker().DiscardDeadLetter(cmd.Context(), tenantID, jobID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", jobID)
			return nil
		},
	}
	discard.Flags().StringVar(&discardTenant, "tenant", "", "tenant id (required)")
	discard.Flags().StringVar(&jobFlag, "job", "", "job id (required)")
	_ = discard.MarkFlagRequired("tenant")
	_ = discard.MarkFlagRequired("job")

	cmd.AddCommand(list, discard)
	return cmd
}

// operatorApp builds the app for one-shot commands. Logs go to stderr so
// stdout carries only the command's output.
func operatorApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithOutput(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	return app.New(cmd.Context(), cfg, logger)
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Load().MaskedJSON()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reconflow version %s (commit: %s)\n", version, commit)
		},
	}
}

// logConfigWarnings flags configurations that run but lose guarantees.
func logConfigWarnings(logger logrus.FieldLogger, cfg config.Config) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set: jobs and documents live in memory and are lost on restart; run a single instance only")
	}
	if cfg.OCRURL == "" {
		logger.Warn("OCR_URL not set: every ingestion job will dead-letter")
	}
	if cfg.DatabaseURL != "" && cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set: schedule ticks rely on leader election alone")
	}
	if !cfg.MetricsEnabled {
		logger.Warn("METRICS_ENABLED=false: queue depth and dead-letter rates are not exported")
	}
	if cfg.GCSBucket == "" {
		logger.WithField("report_dir", cfg.ReportDir).Info("GCS_BUCKET not set: reports are written to the local filesystem")
	}
}

