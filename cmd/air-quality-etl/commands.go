package main

import (
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/air-quality-etl/internal/airquality"
	httpapi "github.com/i474232898/air-quality-etl/internal/api/http"
	"github.com/i474232898/air-quality-etl/internal/config"
	"github.com/i474232898/air-quality-etl/internal/control"
	"github.com/i474232898/air-quality-etl/internal/logging"
	"github.com/i474232898/air-quality-etl/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:           "air-quality-etl",
	Short:         "Scheduled incremental air quality ETL",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Without a subcommand the binary behaves like "run".
	rootCmd.RunE = runCmd.RunE
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(versionCmd)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline on a schedule until stopped",
	Long: `Run the pipeline on a schedule until stopped.

The process stops after typing "exit" on standard input, on SIGINT or
SIGTERM, or on POST /api/v1/control/stop. A run in progress always
completes before the process exits.

Examples:
  air-quality-etl run
  air-quality-etl run --run-on-start --interval 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.AppEnv, cfg.LogLevel, version)

		p, err := buildPipeline(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				logger.Error("closing pipeline", "error", err)
			}
		}()

		sched := scheduler.New(p.service, scheduler.Options{
			Interval:     cfg.ScheduleInterval,
			PollInterval: cfg.PollInterval,
			RunOnStart:   cfg.RunOnStart,
			Logger:       logger,
		})

		trigger := control.NewTrigger()
		controller := control.NewController(logger,
			control.NewLineSource(cmd.InOrStdin(), cmd.OutOrStdout(), logger),
			control.NewSignalSource(syscall.SIGINT, syscall.SIGTERM),
			trigger,
		)

		g, ctx := errgroup.WithContext(cmd.Context())

		shutdownAPI := func() {}
		if cfg.HTTPAddr != "" {
			ln, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.HTTPAddr, err)
			}
			app := httpapi.NewApp()
			deps := httpapi.Deps{
				Scheduler: sched,
				Readings:  p.store,
				Stop:      trigger,
			}
			if p.ledger != nil {
				deps.Runs = p.ledger
			}
			httpapi.RegisterRoutes(app, deps)

			g.Go(func() error {
				logger.Info("api listening", "addr", ln.Addr().String())
				if err := app.Listener(ln); err != nil {
					return fmt.Errorf("api server: %w", err)
				}
				return nil
			})
			shutdownAPI = func() {
				if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
					logger.Error("api shutdown", "error", err)
				}
				// Unblocks Listener when shutdown raced its start.
				_ = ln.Close()
			}
		}

		g.Go(func() error {
			err := controller.Run(ctx, sched)
			shutdownAPI()
			return err
		})

		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Pipeline correctly interrupted.")
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("run-on-start", false, "run the pipeline immediately instead of after one interval")
	runCmd.Flags().Duration("interval", 0, "override SCHEDULE_INTERVAL")
	runCmd.Flags().String("http-addr", "", "override HTTP_ADDR")
}

// --- once ---

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run the pipeline a single time and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.AppEnv, cfg.LogLevel, version)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := buildPipeline(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := p.Close(); err != nil {
				logger.Error("closing pipeline", "error", err)
			}
		}()

		report, err := p.service.RunOnce(ctx)
		printReport(cmd, report)
		return err
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "air-quality-etl version %s\n", version)
	},
}

// loadConfig applies the flags a command defines on top of the environment.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("run-on-start") {
		cfg.RunOnStart, _ = flags.GetBool("run-on-start")
	}
	if flags.Changed("interval") {
		interval, _ := flags.GetDuration("interval")
		if interval <= 0 {
			return nil, errors.New("--interval must be positive")
		}
		cfg.ScheduleInterval = interval
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr, _ = flags.GetString("http-addr")
	}
	return cfg, nil
}

func printReport(cmd *cobra.Command, r airquality.RunReport) {
	out := cmd.OutOrStdout()
	if r.Status == airquality.RunSucceeded {
		fmt.Fprintf(out, "run %s succeeded: fetched %d, added %d, dataset rows %d\n",
			r.ID, r.Fetched, r.Merge.Added, r.Merge.Written)
		return
	}
	fmt.Fprintf(out, "run %s failed at %s stage\n", r.ID, r.FailedStage)
}
