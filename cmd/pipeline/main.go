package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/consolidate"
	"github.com/cascadegis/parcelflow/internal/database"
	apperrors "github.com/cascadegis/parcelflow/internal/errors"
	"github.com/cascadegis/parcelflow/internal/logger"
	"github.com/cascadegis/parcelflow/internal/observability"
)

const version = "0.1.0"

// Table domains accepted by `process --table`. Only the taxlot domain
// runs through the consolidation pipeline; the others are separate
// ingestion products and are rejected with a pointer to their tooling.
const tableTaxlots = "taxlots"

var unsupportedTables = map[string]string{
	"coa":             "city annexation areas are ingested by the fetch tooling, not consolidated",
	"soil":            "soil surveys are ingested by the fetch tooling, not consolidated",
	"populationpoint": "population points are ingested by the fetch tooling, not consolidated",
}

func main() {
	// Optional .env for local development; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "parcelflow",
		Short:         "Taxlot consolidation and spatial enrichment pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newProcessCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newProcessCmd() *cobra.Command {
	var state string
	var table string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the consolidation pipeline for one state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason, found := unsupportedTables[table]; found {
				return fmt.Errorf("table %q is not processed by this pipeline: %s", table, reason)
			}
			if table != tableTaxlots {
				return fmt.Errorf("unknown table %q (supported: %s)", table, tableTaxlots)
			}
			return runProcess(cmd.Context(), state)
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "state name or abbreviation (e.g. oregon, or)")
	cmd.Flags().StringVar(&table, "table", tableTaxlots, "table domain to process")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}

func runProcess(ctx context.Context, state string) error {
	cfg, err := config.Load()
	if err != nil {
		return apperrors.Config(fmt.Errorf("failed to load configuration: %w", err))
	}

	log := logger.New(cfg.Env)
	log.Info("Starting parcelflow", map[string]interface{}{
		"version":     version,
		"environment": cfg.Env,
		"state":       state,
	})

	sources, err := config.LoadSources(cfg.Sources.File)
	if err != nil {
		return apperrors.Config(err)
	}
	st, err := sources.State(state)
	if err != nil {
		return apperrors.Config(err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		return apperrors.Database(fmt.Errorf("failed to connect to database: %w", err))
	}
	defer db.Close()

	log.Info("Database connection established", map[string]interface{}{
		"host":     cfg.Database.Host,
		"port":     cfg.Database.Port,
		"database": cfg.Database.Name,
		"pool_min": cfg.Database.PoolMin,
		"pool_max": cfg.Database.PoolMax,
	})

	metrics := observability.NewMetrics()
	if cfg.Metrics.Port > 0 {
		go serveMetrics(cfg.Metrics.Port, db, log)
	}

	pipeline := consolidate.NewPipeline(db, st, log, metrics, clockwork.NewRealClock())
	if _, err := pipeline.Run(ctx); err != nil {
		return apperrors.Run(fmt.Errorf("pipeline run for %s failed: %w", st.Name, err))
	}
	return nil
}

func serveMetrics(port int, db *database.Database, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	observability.NewHealthHandler(db, log).Register(mux)
	addr := fmt.Sprintf(":%d", port)
	log.Info("Metrics endpoint listening", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics endpoint failed", err, nil)
	}
}
