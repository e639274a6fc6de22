// Command catalog appends category and book events and maintains the
// materialized category view
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aneshas/catalog/catalog"
	"github.com/aneshas/catalog/categoryview"
	"github.com/aneshas/catalog/eventstore"
	"github.com/aneshas/catalog/internal/config"
	"github.com/aneshas/catalog/projection"
	"github.com/aneshas/catalog/viewstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "catalog",
		Short:        "Catalog event store and category projection",
		SilenceUsage: true,
	}

	root.AddCommand(
		newDemoCmd(),
		newProjectCmd(),
		newServeCmd(),
		newShowCmd(),
	)

	return root
}

type app struct {
	cfg       config.Config
	logger    *zap.Logger
	enc       *eventstore.JSONEncoder
	es        *eventstore.EventStore
	views     *viewstore.Store
	svc       *catalog.Service
	projector *projection.Projector[categoryview.Category]
	registry  *prometheus.Registry
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	db := eventstore.WithSQLiteDB(cfg.SQLiteDSN())

	if cfg.PostgresDSN != "" {
		db = eventstore.WithPostgresDB(cfg.PostgresDSN)
	}

	enc := eventstore.NewJSONEncoder(catalog.Events()...)

	es, err := eventstore.New(enc, db)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	views, err := viewstore.New(viewstore.WithDB(es.DB()))
	if err != nil {
		_ = es.Close()

		return nil, fmt.Errorf("open view store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	grouper := categoryview.NewGrouper(
		categoryview.NewViewResolver(views),
		es,
		categoryview.WithLogger(logger),
		categoryview.WithResolveConcurrency(cfg.ResolveConcurrency),
		categoryview.WithBackfillConcurrency(cfg.BackfillConcurrency),
		categoryview.WithBackfillChunkSize(cfg.BackfillChunkSize),
		categoryview.WithQueryTimeout(cfg.QueryTimeout),
	)

	projector := projection.NewProjector[categoryview.Category](
		es,
		grouper,
		categoryview.Fold,
		views,
		projection.WithName("category_view"),
		projection.WithBatchSize(cfg.BatchSize),
		projection.WithWorkers(cfg.Workers),
		projection.WithBatchTimeout(cfg.BatchTimeout),
		projection.WithPollInterval(cfg.PollInterval),
		projection.WithLogger(logger),
		projection.WithRegisterer(registry),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		enc:       enc,
		es:        es,
		views:     views,
		svc:       catalog.NewService(es),
		projector: projector,
		registry:  registry,
	}, nil
}

func (a *app) Close() error {
	_ = a.logger.Sync()

	return a.es.Close()
}

// withApp loads the configuration and opens the stores for the duration of f
func withApp(f func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger, err := cfg.Logger()
		if err != nil {
			return err
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}

		defer a.Close()

		return f(cmd, a, args)
	}
}
