package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/epicflow/pkg/api"
	"github.com/openfroyo/epicflow/pkg/config"
	"github.com/openfroyo/epicflow/pkg/policy"
	"github.com/openfroyo/epicflow/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		listen   string
		noWatch  bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with the read API",
		Long: `Run epicflow as a long-lived service:

  - reconcile slots and queues left by an earlier crash
  - load the configured plan, and reload it when its files change
  - reload Rego policies when policy_dir changes
  - park units idle longer than idle_timeout, refilling their slots
  - serve the read-only HTTP API, /healthz and /metrics

Mutations stay with the CLI; both share the SQLite database.`,
		Example: `  epicflow serve --plan plans/ --listen 0.0.0.0:8420`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				settings.Listen = listen
			}
			return runServe(cmd.Context(), !noWatch, debounce)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (default from settings)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the plan or policies on change")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "delay before reloading a changed plan")

	return cmd
}

func runServe(ctx context.Context, watch bool, debounce time.Duration) error {
	tel, err := telemetry.NewTelemetry(settings.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog()

	// rejected transitions and auto-parks are worth a line in the service log
	events := tel.Logger.NewComponentLogger("events")
	tel.Events.Subscribe(func(ev telemetry.Event) {
		events.WithUnitID(ev.UnitID).WithField("type", ev.Type).Info(ev.Message)
	}, telemetry.FilterByType(telemetry.EventTypeTransitionRejected, telemetry.EventTypeUnitParked))

	a, err := openApp(ctx, appOptions{
		gates:     true,
		recorder:  tel.Metrics,
		publisher: tel.Events,
		logger:    &logger,
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	rec, err := a.coord.Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(rec.ReleasedSlots)+len(rec.Requeued)+len(rec.Dropped) > 0 {
		logger.Warn().
			Strs("released_slots", rec.ReleasedSlots).
			Strs("requeued", rec.Requeued).
			Strs("dropped", rec.Dropped).
			Msg("Reconciled scheduler state")
	}

	if len(settings.Plan) > 0 {
		wp, err := a.loader.Load(ctx, settings.Plan...)
		if err != nil {
			return err
		}
		if err := applyPlan(ctx, a, tel, wp); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.coord.Scheduler.Run(gctx)
	})

	g.Go(func() error {
		return serveAPI(gctx, a, tel)
	})

	if watch && len(settings.Plan) > 0 {
		w := config.NewPlanWatcher(a.loader, settings.Plan, logger, func(ctx context.Context, wp *config.WorkPlan) error {
			return applyPlan(ctx, a, tel, wp)
		})
		w.SetDebounce(debounce)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if watch && settings.PolicyDir != "" {
		pl := policy.NewLoader(logger)
		paths := []string{settings.PolicyDir}
		if err := pl.Watch(gctx, paths, func(policies []policy.Policy) error {
			return a.policies.SetPolicies(gctx, policies)
		}); err != nil {
			return err
		}
		defer func() { _ = pl.StopWatching() }()
	}

	logger.Info().Str("listen", settings.Listen).Str("db", settings.DB).Msg("epicflow serving")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("epicflow stopped")
	return nil
}

// applyPlan converts and loads a work plan, recording it in the audit trail
// and on the event stream.
func applyPlan(ctx context.Context, a *app, tel *telemetry.Telemetry, wp *config.WorkPlan) error {
	plan, err := wp.ToPlan()
	if err != nil {
		return err
	}
	report, err := a.coord.LoadPlan(ctx, plan)
	if err != nil {
		return err
	}
	a.audit(ctx, "plan.loaded", wp.Name, map[string]interface{}{
		"sources": wp.SourceFiles,
		"created": len(report.Created),
		"updated": len(report.Updated),
	})
	_ = tel.Events.PublishPlanLoaded(len(report.Created), len(report.Updated), len(report.Layers))
	return nil
}

// serveAPI runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func serveAPI(ctx context.Context, a *app, tel *telemetry.Telemetry) error {
	cfg := api.Config{
		Coordinator: a.coord,
		Audit:       a.store,
		Health:      a.store.HealthCheck,
		Logger:      tel.Logger.Zerolog(),
	}
	if settings.Metrics.Enabled {
		if settings.Metrics.Listen != "" && settings.Metrics.Listen != settings.Listen {
			if err := tel.StartMetricsServer(ctx); err != nil {
				return err
			}
		} else {
			cfg.Metrics = tel.Metrics.Handler()
		}
	}

	server := &http.Server{
		Addr:              settings.Listen,
		Handler:           api.New(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}
