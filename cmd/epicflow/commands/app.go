package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/epicflow/pkg/config"
	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/gates"
	"github.com/openfroyo/epicflow/pkg/policy"
	"github.com/openfroyo/epicflow/pkg/providers/wasm"
	"github.com/openfroyo/epicflow/pkg/stores"
)

// app is what a command needs: the store, the coordinator over it and the
// gate dispatcher.
type app struct {
	store    *stores.SQLiteStore
	coord    *engine.Coordinator
	dispatch *gates.Dispatcher
	policies *policy.Engine
	plugins  *wasm.Registry
	loader   *config.Loader
	logger   zerolog.Logger
}

type appOptions struct {
	recorder  engine.Recorder
	publisher engine.TransitionPublisher
	logger    *zerolog.Logger

	// gates builds the executors. Commands that never run gates skip it.
	gates bool
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	logger := log.Logger
	if opts.logger != nil {
		logger = *opts.logger
	}

	if dir := filepath.Dir(settings.DB); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := stores.Open(ctx, stores.Config{Path: settings.DB})
	if err != nil {
		return nil, err
	}

	a := &app{store: store, loader: config.NewLoader(), logger: logger}
	var executor engine.GateExecutor
	if opts.gates {
		if err := a.buildGates(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
		executor = a.dispatch
	}

	a.coord = engine.NewCoordinator(store, executor, engine.CoordinatorOptions{
		Logger:    logger,
		Recorder:  opts.recorder,
		Publisher: opts.publisher,
		Scheduler: settings.SchedulerConfig(),
	})
	return a, nil
}

// withApp opens the app, runs fn and closes the app.
func withApp(ctx context.Context, opts appOptions, fn func(context.Context, *app) error) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func (a *app) buildGates(ctx context.Context) error {
	pe, err := policy.NewEngine(a.logger)
	if err != nil {
		return err
	}
	if settings.PolicyDir != "" {
		if err := pe.LoadPolicies(ctx, []string{settings.PolicyDir}); err != nil {
			return err
		}
	}
	a.policies = pe

	b := gates.Builtins{
		Policies: pe,
		Starlark: config.NewStarlarkEvaluator(settings.GateTimeout),
		SSH: &gates.SSHExecutorOptions{
			KnownHostsPath: settings.SSHKnownHosts,
			ArtifactDir:    settings.ArtifactDir,
			Logger:         a.logger,
		},
		BaseDir: planBaseDir(),
	}
	if settings.PluginDir != "" {
		reg, err := wasm.NewRegistry(ctx, wasm.Config{
			Timeout:   settings.GateTimeout,
			Workspace: b.BaseDir,
			Logger:    &a.logger,
		})
		if err != nil {
			return err
		}
		n, err := reg.ScanDirectory(ctx, settings.PluginDir)
		if err != nil {
			_ = reg.Close(ctx)
			return err
		}
		a.logger.Debug().Int("plugins", n).Str("dir", settings.PluginDir).Msg("Loaded gate plugins")
		a.plugins = reg
		b.Plugins = reg
	}

	a.dispatch = gates.NewDispatcher(gates.Options{
		Store:   a.store,
		Schemas: a.loader.Schemas(),
		Timeout: settings.GateTimeout,
		Logger:  &a.logger,
	})
	a.dispatch.RegisterBuiltins(b)
	return nil
}

// Close releases the plugin runtime and the database.
func (a *app) Close(ctx context.Context) {
	if a.plugins != nil {
		_ = a.plugins.Close(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close database")
	}
}

// loadPlanGates installs the default gate set from the configured plan
// files. The set is held in memory, so one-shot commands that run gates
// read it again from the plan.
func (a *app) loadPlanGates(ctx context.Context) error {
	if len(settings.Plan) == 0 {
		return nil
	}
	plan, _, err := a.loader.LoadPlan(ctx, settings.Plan...)
	if err != nil {
		return err
	}
	if len(plan.Gates) > 0 {
		a.coord.Machine.SetDefaultGates(plan.Gates)
	}
	return nil
}

// audit records a mutation. Failures are logged, not returned, since the
// mutation itself already committed.
func (a *app) audit(ctx context.Context, action, target string, details interface{}) {
	entry := &stores.AuditEntry{Action: action, Actor: settings.Actor}
	if target != "" {
		entry.TargetID = &target
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			s := string(b)
			entry.Details = &s
		}
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// planBaseDir is the directory of the first plan source. Gate paths
// (reports, scripts, working directories) are relative to it.
func planBaseDir() string {
	if len(settings.Plan) == 0 {
		wd, _ := os.Getwd()
		return wd
	}
	p := settings.Plan[0]
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return p
	}
	return filepath.Dir(p)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

// parseRef parses a "name@version" argument.
func parseRef(s string) (engine.ContractRef, error) {
	ref, err := config.ParseContractRef(s)
	if err != nil {
		return engine.ContractRef{}, engine.NewCodedError(engine.ErrCodeValidation, err.Error(), nil)
	}
	return ref, nil
}

func printAssigned(assigned map[string]string) {
	units := make([]string, 0, len(assigned))
	for unit := range assigned {
		units = append(units, unit)
	}
	sort.Strings(units)
	for _, unit := range units {
		fmt.Printf("✓ Admitted %s onto %s\n", unit, assigned[unit])
	}
}
