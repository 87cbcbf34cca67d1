package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// PlanWatcher reloads the work plan when its files change. Bursts of events
// (editors write, rename and chmod in quick succession) collapse into one
// reload after the debounce delay. A plan that fails to load is logged and
// ignored; the previous plan stays in effect.
type PlanWatcher struct {
	loader   *Loader
	paths    []string
	logger   zerolog.Logger
	debounce time.Duration
	onChange func(context.Context, *WorkPlan) error
}

// NewPlanWatcher creates a watcher over plan files or directories.
func NewPlanWatcher(loader *Loader, paths []string, logger zerolog.Logger, onChange func(context.Context, *WorkPlan) error) *PlanWatcher {
	return &PlanWatcher{
		loader:   loader,
		paths:    paths,
		logger:   logger.With().Str("component", "plan-watcher").Logger(),
		debounce: 500 * time.Millisecond,
		onChange: onChange,
	}
}

// SetDebounce overrides the reload delay.
func (w *PlanWatcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run watches until ctx is cancelled.
func (w *PlanWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Files are watched through their directory so that atomic
	// rename-over-write saves are seen.
	files := make(map[string]bool)
	planDirs := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range w.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			planDirs[abs] = true
			dirs[abs] = true
			continue
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.logger.Info().Strs("paths", w.paths).Msg("Watching work plan")

	relevant := func(name string) bool {
		abs, err := filepath.Abs(name)
		if err != nil {
			return false
		}
		if files[abs] {
			return true
		}
		if !planDirs[filepath.Dir(abs)] {
			return false
		}
		switch strings.ToLower(filepath.Ext(abs)) {
		case ".yaml", ".yml", ".cue", ".json":
			return true
		}
		return false
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !relevant(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Work plan changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *PlanWatcher) reload(ctx context.Context) {
	plan, err := w.loader.Load(ctx, w.paths...)
	if err != nil {
		w.logger.Error().Err(err).Msg("Work plan reload failed; keeping previous plan")
		return
	}
	if err := w.onChange(ctx, plan); err != nil {
		w.logger.Error().Err(err).Msg("Work plan rejected")
		return
	}
	w.logger.Info().Int("units", len(plan.Units)).Msg("Work plan reloaded")
}
