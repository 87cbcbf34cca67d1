package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/mod/semver"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// Config contains configuration for the plugin host.
type Config struct {
	// Timeout is the default per-invocation timeout.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory per module in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32

	// MaxOutput caps stdout and stderr per invocation.
	MaxOutput int

	// AllowedCapabilities lists what manifests may request.
	AllowedCapabilities []Capability

	// Workspace is mounted read-only for plugins granted fs:read.
	Workspace string

	Logger *zerolog.Logger
}

// Registry holds compiled gate plugins on a shared wazero runtime.
type Registry struct {
	mu       sync.RWMutex
	runtime  wazero.Runtime
	enforcer *CapabilityEnforcer
	plugins  map[string]*Plugin
	cfg      Config
	logger   zerolog.Logger
}

// NewRegistry creates the runtime and instantiates WASI on it.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 1 << 20
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true).
		WithCompilationCache(wazero.NewCompilationCache())

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &Registry{
		runtime:  runtime,
		enforcer: NewCapabilityEnforcer(cfg.AllowedCapabilities, cfg.Workspace),
		plugins:  make(map[string]*Plugin),
		cfg:      cfg,
		logger:   logger.With().Str("component", "wasm").Logger(),
	}, nil
}

// Register compiles module and registers it under the manifest's name@version.
func (r *Registry) Register(ctx context.Context, m *Manifest, module []byte) error {
	if err := m.Validate(); err != nil {
		return engine.NewCodedError(engine.ErrCodeValidation, "invalid manifest", err)
	}
	if err := m.VerifyChecksum(module); err != nil {
		return engine.NewCodedError(engine.ErrCodeValidation, "checksum verification failed", err)
	}
	if err := r.enforcer.ValidateManifest(m); err != nil {
		return engine.NewCodedError(engine.ErrCodeValidation, "capability validation failed", err)
	}

	compiled, err := r.runtime.CompileModule(ctx, module)
	if err != nil {
		return engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("failed to compile plugin %s", m.Key()), err)
	}
	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		_ = compiled.Close(ctx)
		return engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("plugin %s does not export _start", m.Key()), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := m.Key()
	if _, exists := r.plugins[key]; exists {
		_ = compiled.Close(ctx)
		return engine.NewCodedError(engine.ErrCodeAlreadyExists,
			fmt.Sprintf("plugin %s already registered", key), nil)
	}
	r.plugins[key] = &Plugin{Manifest: m, compiled: compiled}

	r.logger.Debug().
		Str("plugin", key).
		Strs("capabilities", capabilityStrings(m.Capabilities)).
		Msg("plugin registered")
	return nil
}

// RegisterFromPath loads a manifest file and the module it points at.
func (r *Registry) RegisterFromPath(ctx context.Context, manifestPath string) (*Manifest, error) {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, engine.NewCodedError(engine.ErrCodeValidation, "failed to load manifest", err)
	}

	module, err := os.ReadFile(m.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}

	if err := r.Register(ctx, m, module); err != nil {
		return nil, err
	}
	return m, nil
}

// ScanDirectory registers every <dir>/<plugin>/plugin.yaml. Plugins that
// fail to load are reported together; the rest stay registered.
func (r *Registry) ScanDirectory(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var (
		loaded int
		errs   []error
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if _, err := r.RegisterFromPath(ctx, manifestPath); err != nil {
			r.logger.Warn().Err(err).Str("manifest", manifestPath).Msg("failed to register plugin")
			errs = append(errs, fmt.Errorf("%s: %w", manifestPath, err))
			continue
		}
		loaded++
	}

	r.logger.Info().Str("dir", dir).Int("plugins", loaded).Msg("plugin directory scanned")
	return loaded, errors.Join(errs...)
}

// Resolve finds a plugin by reference. Supported forms:
//   - "name" or "name@latest": highest registered version
//   - "name@1.2.0": exact version
//   - "name@~1.2": highest 1.2.x
//   - "name@^1": highest 1.x.x
func (r *Registry) Resolve(ref string) (*Plugin, error) {
	name, constraint, _ := strings.Cut(ref, "@")

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Plugin
	for _, p := range r.plugins {
		if p.Manifest.Name != name || !versionMatches(p.Manifest.Version, constraint) {
			continue
		}
		if best == nil || semver.Compare(canonical(p.Manifest.Version), canonical(best.Manifest.Version)) > 0 {
			best = p
		}
	}
	if best == nil {
		return nil, engine.NewCodedError(engine.ErrCodeNotFound, fmt.Sprintf("plugin %s not found", ref), nil)
	}
	return best, nil
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func versionMatches(version, constraint string) bool {
	v := canonical(version)
	switch {
	case constraint == "" || constraint == "latest":
		return true
	case strings.HasPrefix(constraint, "~"):
		return semver.MajorMinor(v) == semver.MajorMinor(canonical(constraint[1:]))
	case strings.HasPrefix(constraint, "^"):
		return semver.Major(v) == semver.Major(canonical(constraint[1:]))
	default:
		return semver.Compare(v, canonical(constraint)) == 0
	}
}

// Run resolves ref and executes the plugin for one gate.
func (r *Registry) Run(ctx context.Context, ref string, req *Request) (*Response, error) {
	p, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if !p.Manifest.Serves(req.Gate.Kind) {
		return nil, engine.NewCodedError(engine.ErrCodeValidation,
			fmt.Sprintf("plugin %s does not serve %s gates", p.Manifest.Key(), req.Gate.Kind), nil)
	}

	resp, err := r.run(ctx, p, req)
	if err != nil {
		r.logger.Warn().Err(err).Str("plugin", p.Manifest.Key()).Str("unit_id", req.UnitID).Msg("plugin run failed")
		return nil, err
	}

	r.logger.Debug().
		Str("plugin", resp.Plugin).
		Str("unit_id", req.UnitID).
		Str("gate", req.Gate.Name).
		Str("outcome", string(resp.Outcome)).
		Dur("duration", resp.Duration).
		Msg("plugin finished")
	return resp, nil
}

// List returns the registered manifests ordered by key.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Manifest, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.Manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Unregister removes a plugin by exact name@version.
func (r *Registry) Unregister(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plugins[key]
	if !ok {
		return engine.NewCodedError(engine.ErrCodeNotFound, fmt.Sprintf("plugin %s not found", key), nil)
	}
	delete(r.plugins, key)
	return p.compiled.Close(ctx)
}

// Close releases every compiled module and the runtime.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins = make(map[string]*Plugin)
	if err := r.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

func capabilityStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
