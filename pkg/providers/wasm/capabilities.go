package wasm

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"github.com/tetratelabs/wazero"
)

// Capability is a host facility a plugin must request in its manifest.
// Without any capabilities a plugin sees only stdin, stdout and stderr,
// a fixed clock and deterministic randomness.
type Capability string

const (
	// CapabilityClock exposes the host wall and monotonic clocks.
	CapabilityClock Capability = "clock"

	// CapabilityRandom exposes crypto/rand.
	CapabilityRandom Capability = "random"

	// CapabilityEnv passes the manifest's env allow-list through.
	CapabilityEnv Capability = "env"

	// CapabilityFSRead mounts the workspace read-only at /workspace.
	CapabilityFSRead Capability = "fs:read"
)

// WorkspaceMount is where CapabilityFSRead mounts the workspace.
const WorkspaceMount = "/workspace"

// CapabilityEnforcer decides which capabilities plugins may use and turns
// the granted ones into module configuration.
type CapabilityEnforcer struct {
	allowed   map[Capability]bool
	workspace string
	lookupEnv func(string) (string, bool)
}

// NewCapabilityEnforcer allows the listed capabilities. workspace is the
// directory mounted for CapabilityFSRead.
func NewCapabilityEnforcer(allowed []Capability, workspace string) *CapabilityEnforcer {
	e := &CapabilityEnforcer{
		allowed:   make(map[Capability]bool, len(allowed)),
		workspace: workspace,
		lookupEnv: os.LookupEnv,
	}
	for _, c := range allowed {
		e.allowed[c] = true
	}
	return e
}

// ValidateManifest rejects manifests that request capabilities the host
// does not allow, or env vars that look like credentials.
func (e *CapabilityEnforcer) ValidateManifest(m *Manifest) error {
	for _, c := range m.Capabilities {
		if !e.allowed[c] {
			return fmt.Errorf("plugin %s requests capability %q which is not allowed", m.Key(), c)
		}
		if c == CapabilityFSRead && e.workspace == "" {
			return fmt.Errorf("plugin %s requests %q but no workspace is configured", m.Key(), c)
		}
	}
	if len(m.Env) > 0 && !m.HasCapability(CapabilityEnv) {
		return fmt.Errorf("plugin %s lists env vars without the %q capability", m.Key(), CapabilityEnv)
	}
	for _, key := range m.Env {
		if isSensitiveEnvVar(key) {
			return fmt.Errorf("plugin %s: env var %s is not allowed", m.Key(), key)
		}
	}
	return nil
}

// Configure applies m's capabilities to cfg.
func (e *CapabilityEnforcer) Configure(cfg wazero.ModuleConfig, m *Manifest) wazero.ModuleConfig {
	if m.HasCapability(CapabilityClock) {
		cfg = cfg.WithSysWalltime().WithSysNanotime().WithSysNanosleep()
	}
	if m.HasCapability(CapabilityRandom) {
		cfg = cfg.WithRandSource(rand.Reader)
	}
	if m.HasCapability(CapabilityEnv) {
		for _, key := range m.Env {
			if v, ok := e.lookupEnv(key); ok {
				cfg = cfg.WithEnv(key, v)
			}
		}
	}
	if m.HasCapability(CapabilityFSRead) && e.workspace != "" {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(e.workspace, WorkspaceMount))
	}
	return cfg
}

// isSensitiveEnvVar checks if an environment variable is sensitive.
func isSensitiveEnvVar(key string) bool {
	sensitiveVars := []string{
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"GITHUB_TOKEN",
		"GITLAB_TOKEN",
		"SSH_PRIVATE_KEY",
		"DATABASE_PASSWORD",
		"API_KEY",
		"SECRET",
		"TOKEN",
		"PASSWORD",
	}

	upperKey := strings.ToUpper(key)
	for _, sensitive := range sensitiveVars {
		if strings.Contains(upperKey, sensitive) {
			return true
		}
	}

	return false
}
