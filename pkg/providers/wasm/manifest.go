package wasm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// ManifestFile is the file name ScanDirectory looks for in each plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest describes a gate plugin.
//
//	name: license-check
//	version: 1.2.0
//	entrypoint: license.wasm
//	checksum: 3b1f...
//	kinds: [security]
//	capabilities: [clock, env]
//	env: [CI_COMMIT]
//	timeout: 30s
type Manifest struct {
	Name         string            `yaml:"name" validate:"required,hostname_rfc1123"`
	Version      string            `yaml:"version" validate:"required,semver"`
	Description  string            `yaml:"description,omitempty"`
	Entrypoint   string            `yaml:"entrypoint" validate:"required"`
	Checksum     string            `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`
	Kinds        []engine.GateKind `yaml:"kinds,omitempty" validate:"dive,oneof=ci security contract_verification"`
	Capabilities []Capability      `yaml:"capabilities,omitempty" validate:"dive,oneof=clock random env fs:read"`
	Env          []string          `yaml:"env,omitempty"`
	Timeout      time.Duration     `yaml:"timeout,omitempty" validate:"gte=0"`

	// Path is the manifest file the plugin was loaded from.
	Path string `yaml:"-"`

	// WasmPath is the resolved location of the module.
	WasmPath string `yaml:"-"`
}

var manifestValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseManifest decodes and validates a manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads a manifest file and resolves its entrypoint relative
// to the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path

	if filepath.IsAbs(m.Entrypoint) {
		m.WasmPath = m.Entrypoint
	} else {
		m.WasmPath = filepath.Join(filepath.Dir(path), m.Entrypoint)
	}
	if _, err := os.Stat(m.WasmPath); err != nil {
		return nil, fmt.Errorf("WASM module not found at %s: %w", m.WasmPath, err)
	}

	return m, nil
}

// Validate checks the manifest's structure.
func (m *Manifest) Validate() error {
	return manifestValidator.Struct(m)
}

// Key returns name@version.
func (m *Manifest) Key() string {
	return m.Name + "@" + m.Version
}

// VerifyChecksum compares module against the manifest checksum. A manifest
// without a checksum accepts any module.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}

	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}

// Serves reports whether the plugin may run gates of the given kind. A
// manifest without kinds serves every kind.
func (m *Manifest) Serves(kind engine.GateKind) bool {
	if len(m.Kinds) == 0 {
		return true
	}
	for _, k := range m.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// HasCapability reports whether the manifest requests c.
func (m *Manifest) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
