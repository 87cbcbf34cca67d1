package wasm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// wasiModule assembles a WASI command whose _start writes stdout to fd 1
// and, when exitCode is non-zero, calls proc_exit(exitCode).
func wasiModule(stdout string, exitCode int) []byte {
	uleb := func(n uint32) []byte {
		var out []byte
		for {
			b := byte(n & 0x7f)
			n >>= 7
			if n != 0 {
				out = append(out, b|0x80)
				continue
			}
			return append(out, b)
		}
	}
	name := func(s string) []byte { return append(uleb(uint32(len(s))), s...) }
	vec := func(items ...[]byte) []byte {
		out := uleb(uint32(len(items)))
		for _, it := range items {
			out = append(out, it...)
		}
		return out
	}
	section := func(id byte, payload []byte) []byte {
		return append(append([]byte{id}, uleb(uint32(len(payload)))...), payload...)
	}
	concat := func(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

	types := vec(
		[]byte{0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f}, // fd_write
		[]byte{0x60, 0x01, 0x7f, 0x00},                         // proc_exit
		[]byte{0x60, 0x00, 0x00},                               // _start
	)
	imports := vec(
		concat(name("wasi_snapshot_preview1"), name("fd_write"), []byte{0x00, 0x00}),
		concat(name("wasi_snapshot_preview1"), name("proc_exit"), []byte{0x00, 0x01}),
	)
	funcs := vec([]byte{0x02})
	memory := vec([]byte{0x00, 0x01})
	exports := vec(
		concat(name("memory"), []byte{0x02, 0x00}),
		concat(name("_start"), []byte{0x00, 0x02}),
	)

	// fd_write(1, iovs=0, iovs_len=1, nwritten=8); drop
	body := []byte{0x00, 0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x08, 0x10, 0x00, 0x1a}
	if exitCode != 0 {
		body = append(body, 0x41, byte(exitCode), 0x10, 0x01)
	}
	body = append(body, 0x0b)
	code := vec(append(uleb(uint32(len(body))), body...))

	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], 16)
	binary.LittleEndian.PutUint32(iov[4:], uint32(len(stdout)))
	data := vec(
		concat([]byte{0x00, 0x41, 0x00, 0x0b}, uleb(uint32(len(iov))), iov),
		concat([]byte{0x00, 0x41, 0x10, 0x0b}, uleb(uint32(len(stdout))), []byte(stdout)),
	)

	return concat(
		[]byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(2, imports),
		section(3, funcs),
		section(5, memory),
		section(7, exports),
		section(10, code),
		section(11, data),
	)
}

const passOutput = `{"outcome":"pass","summary":"licenses ok","details":{"checked":12}}`

func newTestRegistry(t *testing.T, allowed ...Capability) *Registry {
	t.Helper()
	logger := zerolog.Nop()
	r, err := NewRegistry(context.Background(), Config{
		Timeout:             5 * time.Second,
		AllowedCapabilities: allowed,
		Workspace:           t.TempDir(),
		Logger:              &logger,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

func manifest(name, version string) *Manifest {
	return &Manifest{Name: name, Version: version, Entrypoint: name + ".wasm"}
}

func request(kind engine.GateKind) *Request {
	return &Request{
		UnitID: "payments-api",
		Gate:   GateInfo{Name: "licenses", Kind: kind},
		Input:  map[string]any{"allow": []string{"MIT"}},
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid",
			yaml: `
name: license-check
version: 1.2.0
entrypoint: license.wasm
kinds: [security]
capabilities: [clock, env]
env: [CI_COMMIT]
timeout: 45s
`,
		},
		{
			name:    "unknown field",
			yaml:    "name: a\nversion: 1.0.0\nentrypoint: a.wasm\nowner: me\n",
			wantErr: "owner",
		},
		{
			name:    "missing entrypoint",
			yaml:    "name: a\nversion: 1.0.0\n",
			wantErr: "Entrypoint",
		},
		{
			name:    "bad version",
			yaml:    "name: a\nversion: one\nentrypoint: a.wasm\n",
			wantErr: "Version",
		},
		{
			name:    "bad capability",
			yaml:    "name: a\nversion: 1.0.0\nentrypoint: a.wasm\ncapabilities: [net]\n",
			wantErr: "Capabilities",
		},
		{
			name:    "bad kind",
			yaml:    "name: a\nversion: 1.0.0\nentrypoint: a.wasm\nkinds: [style]\n",
			wantErr: "Kinds",
		},
		{
			name:    "short checksum",
			yaml:    "name: a\nversion: 1.0.0\nentrypoint: a.wasm\nchecksum: abc\n",
			wantErr: "Checksum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if m.Key() != "license-check@1.2.0" {
					t.Errorf("unexpected key %s", m.Key())
				}
				if m.Timeout != 45*time.Second {
					t.Errorf("expected timeout 45s, got %v", m.Timeout)
				}
				if !m.Serves(engine.GateSecurity) || m.Serves(engine.GateCI) {
					t.Error("expected plugin to serve security gates only")
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegistryRunPass(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, manifest("license-check", "1.0.0"), wasiModule(passOutput, 0)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp, err := r.Run(ctx, "license-check", request(engine.GateSecurity))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Outcome != engine.GatePass {
		t.Errorf("expected pass, got %s", resp.Outcome)
	}
	if resp.Summary != "licenses ok" {
		t.Errorf("unexpected summary %q", resp.Summary)
	}
	if resp.Details["checked"] != float64(12) {
		t.Errorf("unexpected details %v", resp.Details)
	}
	if resp.Plugin != "license-check@1.0.0" {
		t.Errorf("unexpected plugin %s", resp.Plugin)
	}
	if len(resp.Evidence()) == 0 {
		t.Error("expected evidence")
	}

	// Instances are not reused; a second run behaves the same.
	if _, err := r.Run(ctx, "license-check", request(engine.GateSecurity)); err != nil {
		t.Errorf("second Run: %v", err)
	}
}

func TestRegistryRunNonZeroExitFails(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, manifest("strict", "1.0.0"), wasiModule("partial", 3)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp, err := r.Run(ctx, "strict", request(engine.GateCI))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Outcome != engine.GateFail {
		t.Errorf("expected fail, got %s", resp.Outcome)
	}
	if resp.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", resp.ExitCode)
	}
	if resp.Summary != "plugin exited with code 3" {
		t.Errorf("unexpected summary %q", resp.Summary)
	}
}

func TestRegistryRunInvalidResponse(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for name, out := range map[string]string{
		"garbage":     "not json",
		"bad-outcome": `{"outcome":"maybe"}`,
		"no-outcome":  `{"summary":"?"}`,
	} {
		if err := r.Register(ctx, manifest(name, "1.0.0"), wasiModule(out, 0)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
		_, err := r.Run(ctx, name, request(engine.GateCI))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if code := engine.ErrorCode(err); code != engine.ErrCodeInternal {
			t.Errorf("%s: expected INTERNAL, got %q", name, code)
		}
		if engine.IsTransient(err) {
			t.Errorf("%s: invalid output should not be retried", name)
		}
	}
}

func TestRegistryRejectsKindItDoesNotServe(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	m := manifest("sbom", "1.0.0")
	m.Kinds = []engine.GateKind{engine.GateSecurity}
	if err := r.Register(ctx, m, wasiModule(passOutput, 0)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Run(ctx, "sbom", request(engine.GateCI))
	if !errors.Is(err, engine.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	module := wasiModule(passOutput, 0)
	sum := sha256.Sum256(module)

	tests := []struct {
		name    string
		allowed []Capability
		mutate  func(*Manifest)
		module  []byte
		wantErr string
	}{
		{
			name:   "checksum matches",
			mutate: func(m *Manifest) { m.Checksum = hex.EncodeToString(sum[:]) },
		},
		{
			name:    "checksum mismatch",
			mutate:  func(m *Manifest) { m.Checksum = strings.Repeat("0", 64) },
			wantErr: "checksum",
		},
		{
			name:    "capability not allowed",
			mutate:  func(m *Manifest) { m.Capabilities = []Capability{CapabilityRandom} },
			wantErr: "not allowed",
		},
		{
			name:    "env without capability",
			allowed: []Capability{CapabilityEnv},
			mutate:  func(m *Manifest) { m.Env = []string{"CI_COMMIT"} },
			wantErr: "without",
		},
		{
			name:    "sensitive env",
			allowed: []Capability{CapabilityEnv},
			mutate: func(m *Manifest) {
				m.Capabilities = []Capability{CapabilityEnv}
				m.Env = []string{"GITHUB_TOKEN"}
			},
			wantErr: "GITHUB_TOKEN",
		},
		{
			name:    "not wasm",
			module:  []byte("fake wasm module"),
			wantErr: "compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, tt.allowed...)
			m := manifest("scan", "1.0.0")
			if tt.mutate != nil {
				tt.mutate(m)
			}
			mod := module
			if tt.module != nil {
				mod = tt.module
			}

			err := r.Register(context.Background(), m, mod)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, engine.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	module := wasiModule(passOutput, 0)

	if err := r.Register(ctx, manifest("scan", "1.0.0"), module); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(ctx, manifest("scan", "1.0.0"), module)
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Errorf("expected already exists, got %v", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	module := wasiModule(passOutput, 0)

	for _, v := range []string{"1.0.0", "1.2.0", "1.2.3", "2.0.0"} {
		if err := r.Register(ctx, manifest("scan", v), module); err != nil {
			t.Fatalf("Register %s: %v", v, err)
		}
	}

	tests := []struct {
		ref  string
		want string
	}{
		{"scan", "2.0.0"},
		{"scan@latest", "2.0.0"},
		{"scan@1.2.0", "1.2.0"},
		{"scan@~1.2", "1.2.3"},
		{"scan@~1.0", "1.0.0"},
		{"scan@^1", "1.2.3"},
	}
	for _, tt := range tests {
		p, err := r.Resolve(tt.ref)
		if err != nil {
			t.Errorf("Resolve(%s): %v", tt.ref, err)
			continue
		}
		if p.Manifest.Version != tt.want {
			t.Errorf("Resolve(%s) = %s, want %s", tt.ref, p.Manifest.Version, tt.want)
		}
	}

	for _, ref := range []string{"scan@3.0.0", "scan@^3", "other"} {
		if _, err := r.Resolve(ref); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("Resolve(%s): expected not found, got %v", ref, err)
		}
	}

	if got := len(r.List()); got != 4 {
		t.Errorf("expected 4 plugins, got %d", got)
	}
	if err := r.Unregister(ctx, "scan@2.0.0"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	p, err := r.Resolve("scan")
	if err != nil || p.Manifest.Version != "1.2.3" {
		t.Errorf("expected 1.2.3 after unregister, got %v %v", p, err)
	}
}

func TestRegistryScanDirectory(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "licenses")
	if err := os.MkdirAll(good, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(good, "licenses.wasm"), wasiModule(passOutput, 0))
	writeFile(t, filepath.Join(good, ManifestFile), []byte("name: licenses\nversion: 0.3.1\nentrypoint: licenses.wasm\n"))

	broken := filepath.Join(dir, "broken")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(broken, ManifestFile), []byte("name: broken\nversion: 1.0.0\nentrypoint: missing.wasm\n"))

	// Directories without a manifest are ignored.
	if err := os.MkdirAll(filepath.Join(dir, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}

	loaded, err := r.ScanDirectory(context.Background(), dir)
	if loaded != 1 {
		t.Errorf("expected 1 plugin loaded, got %d", loaded)
	}
	if err == nil || !strings.Contains(err.Error(), "missing.wasm") {
		t.Errorf("expected error for broken plugin, got %v", err)
	}

	resp, err := r.Run(context.Background(), "licenses", request(engine.GateCI))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Outcome != engine.GatePass {
		t.Errorf("expected pass, got %s", resp.Outcome)
	}
}

func TestCapabilityEnforcerValidateManifest(t *testing.T) {
	e := NewCapabilityEnforcer([]Capability{CapabilityEnv}, "")
	e.lookupEnv = func(key string) (string, bool) {
		if key == "CI_COMMIT" {
			return "abc123", true
		}
		return "", false
	}

	m := manifest("env", "1.0.0")
	m.Capabilities = []Capability{CapabilityEnv}
	m.Env = []string{"CI_COMMIT", "CI_UNSET"}
	if err := e.ValidateManifest(m); err != nil {
		t.Fatalf("ValidateManifest: %v", err)
	}

	m.Capabilities = append(m.Capabilities, CapabilityFSRead)
	if err := e.ValidateManifest(m); err == nil {
		t.Error("expected fs:read to be rejected")
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
