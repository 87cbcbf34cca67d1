package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/epicflow/pkg/stores"
)

const defaultConfig = `# epicflow configuration

db: %s
plan:
  - %s
actor: %s

idle_timeout: 72h
reap_interval: 1m

listen: 127.0.0.1:8420
policy_dir: ""
plugin_dir: ""

gate_timeout: 10m
gate_retries: 3

log:
  level: info
  format: console

metrics:
  enabled: true

tracing:
  exporter: none
`

const samplePlan = `name: sample
workers: [alice, bob]

contracts:
  - name: billing-api
    version: v1
    producer: billing

units:
  - id: billing
    name: Billing service
    effort: 5
    produces: [billing-api@v1]
    tasks:
      - id: schema
      - id: handlers
  - id: checkout
    name: Checkout flow
    effort: 3
    depends_on: [billing]
    consumes: [billing-api@v1]
    tasks:
      - id: ui
  - id: reports
    name: Revenue reports
    effort: 2
    depends_on: [billing]

gates:
  - name: ci
    kind: ci
    executor: policy
  - name: contracts
    kind: contract_verification
    executor: policy
  - name: security
    kind: security
    executor: policy
    depends_on: [ci]
`

func newInitCommand() *cobra.Command {
	var (
		sample bool
		sshKey bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an epicflow workspace",
		Long: `Initialize a workspace: create the SQLite database, run migrations and
write epicflow.yaml. Existing files are left alone.

--sample also writes plan.yaml, a small work plan to start from.
--ssh-key generates an ed25519 keypair for ssh gates.`,
		Example: `  # Initialize in the current directory
  epicflow init

  # With a sample plan and a key for remote gates
  epicflow init --sample --ssh-key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log.Info().Str("db", settings.DB).Msg("Initializing workspace")

			dir := filepath.Dir(settings.DB)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
			store, err := stores.Open(ctx, stores.Config{Path: settings.DB})
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", settings.DB)

			planPath := "plan.yaml"
			if len(settings.Plan) > 0 {
				planPath = settings.Plan[0]
			}

			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = "epicflow.yaml"
			}
			wrote, err := writeIfMissing(cfgPath, fmt.Sprintf(defaultConfig, settings.DB, planPath, settings.Actor), 0o644)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Printf("✓ Created config file: %s\n", cfgPath)
			} else {
				fmt.Printf("✓ Config file already exists: %s\n", cfgPath)
			}

			if sample {
				wrote, err := writeIfMissing(planPath, samplePlan, 0o644)
				if err != nil {
					return err
				}
				if wrote {
					fmt.Printf("✓ Created sample plan: %s\n", planPath)
				}
			}

			if sshKey {
				keyPath := filepath.Join(dir, "keys", "gates-ed25519")
				created, err := generateKeypair(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  epicflow validate %s\n", planPath)
			fmt.Printf("  epicflow load %s\n", planPath)
			fmt.Printf("  epicflow status\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&sample, "sample", false, "write a sample work plan")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 keypair for ssh gates")

	return cmd
}

func writeIfMissing(path, content string, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// generateKeypair writes an OpenSSH private key and its authorized_keys
// line next to it.
func generateKeypair(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}
	privBlock, err := sshpkg.MarshalPrivateKey(privKey, "epicflow gates")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
