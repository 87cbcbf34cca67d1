package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ContractRegistry owns the Draft -> Locked -> Verified lifecycle of
// interface contracts. It is the only component that mutates Contract.State.
type ContractRegistry struct {
	store  Store
	locks  *KeyedMutex
	logger zerolog.Logger
	now    func() time.Time
}

// NewContractRegistry creates a registry over the given store.
func NewContractRegistry(store Store, logger zerolog.Logger) *ContractRegistry {
	return &ContractRegistry{
		store:  store,
		locks:  NewKeyedMutex(),
		logger: logger.With().Str("component", "contracts").Logger(),
		now:    time.Now,
	}
}

// Register adds a new contract in the Draft state. A schema may be supplied
// up front.
func (r *ContractRegistry) Register(ctx context.Context, contract Contract) error {
	if contract.Ref.Name == "" || contract.Ref.Version == "" {
		return NewCodedError(ErrCodeValidation, "contract name and version are required", nil)
	}

	c := contract.Clone()
	c.State = ContractDraft
	c.Evidence = nil
	c.EvidenceChecksum = ""
	c.LockedAt = time.Time{}
	c.VerifiedAt = time.Time{}

	if err := r.store.CreateContract(ctx, c); err != nil {
		return err
	}
	r.logger.Debug().Str("contract", c.Ref.Key()).Msg("Contract registered")
	return nil
}

// AttachSchema sets the schema payload of a Draft contract.
func (r *ContractRegistry) AttachSchema(ctx context.Context, ref ContractRef, schema []byte) error {
	if len(schema) == 0 {
		return NewCodedError(ErrCodeValidation, "schema payload is empty", nil).WithResource(ref.Key())
	}

	return r.mutate(ctx, ref, func(c *Contract) (bool, error) {
		if c.State != ContractDraft {
			return false, NewCodedError(ErrCodeValidation,
				fmt.Sprintf("schema of a %s contract cannot change", c.State), nil).
				WithResource(ref.Key())
		}
		c.Schema = append([]byte(nil), schema...)
		return true, nil
	})
}

// RequestLock moves a Draft contract to Locked. It fails with
// INCOMPLETE_CONTRACT if no schema is attached. Locked or Verified contracts
// are left unchanged.
func (r *ContractRegistry) RequestLock(ctx context.Context, ref ContractRef) (err error) {
	ctx, span := startSpan(ctx, "contracts.lock", attribute.String("contract", ref.Key()))
	defer func() { endSpan(span, err) }()

	return r.mutate(ctx, ref, func(c *Contract) (bool, error) {
		if c.State.AtLeast(ContractLocked) {
			return false, nil
		}
		if len(c.Schema) == 0 {
			return false, NewCodedError(ErrCodeIncompleteContract,
				"cannot lock a contract without a schema payload", nil).
				WithResource(ref.Key()).WithOperation("lock")
		}
		c.State = ContractLocked
		c.LockedAt = r.now()
		r.logger.Info().Str("contract", ref.Key()).Msg("Contract locked")
		return true, nil
	})
}

// Verify moves a Locked contract to Verified once evidence is supplied.
// A Draft contract fails with NOT_LOCKED. A supplied checksum must match the
// sha256 of the payload.
func (r *ContractRegistry) Verify(ctx context.Context, ref ContractRef, evidence Evidence) (err error) {
	ctx, span := startSpan(ctx, "contracts.verify", attribute.String("contract", ref.Key()))
	defer func() { endSpan(span, err) }()

	return r.mutate(ctx, ref, func(c *Contract) (bool, error) {
		switch c.State {
		case ContractVerified:
			return false, nil
		case ContractDraft:
			return false, NewCodedError(ErrCodeNotLocked,
				"contract must be locked before verification", nil).
				WithResource(ref.Key()).WithOperation("verify")
		}

		if len(evidence.Payload) == 0 {
			return false, NewCodedError(ErrCodeValidation, "verification evidence is empty", nil).
				WithResource(ref.Key()).WithOperation("verify")
		}
		sum := sha256.Sum256(evidence.Payload)
		checksum := hex.EncodeToString(sum[:])
		if evidence.Checksum != "" && !strings.EqualFold(evidence.Checksum, checksum) {
			return false, NewCodedError(ErrCodeValidation, "evidence checksum mismatch", nil).
				WithResource(ref.Key()).WithOperation("verify").
				WithDetail("expected", evidence.Checksum).WithDetail("actual", checksum)
		}

		c.State = ContractVerified
		c.Evidence = append([]byte(nil), evidence.Payload...)
		c.EvidenceChecksum = checksum
		c.VerifiedAt = r.now()
		r.logger.Info().Str("contract", ref.Key()).Str("checksum", checksum).Msg("Contract verified")
		return true, nil
	})
}

// Get returns the contract or NOT_FOUND.
func (r *ContractRegistry) Get(ctx context.Context, ref ContractRef) (*Contract, error) {
	return r.store.GetContract(ctx, ref)
}

// List returns every contract.
func (r *ContractRegistry) List(ctx context.Context) ([]*Contract, error) {
	return r.store.ListContracts(ctx)
}

// IsSatisfiedFor reports whether every contract the unit consumes is Verified
// and every contract it produces is at least Locked.
func (r *ContractRegistry) IsSatisfiedFor(ctx context.Context, unitID string) (bool, error) {
	reasons, err := r.Unsatisfied(ctx, unitID)
	if err != nil {
		return false, err
	}
	return len(reasons) == 0, nil
}

// Unsatisfied lists why the unit's contract preconditions are not met.
func (r *ContractRegistry) Unsatisfied(ctx context.Context, unitID string) ([]string, error) {
	unit, err := r.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	return r.unsatisfiedFor(ctx, unit)
}

func (r *ContractRegistry) unsatisfiedFor(ctx context.Context, unit *Unit) ([]string, error) {
	var reasons []string
	for _, ref := range unit.Consumes {
		reason, err := r.check(ctx, ref, ContractVerified, "verified")
		if err != nil {
			return nil, err
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	for _, ref := range unit.Produces {
		reason, err := r.check(ctx, ref, ContractLocked, "locked")
		if err != nil {
			return nil, err
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return reasons, nil
}

// unlockedProduced lists produced contracts that are still Draft.
func (r *ContractRegistry) unlockedProduced(ctx context.Context, unit *Unit) ([]string, error) {
	var reasons []string
	for _, ref := range unit.Produces {
		reason, err := r.check(ctx, ref, ContractLocked, "locked")
		if err != nil {
			return nil, err
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return reasons, nil
}

func (r *ContractRegistry) check(ctx context.Context, ref ContractRef, want ContractState, label string) (string, error) {
	c, err := r.store.GetContract(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return fmt.Sprintf("contract %s not registered", ref.Key()), nil
	}
	if err != nil {
		return "", err
	}
	if !c.State.AtLeast(want) {
		return fmt.Sprintf("contract %s not %s (state=%s)", ref.Key(), label, c.State), nil
	}
	return "", nil
}

// mutate applies fn under the contract's key lock and persists the result
// when fn reports a change.
func (r *ContractRegistry) mutate(ctx context.Context, ref ContractRef, fn func(c *Contract) (bool, error)) error {
	key := "contract/" + ref.Key()
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	c, err := r.store.GetContract(ctx, ref)
	if err != nil {
		return err
	}
	changed, err := fn(c)
	if err != nil || !changed {
		return err
	}
	return r.store.UpdateContract(ctx, c)
}
