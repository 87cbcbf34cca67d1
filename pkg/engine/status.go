package engine

import (
	"encoding/json"
	"fmt"
)

// LifecycleState represents where a unit is in its lifecycle.
type LifecycleState string

const (
	// StatePlanned is the initial state of every unit loaded from a work plan.
	StatePlanned LifecycleState = "planned"

	// StateContractsLocked indicates the contracts the unit produces are locked
	// and the unit may be admitted to a worker slot.
	StateContractsLocked LifecycleState = "contracts_locked"

	// StateImplementing indicates the unit occupies a worker slot.
	StateImplementing LifecycleState = "implementing"

	// StateReview indicates all declared tasks are complete and the unit awaits gates.
	StateReview LifecycleState = "review"

	// StateIntegrated indicates the CI and security gates passed.
	StateIntegrated LifecycleState = "integrated"

	// StateReleased indicates a deployment confirmation was recorded. Terminal.
	StateReleased LifecycleState = "released"

	// StateParked is the side state entered from Implementing when a unit is blocked.
	StateParked LifecycleState = "parked"
)

// AllLifecycleStates lists every lifecycle state in lifecycle order.
var AllLifecycleStates = []LifecycleState{
	StatePlanned,
	StateContractsLocked,
	StateImplementing,
	StateReview,
	StateIntegrated,
	StateReleased,
	StateParked,
}

// rank orders the main lifecycle. Parked ranks with Implementing since it is
// a detour that never advances the lifecycle.
func (s LifecycleState) rank() int {
	switch s {
	case StatePlanned:
		return 0
	case StateContractsLocked:
		return 1
	case StateImplementing, StateParked:
		return 2
	case StateReview:
		return 3
	case StateIntegrated:
		return 4
	case StateReleased:
		return 5
	default:
		return -1
	}
}

// AtLeast reports whether s is at or beyond other in the main lifecycle.
func (s LifecycleState) AtLeast(other LifecycleState) bool {
	return s.rank() >= other.rank()
}

// IsTerminal returns true if no transition may leave the state.
func (s LifecycleState) IsTerminal() bool {
	return s == StateReleased
}

// Validate checks if the lifecycle state is valid.
func (s LifecycleState) Validate() error {
	switch s {
	case StatePlanned, StateContractsLocked, StateImplementing, StateReview,
		StateIntegrated, StateReleased, StateParked:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s LifecycleState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *LifecycleState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = LifecycleState(str)
	return s.Validate()
}

// ParseLifecycleState converts a string into a validated LifecycleState.
func ParseLifecycleState(v string) (LifecycleState, error) {
	s := LifecycleState(v)
	return s, s.Validate()
}

// ContractState is the lock state of an interface contract.
type ContractState string

const (
	// ContractDraft indicates the contract may still change.
	ContractDraft ContractState = "draft"

	// ContractLocked indicates the schema is frozen.
	ContractLocked ContractState = "locked"

	// ContractVerified indicates external verification evidence was recorded.
	ContractVerified ContractState = "verified"
)

func (s ContractState) rank() int {
	switch s {
	case ContractDraft:
		return 0
	case ContractLocked:
		return 1
	case ContractVerified:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether s is at or beyond other.
func (s ContractState) AtLeast(other ContractState) bool {
	return s.rank() >= other.rank()
}

// Validate checks if the contract state is valid.
func (s ContractState) Validate() error {
	switch s {
	case ContractDraft, ContractLocked, ContractVerified:
		return nil
	default:
		return fmt.Errorf("invalid contract state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ContractState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ContractState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ContractState(str)
	return s.Validate()
}

// GateKind is the closed set of quality gates.
type GateKind string

const (
	// GateCI covers build and test gates.
	GateCI GateKind = "ci"

	// GateSecurity covers security scans.
	GateSecurity GateKind = "security"

	// GateContractVerification checks a unit against the contracts it consumes or produces.
	GateContractVerification GateKind = "contract_verification"
)

// Validate checks if the gate kind is valid.
func (k GateKind) Validate() error {
	switch k {
	case GateCI, GateSecurity, GateContractVerification:
		return nil
	default:
		return fmt.Errorf("invalid gate kind: %s", k)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (k GateKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *GateKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = GateKind(str)
	return k.Validate()
}

// GateOutcome is the terminal result of one gate execution.
type GateOutcome string

const (
	// GatePass indicates the gate passed.
	GatePass GateOutcome = "pass"

	// GateFail indicates the gate ran and failed. This is a valid result, not an error.
	GateFail GateOutcome = "fail"

	// GateSkipped indicates the gate did not apply. It never blocks allPass.
	GateSkipped GateOutcome = "skipped"
)

// Validate checks if the gate outcome is valid.
func (o GateOutcome) Validate() error {
	switch o {
	case GatePass, GateFail, GateSkipped:
		return nil
	default:
		return fmt.Errorf("invalid gate outcome: %s", o)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o GateOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *GateOutcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = GateOutcome(str)
	return o.Validate()
}

// ParkReason is the closed set of reasons a unit can be parked for.
type ParkReason string

const (
	// ParkManual is an explicit operator park.
	ParkManual ParkReason = "manual"

	// ParkIdleTimeout is the scheduler's automatic park.
	ParkIdleTimeout ParkReason = "idle_timeout"

	// ParkExternalBlocker marks a unit waiting on a human or external system.
	ParkExternalBlocker ParkReason = "external_blocker"
)

// Validate checks if the park reason is valid.
func (r ParkReason) Validate() error {
	switch r {
	case ParkManual, ParkIdleTimeout, ParkExternalBlocker:
		return nil
	default:
		return fmt.Errorf("invalid park reason: %s", r)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (r ParkReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (r *ParkReason) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*r = ParkReason(str)
	return r.Validate()
}

// UnitKind distinguishes epics from the sprints they decompose into.
type UnitKind string

const (
	UnitKindEpic   UnitKind = "epic"
	UnitKindSprint UnitKind = "sprint"
)

// Validate checks if the unit kind is valid. An empty kind is treated as epic.
func (k UnitKind) Validate() error {
	switch k {
	case UnitKindEpic, UnitKindSprint, "":
		return nil
	default:
		return fmt.Errorf("invalid unit kind: %s", k)
	}
}
