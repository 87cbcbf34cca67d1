package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// WorkPlan is the on-disk description of epics, sprints, contracts, workers
// and the default gate set. It is read from YAML, JSON or CUE.
type WorkPlan struct {
	// Name identifies the plan in logs and the API.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Workers are the worker slot IDs, one unit of WIP each.
	Workers []string `json:"workers,omitempty" yaml:"workers,omitempty" validate:"unique,dive,required"`

	// Units are the epics and sprints to schedule.
	Units []UnitConfig `json:"units" yaml:"units" validate:"required,min=1,dive"`

	// Contracts are the interface contracts exchanged between units.
	Contracts []ContractConfig `json:"contracts,omitempty" yaml:"contracts,omitempty" validate:"dive"`

	// Gates is the default gate set used for Review -> Integrated.
	Gates []GateConfig `json:"gates,omitempty" yaml:"gates,omitempty" validate:"dive"`

	// SourceFiles are the files the plan was read from.
	SourceFiles []string `json:"-" yaml:"-"`

	// LoadedAt is when the plan was parsed.
	LoadedAt time.Time `json:"-" yaml:"-"`
}

// UnitConfig describes one epic or sprint.
type UnitConfig struct {
	// ID is the stable unit identifier (e.g., "billing-api").
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the human-readable title.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Kind is "epic" or "sprint"; empty means epic.
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=epic sprint"`

	// Parent is the epic a sprint belongs to.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`

	// DependsOn lists unit IDs that must be integrated first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,required"`

	// Effort is the relative size used for the critical path.
	Effort float64 `json:"effort,omitempty" yaml:"effort,omitempty" validate:"gte=0"`

	// Subsystems are free-form ownership labels.
	Subsystems []string `json:"subsystems,omitempty" yaml:"subsystems,omitempty"`

	// Consumes lists contracts as "name@version".
	Consumes []string `json:"consumes,omitempty" yaml:"consumes,omitempty" validate:"dive,contractref"`

	// Produces lists contracts as "name@version".
	Produces []string `json:"produces,omitempty" yaml:"produces,omitempty" validate:"dive,contractref"`

	// Tasks are the checklist items that must be done before review.
	Tasks []TaskConfig `json:"tasks,omitempty" yaml:"tasks,omitempty" validate:"dive"`
}

// TaskConfig is one checklist item of a unit.
type TaskConfig struct {
	ID    string `json:"id" yaml:"id" validate:"required"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

// ContractConfig declares an interface contract.
type ContractConfig struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Version  string `json:"version" yaml:"version" validate:"required"`
	Producer string `json:"producer,omitempty" yaml:"producer,omitempty"`

	Consumers []string `json:"consumers,omitempty" yaml:"consumers,omitempty"`

	// Schema is an inline schema document.
	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`

	// SchemaFile is a schema path, relative to the plan file.
	SchemaFile string `json:"schema_file,omitempty" yaml:"schema_file,omitempty" validate:"excluded_with=Schema"`
}

// GateConfig declares one gate of the default gate set.
type GateConfig struct {
	Name      string   `json:"name" yaml:"name" validate:"required"`
	Kind      string   `json:"kind" yaml:"kind" validate:"required,oneof=ci security contract_verification"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Executor selects the gate backend (policy, starlark, ssh, wasm, exec).
	Executor string `json:"executor,omitempty" yaml:"executor,omitempty" validate:"omitempty,oneof=policy starlark ssh wasm exec"`

	// Config is executor-specific configuration.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "units[2].consumes[0]").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (v ValidationError) String() string {
	var b strings.Builder
	if v.File != "" {
		b.WriteString(v.File)
		if v.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", v.Line, v.Column)
		}
		b.WriteString(": ")
	}
	if v.Path != "" {
		b.WriteString(v.Path)
		b.WriteString(": ")
	}
	b.WriteString(v.Message)
	return b.String()
}

// PlanError collects every problem found in a work plan. It matches
// engine.ErrValidation with errors.Is.
type PlanError struct {
	Errors []ValidationError
}

func (e *PlanError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid work plan: " + e.Errors[0].String()
	}
	lines := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		lines[i] = "  " + v.String()
	}
	return fmt.Sprintf("invalid work plan (%d errors):\n%s", len(e.Errors), strings.Join(lines, "\n"))
}

// Unwrap lets errors.Is(err, engine.ErrValidation) match.
func (e *PlanError) Unwrap() error {
	return engine.ErrValidation
}

// ParseContractRef parses "name@version".
func ParseContractRef(s string) (engine.ContractRef, error) {
	name, version, ok := strings.Cut(s, "@")
	if !ok || name == "" || version == "" || strings.Contains(version, "@") {
		return engine.ContractRef{}, fmt.Errorf("contract reference %q must be name@version", s)
	}
	return engine.ContractRef{Name: name, Version: version}, nil
}

// ToPlan converts the work plan into engine types, reading any schema files.
// Graph validity (cycles, unknown dependencies) is left to the engine.
func (wp *WorkPlan) ToPlan() (engine.Plan, error) {
	plan := engine.Plan{
		Units:     make([]engine.Unit, 0, len(wp.Units)),
		Contracts: make([]engine.Contract, 0, len(wp.Contracts)),
		Workers:   append([]string(nil), wp.Workers...),
		Gates:     make([]engine.GateSpec, 0, len(wp.Gates)),
	}

	for _, uc := range wp.Units {
		u := engine.Unit{
			ID:           uc.ID,
			Name:         uc.Name,
			Kind:         engine.UnitKind(uc.Kind),
			Parent:       uc.Parent,
			Dependencies: append([]string(nil), uc.DependsOn...),
			Effort:       uc.Effort,
			Subsystems:   append([]string(nil), uc.Subsystems...),
			State:        engine.StatePlanned,
		}
		if u.Kind == "" {
			u.Kind = engine.UnitKindEpic
		}
		var err error
		if u.Consumes, err = parseRefs(uc.Consumes); err != nil {
			return engine.Plan{}, fmt.Errorf("unit %s: %w", uc.ID, err)
		}
		if u.Produces, err = parseRefs(uc.Produces); err != nil {
			return engine.Plan{}, fmt.Errorf("unit %s: %w", uc.ID, err)
		}
		for _, tc := range uc.Tasks {
			u.Tasks = append(u.Tasks, engine.Task{ID: tc.ID, Title: tc.Title})
		}
		plan.Units = append(plan.Units, u)
	}

	producers := make(map[string]string)
	consumers := make(map[string][]string)
	for _, u := range plan.Units {
		for _, ref := range u.Produces {
			producers[ref.Key()] = u.ID
		}
		for _, ref := range u.Consumes {
			consumers[ref.Key()] = append(consumers[ref.Key()], u.ID)
		}
	}

	for _, cc := range wp.Contracts {
		c := engine.Contract{
			Ref:       engine.ContractRef{Name: cc.Name, Version: cc.Version},
			Producer:  cc.Producer,
			Consumers: append([]string(nil), cc.Consumers...),
		}
		// producer and consumers default to what the units declare
		if c.Producer == "" {
			c.Producer = producers[c.Ref.Key()]
		}
		if len(c.Consumers) == 0 {
			c.Consumers = consumers[c.Ref.Key()]
		}
		switch {
		case cc.Schema != "":
			c.Schema = []byte(cc.Schema)
		case cc.SchemaFile != "":
			data, err := os.ReadFile(cc.SchemaFile)
			if err != nil {
				return engine.Plan{}, fmt.Errorf("contract %s: failed to read schema: %w", c.Ref, err)
			}
			c.Schema = data
		}
		plan.Contracts = append(plan.Contracts, c)
	}

	for _, gc := range wp.Gates {
		plan.Gates = append(plan.Gates, engine.GateSpec{
			Name:      gc.Name,
			Kind:      engine.GateKind(gc.Kind),
			DependsOn: append([]string(nil), gc.DependsOn...),
			Executor:  gc.Executor,
			Config:    gc.Config,
		})
	}

	return plan, nil
}

func parseRefs(refs []string) ([]engine.ContractRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]engine.ContractRef, 0, len(refs))
	for _, s := range refs {
		ref, err := ParseContractRef(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// MergePlans concatenates plans read from several files. Duplicate unit,
// contract, gate or worker IDs are errors.
func MergePlans(plans ...*WorkPlan) (*WorkPlan, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("no plans to merge")
	}
	if len(plans) == 1 {
		return plans[0], nil
	}

	merged := &WorkPlan{Name: plans[0].Name, LoadedAt: time.Now()}
	units := make(map[string]string)
	contracts := make(map[string]string)
	gates := make(map[string]string)
	workers := make(map[string]bool)

	for _, p := range plans {
		src := strings.Join(p.SourceFiles, ",")
		for _, u := range p.Units {
			if prev, ok := units[u.ID]; ok {
				return nil, fmt.Errorf("duplicate unit %s in %s and %s", u.ID, prev, src)
			}
			units[u.ID] = src
			merged.Units = append(merged.Units, u)
		}
		for _, c := range p.Contracts {
			key := c.Name + "@" + c.Version
			if prev, ok := contracts[key]; ok {
				return nil, fmt.Errorf("duplicate contract %s in %s and %s", key, prev, src)
			}
			contracts[key] = src
			merged.Contracts = append(merged.Contracts, c)
		}
		for _, g := range p.Gates {
			if prev, ok := gates[g.Name]; ok {
				return nil, fmt.Errorf("duplicate gate %s in %s and %s", g.Name, prev, src)
			}
			gates[g.Name] = src
			merged.Gates = append(merged.Gates, g)
		}
		for _, w := range p.Workers {
			if !workers[w] {
				workers[w] = true
				merged.Workers = append(merged.Workers, w)
			}
		}
		merged.SourceFiles = append(merged.SourceFiles, p.SourceFiles...)
	}

	return merged, nil
}
