package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// Loader reads work plans from YAML, JSON or CUE and validates them against
// the #WorkPlan schema and the struct tags on WorkPlan.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a work plan loader.
func NewLoader() *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("contractref", func(fl validator.FieldLevel) bool {
		_, err := ParseContractRef(fl.Field().String())
		return err == nil
	})
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: v,
	}
}

// Schemas returns the schema registry used by the loader.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads every source (file or directory) and merges the results into
// one plan.
func (l *Loader) Load(ctx context.Context, sources ...string) (*WorkPlan, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var plans []*WorkPlan
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			dirPlans, err := l.loadDirectory(source)
			if err != nil {
				return nil, err
			}
			plans = append(plans, dirPlans...)
			continue
		}

		p, err := l.LoadFile(source)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	merged, err := MergePlans(plans...)
	if err != nil {
		return nil, engine.NewCodedError(engine.ErrCodeValidation, err.Error(), nil)
	}

	// References may cross file boundaries, so they are checked on the
	// merged plan.
	if errs := crossCheck(merged); len(errs) > 0 {
		fillFile(errs, merged.SourceFiles)
		return nil, &PlanError{Errors: errs}
	}
	return merged, nil
}

// LoadPlan loads sources and converts the result into engine types.
func (l *Loader) LoadPlan(ctx context.Context, sources ...string) (engine.Plan, *WorkPlan, error) {
	wp, err := l.Load(ctx, sources...)
	if err != nil {
		return engine.Plan{}, nil, err
	}
	plan, err := wp.ToPlan()
	if err != nil {
		return engine.Plan{}, nil, engine.NewCodedError(engine.ErrCodeValidation, err.Error(), err)
	}
	return plan, wp, nil
}

// LoadFile reads a single plan file, choosing the format by extension.
func (l *Loader) LoadFile(path string) (*WorkPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	var wp *WorkPlan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		wp, err = l.ParseCUE(string(data), path)
	case ".yaml", ".yml", ".json":
		wp, err = l.ParseYAML(data, path)
	default:
		return nil, fmt.Errorf("unsupported plan format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	resolveSchemaFiles(wp, filepath.Dir(path))
	return wp, nil
}

// loadDirectory loads every plan file in dir. CUE files in the directory are
// evaluated together as one package.
func (l *Loader) loadDirectory(dir string) ([]*WorkPlan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var plans []*WorkPlan
	hasCUE := false
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".cue":
			hasCUE = true
		case ".yaml", ".yml":
			p, err := l.LoadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			plans = append(plans, p)
		}
	}

	if hasCUE {
		p, err := l.loadCUEPackage(dir)
		if err != nil {
			return nil, err
		}
		resolveSchemaFiles(p, dir)
		plans = append(plans, p)
	}

	if len(plans) == 0 {
		return nil, fmt.Errorf("no plan files found in %s", dir)
	}
	return plans, nil
}

func (l *Loader) loadCUEPackage(dir string) (*WorkPlan, error) {
	insts := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(insts) == 0 {
		return nil, &PlanError{Errors: []ValidationError{{File: dir, Message: "no CUE files found"}}}
	}
	inst := insts[0]
	if inst.Err != nil {
		return nil, &PlanError{Errors: convertCUEErrors(inst.Err)}
	}

	val := l.schemas.Context().BuildInstance(inst)
	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return l.fromCUEValue(val, files)
}

// ParseCUE evaluates CUE source. filename is used in error positions.
func (l *Loader) ParseCUE(src, filename string) (*WorkPlan, error) {
	if filename == "" {
		filename = "inline.cue"
	}
	val := l.schemas.Context().CompileString(src, cue.Filename(filename))
	return l.fromCUEValue(val, []string{filename})
}

func (l *Loader) fromCUEValue(val cue.Value, files []string) (*WorkPlan, error) {
	if err := val.Err(); err != nil {
		return nil, &PlanError{Errors: convertCUEErrors(err)}
	}

	unified, err := l.schemas.Unify("#WorkPlan", val)
	if err != nil {
		return nil, &PlanError{Errors: convertCUEErrors(err)}
	}

	var wp WorkPlan
	if err := unified.Decode(&wp); err != nil {
		return nil, &PlanError{Errors: convertCUEErrors(err)}
	}
	return l.finish(&wp, files)
}

// ParseYAML decodes a YAML (or JSON) plan. Unknown fields are errors.
// Cross-references are only checked by Load.
func (l *Loader) ParseYAML(data []byte, filename string) (*WorkPlan, error) {
	if filename == "" {
		filename = "inline.yaml"
	}

	var wp WorkPlan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &PlanError{Errors: []ValidationError{{File: filename, Message: "plan is empty"}}}
		}
		return nil, &PlanError{Errors: yamlErrors(err, filename)}
	}

	val := l.schemas.Context().Encode(&wp)
	if _, err := l.schemas.Unify("#WorkPlan", val); err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			errs[i].File = filename
		}
		return nil, &PlanError{Errors: errs}
	}
	return l.finish(&wp, []string{filename})
}

// finish runs struct validation and checks executor configs against their
// schemas.
func (l *Loader) finish(wp *WorkPlan, files []string) (*WorkPlan, error) {
	wp.SourceFiles = files
	wp.LoadedAt = time.Now()

	var errs []ValidationError
	if err := l.validator.Struct(wp); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Path:    strings.TrimPrefix(fe.Namespace(), "WorkPlan."),
					Message: fmt.Sprintf("failed on %q", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{Message: err.Error()})
		}
	}

	for _, g := range wp.Gates {
		if g.Executor == "" {
			continue
		}
		if err := l.schemas.ValidateGateConfig(context.Background(), g.Executor, g.Config); err != nil {
			errs = append(errs, ValidationError{Path: "gates." + g.Name + ".config", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		fillFile(errs, files)
		return nil, &PlanError{Errors: errs}
	}
	return wp, nil
}

func fillFile(errs []ValidationError, files []string) {
	if len(files) != 1 {
		return
	}
	for i := range errs {
		if errs[i].File == "" {
			errs[i].File = files[0]
		}
	}
}

// crossCheck reports duplicate IDs, dangling parents and contract
// references that name no declared contract.
func crossCheck(wp *WorkPlan) []ValidationError {
	var errs []ValidationError

	units := make(map[string]bool, len(wp.Units))
	for i, u := range wp.Units {
		if units[u.ID] {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("units[%d].id", i), Message: "duplicate unit " + u.ID})
		}
		units[u.ID] = true
	}

	contracts := make(map[string]bool, len(wp.Contracts))
	for i, c := range wp.Contracts {
		key := c.Name + "@" + c.Version
		if contracts[key] {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("contracts[%d]", i), Message: "duplicate contract " + key})
		}
		contracts[key] = true
		if c.Producer != "" && !units[c.Producer] {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("contracts[%d].producer", i), Message: "unknown unit " + c.Producer})
		}
	}

	for i, u := range wp.Units {
		if u.Parent != "" && !units[u.Parent] {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("units[%d].parent", i), Message: "unknown unit " + u.Parent})
		}
		for _, ref := range append(append([]string(nil), u.Consumes...), u.Produces...) {
			if !contracts[ref] {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("units[%d]", i), Message: "undeclared contract " + ref})
			}
		}
	}

	gates := make(map[string]bool, len(wp.Gates))
	for i, g := range wp.Gates {
		if gates[g.Name] {
			errs = append(errs, ValidationError{Path: fmt.Sprintf("gates[%d].name", i), Message: "duplicate gate " + g.Name})
		}
		gates[g.Name] = true
	}

	return errs
}

func resolveSchemaFiles(wp *WorkPlan, dir string) {
	for i := range wp.Contracts {
		f := wp.Contracts[i].SchemaFile
		if f != "" && !filepath.IsAbs(f) {
			wp.Contracts[i].SchemaFile = filepath.Join(dir, f)
		}
	}
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

func yamlErrors(err error, filename string) []ValidationError {
	var te *yaml.TypeError
	if errors.As(err, &te) {
		out := make([]ValidationError, 0, len(te.Errors))
		for _, msg := range te.Errors {
			out = append(out, ValidationError{File: filename, Message: msg})
		}
		return out
	}
	return []ValidationError{{File: filename, Message: err.Error()}}
}
