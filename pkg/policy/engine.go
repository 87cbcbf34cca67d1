package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/epicflow/pkg/engine"
)

// Engine compiles Rego policies and evaluates them for policy gates.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// decision is what one policy package says about one input.
type decision struct {
	deny []interface{}
	warn []interface{}
	skip []interface{}
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateGate evaluates policies for one gate run. With no names, every
// enabled policy tagged with the gate kind runs. Any blocking violation
// fails the gate; the gate is skipped when every evaluated policy asked to
// skip and none denied.
func (e *Engine) EvaluateGate(ctx context.Context, input *GateInput, names ...string) (*PolicyResult, error) {
	start := time.Now()

	selected, err := e.selectPolicies(input.Gate.Kind, names)
	if err != nil {
		return nil, err
	}

	result := &PolicyResult{
		Outcome:           engine.GatePass,
		EvaluatedPolicies: make([]string, 0, len(selected)),
	}

	if len(selected) == 0 {
		result.Outcome = engine.GateSkipped
		result.SkipReasons = []string{fmt.Sprintf("no policies for gate kind %s", input.Gate.Kind)}
		result.EvaluatedAt = time.Now()
		return result, nil
	}

	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	allSkipped := true
	for _, cp := range selected {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		d, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("unit_id", unitID(input)).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}

		for _, raw := range d.deny {
			v := createViolation(cp.policy, raw, input)
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
		for _, raw := range d.warn {
			v := createViolation(cp.policy, raw, input)
			v.Severity = SeverityWarning
			result.Warnings = append(result.Warnings, v)
		}

		if len(d.skip) == 0 || len(d.deny) > 0 {
			allSkipped = false
		}
		for _, s := range d.skip {
			result.SkipReasons = append(result.SkipReasons, fmt.Sprintf("%s: %v", cp.policy.Name, s))
		}
	}

	switch {
	case len(result.Violations) > 0:
		result.Outcome = engine.GateFail
	case allSkipped:
		result.Outcome = engine.GateSkipped
	default:
		result.SkipReasons = nil
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("unit_id", unitID(input)).
		Str("gate", input.Gate.Name).
		Str("outcome", string(result.Outcome)).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Gate policy evaluation completed")

	return result, nil
}

func (e *Engine) selectPolicies(kind engine.GateKind, names []string) ([]*compiledPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var selected []*compiledPolicy
	if len(names) > 0 {
		for _, name := range names {
			cp, ok := e.policies[name]
			if !ok {
				return nil, engine.NewCodedError(engine.ErrCodeNotFound, "policy not found: "+name, nil)
			}
			selected = append(selected, cp)
		}
		return selected, nil
	}

	for _, cp := range e.policies {
		if cp.policy.Enabled && cp.policy.HasTag(string(kind)) {
			selected = append(selected, cp)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].policy.Name < selected[j].policy.Name
	})
	return selected, nil
}

// evaluatePolicy evaluates a single compiled policy package.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, doc interface{}) (*decision, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	d := &decision{}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d, nil
	}

	pkg, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return d, nil
	}
	d.deny = asSet(pkg["deny"])
	d.warn = asSet(pkg["warn"])
	d.skip = asSet(pkg["skip"])
	return d, nil
}

func asSet(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case nil:
		return nil
	default:
		return []interface{}{s}
	}
}

// toDocument converts the input into plain JSON values so that policies see
// the same field names as the API.
func toDocument(input *GateInput) (interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func unitID(input *GateInput) string {
	if input.Unit == nil {
		return ""
	}
	return input.Unit.ID
}

// createViolation creates a PolicyViolation from one deny or warn entry.
func createViolation(policy *Policy, result interface{}, input *GateInput) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Severity: policy.Severity,
		Unit:     unitID(input),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if u, ok := v["unit"].(string); ok {
			violation.Unit = u
		}
		details := make(map[string]interface{})
		for k, val := range v {
			switch k {
			case "message", "severity", "unit":
			default:
				details[k] = val
			}
		}
		if len(details) > 0 {
			violation.Details = details
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares a query for its package.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads policy files and directories and replaces the custom
// policy set with them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies replaces every non-built-in policy. All policies are compiled
// before the swap, so a broken file leaves the current set in place. A
// custom policy may override a built-in one by using its name.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := e.compilePolicy(ctx, &p)
		if err != nil {
			return engine.NewCodedError(engine.ErrCodeValidation,
				fmt.Sprintf("failed to compile policy %s: %v", p.Name, err), err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(compiled)+len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			next[name] = cp
		}
	}
	for name, cp := range compiled {
		next[name] = cp
	}
	e.policies = next

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewCodedError(engine.ErrCodeNotFound, "policy not found: "+name, nil)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. Disabled policies are left out
// of default gate sets but still run when named explicitly.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewCodedError(engine.ErrCodeNotFound, "policy not found: "+name, nil)
	}

	p := *cp.policy
	p.Enabled = enabled
	next := *cp
	next.policy = &p
	e.policies[name] = &next
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
