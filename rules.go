package environ

import "time"

// ScopeInfo identifies the resolving scope inside a rule.
type ScopeInfo struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Path  string `json:"path"`
	Depth int    `json:"depth"`
}

// RuleContext carries the inputs a binding rule can see. Metadata is the
// resolving scope's merged metadata; its top-level keys are also exposed as
// variables by the expr and js engines.
type RuleContext struct {
	Metadata map[string]any
	Scope    ScopeInfo
	Args     map[string]any
	Now      *time.Time
}

func (ctx RuleContext) withDefaults() RuleContext {
	if ctx.Now == nil {
		now := time.Now()
		ctx.Now = &now
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	if ctx.Args == nil {
		ctx.Args = map[string]any{}
	}
	return ctx
}

func (ctx RuleContext) timestamp() time.Time {
	return *ctx.withDefaults().Now
}

func (ctx RuleContext) scopeLabel() string {
	if ctx.Scope.Path != "" {
		return ctx.Scope.Path
	}
	return "unknown"
}

func (ctx RuleContext) scopeBinding() map[string]any {
	return map[string]any{
		"name":  ctx.Scope.Name,
		"label": ctx.Scope.Label,
		"path":  ctx.Scope.Path,
		"depth": ctx.Scope.Depth,
	}
}

func (s *Scope) ruleContext() RuleContext {
	return RuleContext{
		Metadata: s.Metadata(),
		Scope:    s.info(),
	}.withDefaults()
}

// Evaluator executes binding rules.
type Evaluator interface {
	Evaluate(ctx RuleContext, rule string) (any, error)
	Compile(rule string) (CompiledRule, error)
}

// CompiledRule is a reusable rule program.
type CompiledRule interface {
	Evaluate(ctx RuleContext) (any, error)
}

// EvaluateRule runs rule against s's context using s's evaluator.
func (s *Scope) EvaluateRule(rule string) (any, error) {
	if s == nil {
		return nil, ErrScopeClosed
	}
	ctx := s.ruleContext()
	out, err := s.cfg.evaluator.Evaluate(ctx, rule)
	if err != nil {
		err = wrapEvaluationError(engineName(s.cfg.evaluator), rule, ctx.scopeLabel(), err)
	}
	return out, err
}

func engineName(e Evaluator) string {
	switch e.(type) {
	case nil:
		return "unknown"
	case *exprEvaluator:
		return "expr"
	case *celEvaluator:
		return "cel"
	default:
		if named, ok := e.(interface{ Engine() string }); ok {
			return named.Engine()
		}
		return "custom"
	}
}
