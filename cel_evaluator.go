package environ

import (
	"fmt"

	celgo "github.com/google/cel-go/cel"
	functions "github.com/google/cel-go/common/functions"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELEvaluatorOption configures the CEL evaluator.
type CELEvaluatorOption func(*celEvaluator)

// CELWithProgramCache wires a ProgramCache into the CEL evaluator.
func CELWithProgramCache(cache ProgramCache) CELEvaluatorOption {
	return func(e *celEvaluator) {
		e.cache = cache
	}
}

// CELWithFunctionRegistry exposes registry functions through call("name", ...).
func CELWithFunctionRegistry(registry *FunctionRegistry) CELEvaluatorOption {
	return func(e *celEvaluator) {
		e.useRegistry(registry)
	}
}

// celEvaluator runs rules with cel-go. The environment is fixed: metadata,
// scope and args are dynamic maps and now is a timestamp, so rules read
// metadata through metadata.key (guard optional keys with has()).
type celEvaluator struct {
	engineSetup
}

// NewCELEvaluator constructs an Evaluator backed by cel-go.
func NewCELEvaluator(opts ...CELEvaluatorOption) Evaluator {
	e := &celEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *celEvaluator) Evaluate(ctx RuleContext, rule string) (any, error) {
	program, err := e.loadOrCompile(rule)
	if err != nil {
		return nil, err
	}
	return e.run(program, rule, ctx)
}

func (e *celEvaluator) Compile(rule string) (CompiledRule, error) {
	program, err := e.loadOrCompile(rule)
	if err != nil {
		return nil, err
	}
	return &celCompiledRule{evaluator: e, program: program, rule: rule}, nil
}

func (e *celEvaluator) loadOrCompile(rule string) (celgo.Program, error) {
	return compileCached(e.engineSetup, "cel", rule, func() (celgo.Program, error) {
		env, err := e.buildEnv()
		if err != nil {
			return nil, err
		}
		ast, issues := env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return nil, issues.Err()
		}
		return env.Program(ast)
	})
}

func (e *celEvaluator) buildEnv() (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("now", celgo.TimestampType),
		celgo.Variable("args", celgo.DynType),
		celgo.Variable("metadata", celgo.DynType),
		celgo.Variable("scope", celgo.DynType),
	}
	if e.registry != nil {
		opts = append(opts, celgo.Function("call",
			celgo.Overload("call_dyn",
				[]*celgo.Type{celgo.StringType, celgo.DynType},
				celgo.DynType,
				celgo.BinaryBinding(e.binaryCall()),
			),
			celgo.Overload("call_name",
				[]*celgo.Type{celgo.StringType},
				celgo.DynType,
				celgo.UnaryBinding(e.unaryCall()),
			),
		))
	}
	return celgo.NewEnv(opts...)
}

func (e *celEvaluator) run(program celgo.Program, rule string, ctx RuleContext) (any, error) {
	ctx = ctx.withDefaults()
	out, _, err := program.Eval(map[string]any{
		"now":      ctx.timestamp(),
		"args":     ctx.Args,
		"metadata": ctx.Metadata,
		"scope":    ctx.scopeBinding(),
	})
	if err != nil {
		return nil, wrapEvaluationError("cel", rule, ctx.scopeLabel(), err)
	}
	return out.Value(), nil
}

func (e *celEvaluator) unaryCall() functions.UnaryOp {
	return func(name ref.Val) ref.Val {
		return e.call(name)
	}
}

func (e *celEvaluator) binaryCall() functions.BinaryOp {
	return func(name, arg ref.Val) ref.Val {
		return e.call(name, arg)
	}
}

func (e *celEvaluator) call(name ref.Val, values ...ref.Val) ref.Val {
	fn, ok := name.Value().(string)
	if !ok {
		return types.NewErr("environ: call name must be string")
	}
	args := make([]any, 0, len(values))
	for _, val := range values {
		args = append(args, val.Value())
	}
	result, err := e.registry.Call(fn, args...)
	if err != nil {
		return types.NewErr("%s", err.Error())
	}
	if result == nil {
		return types.NullValue
	}
	return types.DefaultTypeAdapter.NativeToValue(result)
}

type celCompiledRule struct {
	evaluator *celEvaluator
	program   celgo.Program
	rule      string
}

func (r *celCompiledRule) Evaluate(ctx RuleContext) (any, error) {
	if r.evaluator == nil || r.program == nil {
		return nil, wrapEvaluationError("cel", r.rule, ctx.scopeLabel(), fmt.Errorf("compiled rule missing program"))
	}
	return r.evaluator.run(r.program, r.rule, ctx)
}
