//go:build js_eval

package environ

import (
	"fmt"

	"github.com/dop251/goja"
)

// jsEvaluator runs rules as JavaScript expressions with goja. Each evaluation
// gets a fresh runtime; compiled programs are shared through the cache.
type jsEvaluator struct {
	engineSetup
}

// NewJSEvaluator constructs an Evaluator backed by goja.
func NewJSEvaluator(opts ...JSEvaluatorOption) Evaluator {
	return &jsEvaluator{engineSetup: jsSetup(opts)}
}

// JSEvaluatorAvailable reports whether the goja engine was compiled in.
func JSEvaluatorAvailable() bool {
	return true
}

func (e *jsEvaluator) Engine() string {
	return "js"
}

func (e *jsEvaluator) Evaluate(ctx RuleContext, rule string) (any, error) {
	program, err := e.loadOrCompile(rule)
	if err != nil {
		return nil, err
	}
	return e.run(program, rule, ctx)
}

func (e *jsEvaluator) Compile(rule string) (CompiledRule, error) {
	program, err := e.loadOrCompile(rule)
	if err != nil {
		return nil, err
	}
	return &jsCompiledRule{evaluator: e, program: program, rule: rule}, nil
}

func (e *jsEvaluator) loadOrCompile(rule string) (*goja.Program, error) {
	return compileCached(e.engineSetup, "js", rule, func() (*goja.Program, error) {
		return goja.Compile("", fmt.Sprintf("(function(){ return (%s); })()", rule), false)
	})
}

func (e *jsEvaluator) run(program *goja.Program, rule string, ctx RuleContext) (any, error) {
	ctx = ctx.withDefaults()
	vm := goja.New()
	for key, value := range ctx.Metadata {
		vm.Set(key, value)
	}
	vm.Set("now", ctx.timestamp())
	vm.Set("args", ctx.Args)
	vm.Set("metadata", ctx.Metadata)
	vm.Set("scope", ctx.scopeBinding())
	if e.registry != nil {
		vm.Set("call", func(name string, arguments ...any) (any, error) {
			return e.registry.Call(name, arguments...)
		})
		for _, name := range e.registry.Names() {
			vm.Set(name, e.registry.bound(name))
		}
	}
	value, err := vm.RunProgram(program)
	if err != nil {
		return nil, wrapEvaluationError("js", rule, ctx.scopeLabel(), err)
	}
	return value.Export(), nil
}

type jsCompiledRule struct {
	evaluator *jsEvaluator
	program   *goja.Program
	rule      string
}

func (r *jsCompiledRule) Evaluate(ctx RuleContext) (any, error) {
	if r.evaluator == nil || r.program == nil {
		return nil, wrapEvaluationError("js", r.rule, ctx.scopeLabel(), fmt.Errorf("compiled rule missing program"))
	}
	return r.evaluator.run(r.program, r.rule, ctx)
}
