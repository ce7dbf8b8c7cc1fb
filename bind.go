package environ

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-environ/pkg/activity"
)

// BindOption configures a single binding.
type BindOption func(*bindConfig)

type bindConfig struct {
	rule     string
	borrowed bool
}

// When guards the binding with a rule evaluated against the resolving scope.
// The binding is only visible while the rule yields true.
func When(rule string) BindOption {
	return func(cfg *bindConfig) {
		cfg.rule = rule
	}
}

// Borrowed marks the instance as owned elsewhere: the scope will not close it
// on teardown or replacement.
func Borrowed() BindOption {
	return func(cfg *bindConfig) {
		cfg.borrowed = true
	}
}

// Bind installs instance under key in s, shadowing any ancestor binding of the
// same key. A second unconditional binding of key in s fails with a
// *DuplicateBindingError unless s uses RebindReplace. Rule-guarded bindings
// (see When) are compiled eagerly and may coexist; they are tried in bind
// order before the unconditional binding.
func Bind[T any](s *Scope, key Key[T], instance T, opts ...BindOption) error {
	if s == nil {
		return fmt.Errorf("environ: bind %s on nil scope", key)
	}
	cfg := bindConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	b := &binding{instance: instance, rule: cfg.rule, borrowed: cfg.borrowed}
	if cfg.rule != "" {
		compiled, err := s.cfg.evaluator.Compile(cfg.rule)
		if err != nil {
			err = wrapEvaluationError(engineName(s.cfg.evaluator), cfg.rule, s.Path(), err)
			s.cfg.logger.Log(LogEvent{Op: "bind", Scope: s.Path(), Key: key.ID(), Err: err})
			return err
		}
		b.compiled = compiled
	}

	replaced, err := s.install(key.slot(), b)
	s.cfg.logger.Log(LogEvent{Op: "bind", Scope: s.Path(), Key: key.ID(), Err: err})
	if err != nil {
		return err
	}

	var closeErr error
	if replaced != nil && !replaced.borrowed {
		closeErr = closeInstance(context.Background(), replaced.instance)
	}
	event := activity.BuildBindingEvent(activity.BindingEventInput{
		Key:        key.ID(),
		Rule:       cfg.rule,
		Replaced:   replaced != nil,
		Scope:      s.scopeContext(),
		OccurredAt: time.Now(),
	})
	if emitErr := s.cfg.emitter.Emit(context.Background(), event); emitErr != nil {
		s.cfg.logger.Log(LogEvent{Op: "emit", Scope: s.Path(), Key: key.ID(), Err: emitErr})
	}
	if closeErr != nil {
		return fmt.Errorf("environ: close replaced %s in %s: %w", key, s.Path(), closeErr)
	}
	return nil
}

func (s *Scope) install(key slot, b *binding) (*binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %s", ErrScopeClosed, s.Path())
	}

	s.seq++
	b.seq = s.seq

	e, ok := s.bindings[key]
	if !ok {
		e = &entry{}
		s.bindings[key] = e
		s.order = append(s.order, key)
	}
	if b.rule != "" {
		e.conditional = append(e.conditional, b)
		return nil, nil
	}
	if e.fallback == nil {
		e.fallback = b
		return nil, nil
	}
	if *s.cfg.policy != RebindReplace {
		return nil, &DuplicateBindingError{Key: key.String(), Scope: s.Path()}
	}
	previous := e.fallback
	e.fallback = b
	return previous, nil
}

// Resolve returns the instance bound under key in the nearest scope of s's
// chain. When no scope binds key the error is an *UnresolvedCapabilityError; a
// nil scope is treated as an empty chain.
func Resolve[T any](s *Scope, key Key[T]) (T, error) {
	value, _, err := resolve(s, key, false)
	return value, err
}

// MustResolve is Resolve for composition code: it panics on failure.
func MustResolve[T any](s *Scope, key Key[T]) T {
	value, err := Resolve(s, key)
	if err != nil {
		panic(err)
	}
	return value
}

// Lookup is Resolve for optional capabilities. Rule evaluation errors are
// reported as not found.
func Lookup[T any](s *Scope, key Key[T]) (T, bool) {
	value, err := Resolve(s, key)
	return value, err == nil
}

// ResolveWithTrace resolves key and reports how each visited scope took part.
func ResolveWithTrace[T any](s *Scope, key Key[T]) (T, Trace, error) {
	return resolve(s, key, true)
}

func resolve[T any](s *Scope, key Key[T], tracing bool) (T, Trace, error) {
	var zero T
	trace := Trace{Key: key.ID(), Scope: s.Path()}

	if s == nil {
		return zero, trace, &UnresolvedCapabilityError{Key: key.ID()}
	}
	if s.Closed() {
		return zero, trace, fmt.Errorf("%w: %s", ErrScopeClosed, s.Path())
	}

	start := time.Now()
	target := key.slot()
	var (
		rctx     RuleContext
		haveCtx  bool
		searched []string
	)
	for cur := s; cur != nil; cur = cur.parent {
		searched = append(searched, cur.Path())
		conditional, fallback := cur.candidates(target)

		for _, b := range conditional {
			if !haveCtx {
				rctx = s.ruleContext()
				haveCtx = true
			}
			matched, err := evaluateRule(cur, s.Path(), b, rctx)
			if tracing {
				trace.Layers = append(trace.Layers, Provenance{
					Scope: cur.Path(), Depth: cur.depth, Found: true,
					Rule: b.rule, Matched: matched, Err: errString(err),
				})
			}
			if err != nil {
				s.cfg.logger.Log(LogEvent{Op: "resolve", Scope: s.Path(), Key: key.ID(), Duration: time.Since(start), Err: err})
				return zero, trace, err
			}
			if matched {
				trace.Resolved, trace.Provider = true, cur.Path()
				s.cfg.logger.Log(LogEvent{Op: "resolve", Scope: s.Path(), Key: key.ID(), Duration: time.Since(start)})
				return asType[T](b.instance), trace, nil
			}
		}

		if fallback != nil {
			if tracing {
				trace.Layers = append(trace.Layers, Provenance{Scope: cur.Path(), Depth: cur.depth, Found: true, Matched: true})
			}
			trace.Resolved, trace.Provider = true, cur.Path()
			s.cfg.logger.Log(LogEvent{Op: "resolve", Scope: s.Path(), Key: key.ID(), Duration: time.Since(start)})
			return asType[T](fallback.instance), trace, nil
		}
		if tracing && len(conditional) == 0 {
			trace.Layers = append(trace.Layers, Provenance{Scope: cur.Path(), Depth: cur.depth})
		}
	}

	err := &UnresolvedCapabilityError{
		Key:         key.ID(),
		Scope:       s.Path(),
		Searched:    searched,
		Suggestions: suggestKeys(s, target),
	}
	s.cfg.logger.Log(LogEvent{Op: "resolve", Scope: s.Path(), Key: key.ID(), Duration: time.Since(start), Err: err})
	return zero, trace, err
}

func (s *Scope) candidates(key slot) ([]*binding, *binding) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.bindings[key]
	if !ok {
		return nil, nil
	}
	return append([]*binding(nil), e.conditional...), e.fallback
}

// evaluateRule runs a rule compiled by owner against the resolving scope's
// context.
func evaluateRule(owner *Scope, resolving string, b *binding, ctx RuleContext) (bool, error) {
	engine := engineName(owner.cfg.evaluator)
	start := time.Now()
	out, err := b.compiled.Evaluate(ctx)
	if err == nil {
		if matched, ok := out.(bool); ok {
			owner.cfg.logger.Log(LogEvent{Op: "evaluate", Scope: resolving, Engine: engine, Duration: time.Since(start)})
			return matched, nil
		}
		err = fmt.Errorf("rule returned %T, want bool", out)
	}
	err = wrapEvaluationError(engine, b.rule, resolving, err)
	owner.cfg.logger.Log(LogEvent{Op: "evaluate", Scope: resolving, Engine: engine, Duration: time.Since(start), Err: err})
	return false, err
}

func asType[T any](instance any) T {
	value, _ := instance.(T)
	return value
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsCompositionError reports whether err is a registry error that indicates a
// wiring bug rather than a runtime failure.
func IsCompositionError(err error) bool {
	return errors.Is(err, ErrDuplicateBinding) ||
		errors.Is(err, ErrUnresolvedCapability) ||
		errors.Is(err, ErrScopeClosed)
}
