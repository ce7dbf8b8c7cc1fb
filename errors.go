package environ

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrScopeClosed indicates an operation on a scope that was torn down.
	ErrScopeClosed = errors.New("environ: scope closed")
	// ErrDuplicateBinding matches every *DuplicateBindingError.
	ErrDuplicateBinding = errors.New("environ: duplicate binding")
	// ErrUnresolvedCapability matches every *UnresolvedCapabilityError.
	ErrUnresolvedCapability = errors.New("environ: unresolved capability")
	// ErrScopeNameRequired indicates a scope created without a name.
	ErrScopeNameRequired = errors.New("environ: scope name must be provided")
)

// DuplicateBindingError reports a second unconditional binding of the same key
// in one scope while the rebind policy is RebindReject.
type DuplicateBindingError struct {
	Key   string
	Scope string
}

func (e *DuplicateBindingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("environ: duplicate binding %s in scope %q", e.Key, e.Scope)
}

// Is lets errors.Is match ErrDuplicateBinding.
func (e *DuplicateBindingError) Is(target error) bool {
	return target == ErrDuplicateBinding
}

// UnresolvedCapabilityError reports a key no scope in the chain binds.
// Searched lists the scope paths visited, nearest first. Suggestions holds
// bound keys with a similar name.
type UnresolvedCapabilityError struct {
	Key         string
	Scope       string
	Searched    []string
	Suggestions []string
}

func (e *UnresolvedCapabilityError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Searched) == 0 {
		return fmt.Sprintf("environ: unresolved capability %s (empty scope chain)", e.Key)
	}
	msg := fmt.Sprintf("environ: unresolved capability %s from scope %q (searched %s)",
		e.Key, e.Scope, strings.Join(e.Searched, ", "))
	if len(e.Suggestions) > 0 {
		msg += "; did you mean " + strings.Join(e.Suggestions, " or ") + "?"
	}
	return msg
}

// Is lets errors.Is match ErrUnresolvedCapability.
func (e *UnresolvedCapabilityError) Is(target error) bool {
	return target == ErrUnresolvedCapability
}

// EvaluationError captures rule metadata alongside the evaluator failure.
type EvaluationError struct {
	Engine string
	Rule   string
	Scope  string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("environ: %s evaluator %s scope=%s: %v", e.Engine, describeRule(e.Rule), e.Scope, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func describeRule(rule string) string {
	if rule == "" {
		return "rule=<empty>"
	}
	return fmt.Sprintf("rule=%q", rule)
}

func wrapEvaluationError(engine, rule, scope string, err error) error {
	if err == nil {
		return nil
	}

	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		if evalErr.Engine == "" {
			evalErr.Engine = engine
		}
		if evalErr.Rule == "" {
			evalErr.Rule = rule
		}
		if evalErr.Scope == "" {
			evalErr.Scope = scope
		}
		return evalErr
	}

	return &EvaluationError{
		Engine: engine,
		Rule:   rule,
		Scope:  scope,
		Err:    err,
	}
}
