package environ

import "errors"

// engineSetup carries what every rule engine shares: the compiled program
// cache and the helpers rules may call.
type engineSetup struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

func (s *engineSetup) useRegistry(registry *FunctionRegistry) {
	if registry != nil {
		s.registry = registry.Clone()
	}
}

// JSEvaluatorOption configures the goja engine. Options are accepted in every
// build so callers need no build tags of their own.
type JSEvaluatorOption func(*engineSetup)

// JSWithProgramCache shares compiled scripts through cache.
func JSWithProgramCache(cache ProgramCache) JSEvaluatorOption {
	return func(s *engineSetup) {
		s.cache = cache
	}
}

// JSWithFunctionRegistry exposes registry functions as globals and through
// call("name", args...).
func JSWithFunctionRegistry(registry *FunctionRegistry) JSEvaluatorOption {
	return func(s *engineSetup) {
		s.useRegistry(registry)
	}
}

func jsSetup(opts []JSEvaluatorOption) engineSetup {
	var s engineSetup
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// compileCached returns the program for rule from the cache, compiling and
// storing it on a miss. Cache keys are "<engine>:<rule>".
func compileCached[P any](s engineSetup, engine, rule string, compile func() (P, error)) (P, error) {
	var zero P
	if rule == "" {
		return zero, wrapEvaluationError(engine, rule, "", errors.New("rule must not be empty"))
	}
	key := engine + ":" + rule
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			if program, ok := cached.(P); ok {
				return program, nil
			}
		}
	}
	program, err := compile()
	if err != nil {
		return zero, wrapEvaluationError(engine, rule, "", err)
	}
	if s.cache != nil {
		s.cache.Set(key, program)
	}
	return program, nil
}
