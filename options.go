package environ

import "github.com/goliatone/go-environ/pkg/activity"

// RebindPolicy decides what happens when a key is bound twice in one scope.
type RebindPolicy int

const (
	// RebindReject fails the second Bind with a *DuplicateBindingError.
	RebindReject RebindPolicy = iota
	// RebindReplace swaps the instance, closing the previous one when the
	// scope owns it.
	RebindReplace
)

func (p RebindPolicy) String() string {
	switch p {
	case RebindReplace:
		return "replace"
	default:
		return "reject"
	}
}

// Option configures a scope. Children inherit their parent's policy, logger,
// evaluator and activity emitter; label and metadata are per scope.
type Option func(*scopeConfig)

type scopeConfig struct {
	label     string
	metadata  map[string]any
	policy    *RebindPolicy
	logger    Logger
	evaluator Evaluator
	functions *FunctionRegistry
	cache     ProgramCache
	emitter   *activity.Emitter
}

func applyOptions(opts []Option) scopeConfig {
	cfg := scopeConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithLabel sets a human-friendly label on the scope.
func WithLabel(label string) Option {
	return func(cfg *scopeConfig) {
		cfg.label = label
	}
}

// WithMetadata attaches metadata to the scope. The map is copied.
func WithMetadata(metadata map[string]any) Option {
	return func(cfg *scopeConfig) {
		cfg.metadata = copyMetadata(metadata)
	}
}

// WithRebindPolicy sets the duplicate binding policy.
func WithRebindPolicy(policy RebindPolicy) Option {
	return func(cfg *scopeConfig) {
		cfg.policy = &policy
	}
}

// WithLogger attaches a logger. A nil logger disables logging.
func WithLogger(logger Logger) Option {
	return func(cfg *scopeConfig) {
		if logger == nil {
			logger = noopLogger{}
		}
		cfg.logger = logger
	}
}

// WithEvaluator sets the engine used for binding rules.
func WithEvaluator(evaluator Evaluator) Option {
	return func(cfg *scopeConfig) {
		cfg.evaluator = evaluator
	}
}

// WithFunctionRegistry exposes registry functions to the default evaluator.
func WithFunctionRegistry(registry *FunctionRegistry) Option {
	return func(cfg *scopeConfig) {
		if registry != nil {
			cfg.functions = registry.Clone()
		}
	}
}

// WithProgramCache lets the default evaluator reuse compiled rules.
func WithProgramCache(cache ProgramCache) Option {
	return func(cfg *scopeConfig) {
		cfg.cache = cache
	}
}

// WithActivityEmitter publishes binding and teardown events.
func WithActivityEmitter(emitter *activity.Emitter) Option {
	return func(cfg *scopeConfig) {
		cfg.emitter = emitter
	}
}

// inherit fills the unset fields of cfg from parent.
func (cfg scopeConfig) inherit(parent scopeConfig) scopeConfig {
	if cfg.policy == nil {
		cfg.policy = parent.policy
	}
	if cfg.logger == nil {
		cfg.logger = parent.logger
	}
	if cfg.evaluator == nil && cfg.functions == nil && cfg.cache == nil {
		cfg.evaluator = parent.evaluator
	}
	if cfg.emitter == nil {
		cfg.emitter = parent.emitter
	}
	return cfg
}

func (cfg scopeConfig) finalize() scopeConfig {
	if cfg.policy == nil {
		policy := RebindReject
		cfg.policy = &policy
	}
	if cfg.logger == nil {
		cfg.logger = noopLogger{}
	}
	if cfg.evaluator == nil {
		var exprOpts []ExprEvaluatorOption
		if cfg.cache != nil {
			exprOpts = append(exprOpts, ExprWithProgramCache(cfg.cache))
		}
		if cfg.functions != nil {
			exprOpts = append(exprOpts, ExprWithFunctionRegistry(cfg.functions))
		}
		cfg.evaluator = NewExprEvaluator(exprOpts...)
	}
	return cfg
}

func copyMetadata(origin map[string]any) map[string]any {
	if len(origin) == 0 {
		return nil
	}
	out := make(map[string]any, len(origin))
	for key, value := range origin {
		out[key] = value
	}
	return out
}
