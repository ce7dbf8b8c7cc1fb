//go:build !js_eval

package environ

// NewJSEvaluator returns nil unless built with the js_eval tag. Passing the
// nil result to WithEvaluator keeps the default expr engine.
func NewJSEvaluator(...JSEvaluatorOption) Evaluator {
	return nil
}

// JSEvaluatorAvailable reports whether the goja engine was compiled in.
func JSEvaluatorAvailable() bool {
	return false
}
