//go:build js_eval

package environ

import "testing"

func TestJSConditionalBinding(t *testing.T) {
	registry := NewFunctionRegistry().MustRegister("isWatch", func(args ...any) (any, error) {
		return args[0] == "watch", nil
	})
	root := NewRoot("app",
		WithEvaluator(NewJSEvaluator(JSWithFunctionRegistry(registry))),
		WithMetadata(map[string]any{"platform": "watch"}),
	)
	key := NewKey[string]("layout")
	mustBind(t, root, key, "compact", When(`isWatch(platform) && scope.depth === 0`))
	mustBind(t, root, key, "wide")

	if got := MustResolve(root, key); got != "compact" {
		t.Fatalf("expected js rule to match, got %q", got)
	}
	if name := engineName(NewJSEvaluator()); name != "js" {
		t.Fatalf("unexpected engine name %q", name)
	}
}
