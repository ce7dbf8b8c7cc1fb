// Package environ propagates capabilities down a hierarchy of scopes.
//
// A Scope owns a set of bindings keyed by typed capability keys. Child scopes
// inherit every binding of their ancestors and may shadow any of them:
//
//	root := environ.NewRoot("app")
//	environ.Bind(root, ClockKey, systemClock)
//
//	screen, _ := root.Child("screen")
//	environ.Bind(screen, ClockKey, frozenClock) // shadows the root binding
//
//	clock, err := environ.Resolve(screen, ClockKey) // frozenClock
//
// Resolution walks the chain from the requesting scope to the root and returns
// the first match. Bound instances never see the scope they live in, so the
// graph stays acyclic: consumers depend on scopes, never the other way round.
//
// Bindings may carry a rule (see When) evaluated against the resolving scope's
// merged metadata. Rules run through an Evaluator; expr-lang/expr is the
// default, cel-go and goja (build tag js_eval) are available.
//
// Registry errors (DuplicateBindingError, UnresolvedCapabilityError) signal a
// composition bug and are meant to abort construction of the affected
// sub-hierarchy. Runtime failures of the capabilities themselves are the
// concern of their consumers; see pkg/projector.
package environ
