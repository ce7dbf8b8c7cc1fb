package activity

import (
	"strings"
	"time"
)

// Verbs emitted by this module.
const (
	VerbBindingBound   = "environ.binding.bound"
	VerbBindingReplace = "environ.binding.replaced"
	VerbScopeClosed    = "environ.scope.closed"
	VerbTransition     = "projector.transition"
	VerbRecordInserted = "store.record.inserted"
	VerbRecordSaved    = "store.record.saved"
	VerbRecordDeleted  = "store.record.deleted"
)

// ScopeContext describes the scope an event originated from.
type ScopeContext struct {
	Name  string
	Path  string
	Depth int
}

// BindingEventInput describes a binding installed in a scope.
type BindingEventInput struct {
	Key        string
	Rule       string
	Replaced   bool
	Scope      ScopeContext
	OccurredAt time.Time
}

// BuildBindingEvent constructs the event for a new or replaced binding.
func BuildBindingEvent(input BindingEventInput) Event {
	verb := VerbBindingBound
	if input.Replaced {
		verb = VerbBindingReplace
	}
	metadata := scopeMetadata(nil, input.Scope)
	if input.Rule != "" {
		metadata["rule"] = input.Rule
	}
	return Event{
		Verb:       verb,
		ObjectType: "environ.binding",
		ObjectID:   fallback(input.Key, "binding"),
		Metadata:   metadata,
		OccurredAt: input.OccurredAt,
	}
}

// BuildScopeClosedEvent constructs the event emitted when a scope is torn down.
func BuildScopeClosedEvent(scope ScopeContext, bindings int, at time.Time) Event {
	metadata := scopeMetadata(nil, scope)
	metadata["bindings"] = bindings
	return Event{
		Verb:       VerbScopeClosed,
		ObjectType: "environ.scope",
		ObjectID:   fallback(scope.Path, scope.Name),
		Metadata:   metadata,
		OccurredAt: at,
	}
}

// TransitionEventInput describes a presented-state transition.
type TransitionEventInput struct {
	Consumer   string
	From       string
	To         string
	Signal     string
	Generation uint64
	Message    string
	OccurredAt time.Time
}

// BuildTransitionEvent constructs the event for a projector transition.
func BuildTransitionEvent(input TransitionEventInput) Event {
	metadata := map[string]any{
		"from":       input.From,
		"to":         input.To,
		"signal":     input.Signal,
		"generation": input.Generation,
	}
	if input.Message != "" {
		metadata["message"] = input.Message
	}
	return Event{
		Verb:       VerbTransition,
		ObjectType: "projector",
		ObjectID:   fallback(input.Consumer, "projector"),
		Metadata:   metadata,
		OccurredAt: input.OccurredAt,
	}
}

// BuildRecordEvent constructs the event for a store mutation.
func BuildRecordEvent(verb, collection, id, etag string, at time.Time) Event {
	metadata := map[string]any{}
	if etag != "" {
		metadata["etag"] = etag
	}
	return Event{
		Verb:       verb,
		ObjectType: fallback(collection, "store.record"),
		ObjectID:   id,
		Metadata:   metadata,
		OccurredAt: at,
	}
}

func scopeMetadata(meta map[string]any, scope ScopeContext) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	if scope.Name != "" {
		meta["scope_name"] = scope.Name
	}
	if scope.Path != "" {
		meta["scope_path"] = scope.Path
	}
	meta["scope_depth"] = scope.Depth
	return meta
}

func fallback(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
