package environ

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-environ/layering"
	"github.com/goliatone/go-environ/pkg/activity"
)

// Scope is a node in the capability hierarchy. It owns its bindings and
// inherits every binding of its ancestors. A Scope is safe for concurrent use.
type Scope struct {
	name     string
	label    string
	metadata map[string]any
	parent   *Scope
	depth    int
	cfg      scopeConfig

	mu       sync.RWMutex
	bindings map[slot]*entry
	order    []slot
	children map[*Scope]struct{}
	seq      int
	closed   bool
}

// entry holds everything bound under one key in one scope: at most one
// unconditional binding plus any number of rule-guarded ones.
type entry struct {
	fallback    *binding
	conditional []*binding
}

type binding struct {
	instance any
	rule     string
	compiled CompiledRule
	borrowed bool
	seq      int
}

// NewRoot creates a scope without a parent.
func NewRoot(name string, opts ...Option) *Scope {
	cfg := applyOptions(opts).finalize()
	return newScope(name, nil, cfg)
}

func newScope(name string, parent *Scope, cfg scopeConfig) *Scope {
	s := &Scope{
		name:     name,
		label:    cfg.label,
		metadata: cfg.metadata,
		parent:   parent,
		cfg:      cfg,
		bindings: map[slot]*entry{},
		children: map[*Scope]struct{}{},
	}
	if parent != nil {
		s.depth = parent.depth + 1
	}
	return s
}

// Child creates a sub-scope. It fails with ErrScopeClosed when s was closed.
func (s *Scope) Child(name string, opts ...Option) (*Scope, error) {
	if s == nil {
		return nil, fmt.Errorf("environ: child %q of nil scope", name)
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrScopeNameRequired
	}
	cfg := applyOptions(opts).inherit(s.cfg).finalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %s", ErrScopeClosed, s.Path())
	}
	child := newScope(name, s, cfg)
	s.children[child] = struct{}{}
	return child, nil
}

// Name returns the scope name.
func (s *Scope) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Label returns the human-friendly label, falling back to the name.
func (s *Scope) Label() string {
	if s == nil {
		return ""
	}
	if s.label != "" {
		return s.label
	}
	return s.name
}

// Parent returns the enclosing scope, nil for a root.
func (s *Scope) Parent() *Scope {
	if s == nil {
		return nil
	}
	return s.parent
}

// Depth returns the number of ancestors.
func (s *Scope) Depth() int {
	if s == nil {
		return 0
	}
	return s.depth
}

// Path joins the names from the root down to s with "/".
func (s *Scope) Path() string {
	if s == nil {
		return ""
	}
	if s.parent == nil {
		return s.name
	}
	return s.parent.Path() + "/" + s.name
}

// Closed reports whether s has been torn down.
func (s *Scope) Closed() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Keys lists the key identifiers bound directly in s, in bind order.
func (s *Scope) Keys() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	for i, key := range s.order {
		out[i] = key.String()
	}
	return out
}

// Metadata returns the chain's metadata merged strongest-first: values set on
// s override its parent's, nested maps are merged key by key.
func (s *Scope) Metadata() map[string]any {
	layers := make([]map[string]any, 0, s.Depth()+1)
	for cur := s; cur != nil; cur = cur.parent {
		layers = append(layers, cur.metadata)
	}
	merged := layering.Merge(layers...)
	if merged == nil {
		merged = map[string]any{}
	}
	return merged
}

// Close tears down s and every descendant. Descendants close first; then the
// instances s owns are closed in reverse bind order. Close is idempotent.
func (s *Scope) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	children := make([]*Scope, 0, len(s.children))
	for child := range s.children {
		children = append(children, child)
	}
	owned := s.ownedLocked()
	count := len(s.order)
	s.bindings = map[slot]*entry{}
	s.order = nil
	s.children = map[*Scope]struct{}{}
	s.mu.Unlock()

	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })

	var errs []error
	for _, child := range children {
		if err := child.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(owned) - 1; i >= 0; i-- {
		if err := closeInstance(ctx, owned[i].instance); err != nil {
			errs = append(errs, fmt.Errorf("environ: close instance in %s: %w", s.Path(), err))
		}
	}

	if s.parent != nil {
		s.parent.mu.Lock()
		delete(s.parent.children, s)
		s.parent.mu.Unlock()
	}

	err := errors.Join(errs...)
	s.cfg.logger.Log(LogEvent{Op: "close", Scope: s.Path(), Duration: time.Since(start), Err: err})
	if emitErr := s.cfg.emitter.Emit(ctx, activity.BuildScopeClosedEvent(s.scopeContext(), count, time.Now())); emitErr != nil {
		s.cfg.logger.Log(LogEvent{Op: "emit", Scope: s.Path(), Err: emitErr})
	}
	return err
}

// ownedLocked returns the non-borrowed bindings sorted by bind order.
func (s *Scope) ownedLocked() []*binding {
	var owned []*binding
	for _, e := range s.bindings {
		if e.fallback != nil && !e.fallback.borrowed {
			owned = append(owned, e.fallback)
		}
		for _, b := range e.conditional {
			if !b.borrowed {
				owned = append(owned, b)
			}
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].seq < owned[j].seq })
	return owned
}

func (s *Scope) scopeContext() activity.ScopeContext {
	return activity.ScopeContext{Name: s.name, Path: s.Path(), Depth: s.depth}
}

func (s *Scope) info() ScopeInfo {
	return ScopeInfo{Name: s.name, Label: s.Label(), Path: s.Path(), Depth: s.depth}
}

type contextCloser interface {
	Close(ctx context.Context) error
}

func closeInstance(ctx context.Context, instance any) error {
	switch closer := instance.(type) {
	case contextCloser:
		return closer.Close(ctx)
	case io.Closer:
		return closer.Close()
	default:
		return nil
	}
}
