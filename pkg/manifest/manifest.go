package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goliatone/go-environ"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// ErrEngineUnavailable is returned for engine = "js" in builds without the
// js_eval tag.
var ErrEngineUnavailable = errors.New(`manifest: engine "js" requires the js_eval build tag`)

// ScopeSpec is one declared scope.
type ScopeSpec struct {
	Name     string
	Label    string
	Rebind   string
	Engine   string
	Metadata map[string]any
	Children []ScopeSpec
}

type hclFile struct {
	Scopes []*hclScope `hcl:"scope,block"`
}

type hclScope struct {
	Name     string         `hcl:"name,label"`
	Label    string         `hcl:"label,optional"`
	Rebind   string         `hcl:"rebind,optional"`
	Engine   string         `hcl:"engine,optional"`
	Metadata hcl.Expression `hcl:"metadata,optional"`
	Children []*hclScope    `hcl:"scope,block"`
}

// Parse decodes a manifest. filename is only used in diagnostics.
func Parse(src []byte, filename string) (ScopeSpec, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return ScopeSpec{}, fmt.Errorf("manifest: parse %s: %w", filename, diags)
	}
	return decode(file, filename)
}

// ParseFile reads and decodes the manifest at path.
func ParseFile(path string) (ScopeSpec, error) {
	if _, err := os.Stat(path); err != nil {
		return ScopeSpec{}, fmt.Errorf("manifest: %w", err)
	}
	file, diags := hclparse.NewParser().ParseHCLFile(path)
	if diags.HasErrors() {
		return ScopeSpec{}, fmt.Errorf("manifest: parse %s: %w", path, diags)
	}
	return decode(file, path)
}

func decode(file *hcl.File, filename string) (ScopeSpec, error) {
	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return ScopeSpec{}, fmt.Errorf("manifest: decode %s: %w", filename, diags)
	}
	if len(parsed.Scopes) != 1 {
		return ScopeSpec{}, fmt.Errorf("manifest: %s must declare exactly one root scope, found %d", filename, len(parsed.Scopes))
	}
	return convertScope(parsed.Scopes[0], parsed.Scopes[0].Name)
}

func convertScope(block *hclScope, path string) (ScopeSpec, error) {
	spec := ScopeSpec{
		Name:   block.Name,
		Label:  block.Label,
		Rebind: block.Rebind,
		Engine: block.Engine,
	}
	if strings.TrimSpace(spec.Name) == "" {
		return ScopeSpec{}, fmt.Errorf("manifest: scope under %q has an empty name", path)
	}
	if err := validateEnum("rebind", spec.Rebind, "reject", "replace"); err != nil {
		return ScopeSpec{}, fmt.Errorf("manifest: scope %q: %w", path, err)
	}
	if err := validateEnum("engine", spec.Engine, "expr", "cel", "js"); err != nil {
		return ScopeSpec{}, fmt.Errorf("manifest: scope %q: %w", path, err)
	}
	if err := checkEngine(spec.Engine); err != nil {
		return ScopeSpec{}, fmt.Errorf("manifest: scope %q: %w", path, err)
	}

	if block.Metadata != nil {
		value, diags := block.Metadata.Value(nil)
		if diags.HasErrors() {
			return ScopeSpec{}, fmt.Errorf("manifest: scope %q metadata: %w", path, diags)
		}
		native, err := toNative(value)
		if err != nil {
			return ScopeSpec{}, fmt.Errorf("manifest: scope %q metadata: %w", path, err)
		}
		if native != nil {
			metadata, ok := native.(map[string]any)
			if !ok {
				return ScopeSpec{}, fmt.Errorf("manifest: scope %q metadata must be an object, got %T", path, native)
			}
			spec.Metadata = metadata
		}
	}

	seen := map[string]bool{}
	for _, child := range block.Children {
		if seen[child.Name] {
			return ScopeSpec{}, fmt.Errorf("manifest: scope %q declares child %q twice", path, child.Name)
		}
		seen[child.Name] = true
		converted, err := convertScope(child, path+"/"+child.Name)
		if err != nil {
			return ScopeSpec{}, err
		}
		spec.Children = append(spec.Children, converted)
	}
	return spec, nil
}

func validateEnum(field, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

// Tree is a built scope hierarchy indexed by path.
type Tree struct {
	Root   *environ.Scope
	scopes map[string]*environ.Scope
}

// Build creates the scopes spec declares. opts apply to the root and are
// inherited the usual way; per-scope label, metadata, rebind and engine come
// from the spec.
func Build(spec ScopeSpec, opts ...environ.Option) (*Tree, error) {
	own, err := scopeOptions(spec)
	if err != nil {
		return nil, fmt.Errorf("manifest: build %s: %w", spec.Name, err)
	}
	rootOpts := append(append([]environ.Option(nil), opts...), own...)
	root := environ.NewRoot(spec.Name, rootOpts...)
	tree := &Tree{Root: root, scopes: map[string]*environ.Scope{root.Path(): root}}
	if err := tree.buildChildren(root, spec.Children); err != nil {
		_ = root.Close(context.Background())
		return nil, err
	}
	return tree, nil
}

// Load parses the manifest at path and builds it.
func Load(path string, opts ...environ.Option) (*Tree, error) {
	spec, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Build(spec, opts...)
}

func (t *Tree) buildChildren(parent *environ.Scope, children []ScopeSpec) error {
	for _, child := range children {
		own, err := scopeOptions(child)
		if err != nil {
			return fmt.Errorf("manifest: build %s/%s: %w", parent.Path(), child.Name, err)
		}
		scope, err := parent.Child(child.Name, own...)
		if err != nil {
			return fmt.Errorf("manifest: build %s/%s: %w", parent.Path(), child.Name, err)
		}
		t.scopes[scope.Path()] = scope
		if err := t.buildChildren(scope, child.Children); err != nil {
			return err
		}
	}
	return nil
}

// checkEngine rejects engines the binary was built without.
func checkEngine(engine string) error {
	if engine == "js" && !environ.JSEvaluatorAvailable() {
		return ErrEngineUnavailable
	}
	return nil
}

func scopeOptions(spec ScopeSpec) ([]environ.Option, error) {
	if err := checkEngine(spec.Engine); err != nil {
		return nil, err
	}
	var opts []environ.Option
	if spec.Label != "" {
		opts = append(opts, environ.WithLabel(spec.Label))
	}
	if len(spec.Metadata) > 0 {
		opts = append(opts, environ.WithMetadata(spec.Metadata))
	}
	switch spec.Rebind {
	case "replace":
		opts = append(opts, environ.WithRebindPolicy(environ.RebindReplace))
	case "reject":
		opts = append(opts, environ.WithRebindPolicy(environ.RebindReject))
	}
	switch spec.Engine {
	case "expr":
		opts = append(opts, environ.WithEvaluator(environ.NewExprEvaluator()))
	case "cel":
		opts = append(opts, environ.WithEvaluator(environ.NewCELEvaluator()))
	case "js":
		opts = append(opts, environ.WithEvaluator(environ.NewJSEvaluator()))
	}
	return opts, nil
}

// Lookup returns the scope at path, e.g. "app/inbox".
func (t *Tree) Lookup(path string) (*environ.Scope, bool) {
	scope, ok := t.scopes[path]
	return scope, ok
}

// Paths lists every scope path in lexical order.
func (t *Tree) Paths() []string {
	out := make([]string, 0, len(t.scopes))
	for path := range t.scopes {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Close tears the whole tree down.
func (t *Tree) Close(ctx context.Context) error {
	return t.Root.Close(ctx)
}
