package environ

import (
	"fmt"

	"github.com/goliatone/go-environ/internal/hydrate"
	"github.com/goliatone/go-environ/layering"
)

// ValuesOption configures DecodeValues.
type ValuesOption[T any] func(*[]hydrate.DecoderOption[T])

// StrictValues rejects metadata keys T does not declare.
func StrictValues[T any]() ValuesOption[T] {
	return func(opts *[]hydrate.DecoderOption[T]) {
		*opts = append(*opts, hydrate.WithDisallowUnknownFields[T]())
	}
}

// ValuesDefaults seeds defaults that scope metadata overrides.
func ValuesDefaults[T any](defaults map[string]any) ValuesOption[T] {
	return func(opts *[]hydrate.DecoderOption[T]) {
		*opts = append(*opts, hydrate.WithPreHook[T](func(_ hydrate.Context, payload map[string]any) (map[string]any, error) {
			return layering.Merge(payload, layering.Clone(defaults)), nil
		}))
	}
}

// ValuesValidate runs validate on the decoded value.
func ValuesValidate[T any](validate func(*T) error) ValuesOption[T] {
	return func(opts *[]hydrate.DecoderOption[T]) {
		if validate == nil {
			return
		}
		*opts = append(*opts, hydrate.WithPostHook[T](func(_ hydrate.Context, v *T) error {
			return validate(v)
		}))
	}
}

// DecodeValues decodes the merged metadata of s into T using T's JSON tags.
func DecodeValues[T any](s *Scope, opts ...ValuesOption[T]) (T, error) {
	var zero T
	if s == nil {
		return zero, fmt.Errorf("environ: decode values on nil scope")
	}
	if s.Closed() {
		return zero, fmt.Errorf("%w: %s", ErrScopeClosed, s.Path())
	}
	var decoderOpts []hydrate.DecoderOption[T]
	for _, opt := range opts {
		if opt != nil {
			opt(&decoderOpts)
		}
	}
	decoder := hydrate.NewDecoder(decoderOpts...)
	value, err := decoder.Decode(hydrate.Context{Scope: s.Name(), Path: s.Path()}, s.Metadata())
	if err != nil {
		return zero, fmt.Errorf("environ: %w", err)
	}
	return value, nil
}
