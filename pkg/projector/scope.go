package projector

import (
	"fmt"

	"github.com/goliatone/go-environ"
)

// FromScope resolves the producer bound under key in s and builds a projector
// around it. Resolution happens once, at composition time; registry errors
// are returned unchanged in meaning so callers can abort construction.
func FromScope[I comparable, P any](s *environ.Scope, key environ.Key[Producer[I, P]], name string, opts ...Option) (*Projector[I, P], error) {
	producer, err := environ.Resolve(s, key)
	if err != nil {
		return nil, fmt.Errorf("projector: %s: %w", name, err)
	}
	if producer == nil {
		return nil, fmt.Errorf("projector: %s: %w", name, &environ.UnresolvedCapabilityError{Key: key.ID(), Scope: s.Path()})
	}
	return New(name, producer, opts...), nil
}
