package store

import (
	"context"

	"github.com/goliatone/go-environ/pkg/projector"
)

// QueryProducer adapts the store into a projector.Producer: each input is
// turned into a Query by build and the matching records become the payload.
func QueryProducer[I comparable, T any](s Store[T], build func(I) Query[T]) projector.Producer[I, []Record[T]] {
	return projector.ProducerFunc[I, []Record[T]](func(ctx context.Context, input I) ([]Record[T], error) {
		var q Query[T]
		if build != nil {
			q = build(input)
		}
		return s.Query(ctx, q)
	})
}
