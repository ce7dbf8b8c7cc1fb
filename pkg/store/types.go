package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("store: record not found")
	// ErrETagMismatch is returned when a write carries a stale ETag.
	ErrETagMismatch = errors.New("store: etag mismatch")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store: closed")
)

// Meta is storage-owned metadata used for audit and concurrency control.
type Meta struct {
	ETag      string    `json:"etag,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Record is one stored value.
type Record[T any] struct {
	ID    string `json:"id"`
	Value T      `json:"value"`
	Meta  Meta   `json:"meta"`
}

// Query selects, orders and limits records. A nil Where matches everything,
// a nil Less keeps insertion order and a Limit of zero means no limit.
type Query[T any] struct {
	Where func(T) bool
	Less  func(a, b T) bool
	Limit int
}

// Store is the record API shared by MemoryStore and SQLiteStore.
type Store[T any] interface {
	Insert(ctx context.Context, value T) (Record[T], error)
	Get(ctx context.Context, id string) (Record[T], error)
	Save(ctx context.Context, id string, value T, expectedETag string) (Record[T], error)
	Mutate(ctx context.Context, id, expectedETag string, fn Mutator[T]) (Record[T], error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, q Query[T]) ([]Record[T], error)
	Watch(ctx context.Context, q Query[T]) (<-chan []Record[T], error)
	Close() error
}

// Mutator edits a value in place.
type Mutator[T any] func(*T) error

func (q Query[T]) apply(records []Record[T]) []Record[T] {
	out := make([]Record[T], 0, len(records))
	for _, record := range records {
		if q.Where == nil || q.Where(record.Value) {
			out = append(out, record)
		}
	}
	if q.Less != nil {
		sort.SliceStable(out, func(i, j int) bool {
			return q.Less(out[i].Value, out[j].Value)
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
