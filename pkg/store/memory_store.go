package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-environ"
	"github.com/goliatone/go-environ/layering"
	"github.com/goliatone/go-environ/pkg/activity"
	"github.com/google/uuid"
)

// Option configures a MemoryStore.
type Option func(*config)

type config struct {
	collection string
	emitter    *activity.Emitter
	logger     environ.Logger
	clock      func() time.Time
	newID      func() string
}

// WithCollection names the records in activity events.
func WithCollection(name string) Option {
	return func(c *config) {
		c.collection = name
	}
}

// WithActivityEmitter publishes insert, save and delete events.
func WithActivityEmitter(emitter *activity.Emitter) Option {
	return func(c *config) {
		c.emitter = emitter
	}
}

// WithLogger records failed event emission and watch refreshes.
func WithLogger(logger environ.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithIDGenerator overrides the record id source.
func WithIDGenerator(newID func() string) Option {
	return func(c *config) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// MemoryStore is a concurrency-safe in-memory store. Values are deep-copied
// on the way in and out, so callers never share state with the store.
type MemoryStore[T any] struct {
	cfg config

	mu      sync.RWMutex
	records map[string]*memoryRecord[T]
	order   []string
	hub     hub[T]
	closed  bool
}

type memoryRecord[T any] struct {
	value T
	meta  Meta
}

func newConfig(opts []Option) config {
	cfg := config{
		collection: "store.record",
		logger:     environ.LoggerFunc(nil),
		clock:      time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// emit publishes a record event. Emission failures do not undo a committed
// write.
func (c config) emit(ctx context.Context, verb, id, etag string, at time.Time) {
	if !c.emitter.Enabled() {
		return
	}
	if err := c.emitter.Emit(ctx, activity.BuildRecordEvent(verb, c.collection, id, etag, at)); err != nil {
		c.logger.Log(environ.LogEvent{Op: "emit", Scope: c.collection, Key: id, Err: err})
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore[T any](opts ...Option) *MemoryStore[T] {
	return &MemoryStore[T]{
		cfg:     newConfig(opts),
		records: map[string]*memoryRecord[T]{},
	}
}

// Insert stores value under a new id.
func (s *MemoryStore[T]) Insert(ctx context.Context, value T) (Record[T], error) {
	if err := ctxErr(ctx); err != nil {
		return Record[T]{}, err
	}
	now := s.cfg.clock()
	id := s.cfg.newID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Record[T]{}, ErrClosed
	}
	if _, exists := s.records[id]; exists {
		s.mu.Unlock()
		return Record[T]{}, fmt.Errorf("store: insert: id %q already exists", id)
	}
	rec := &memoryRecord[T]{
		value: layering.Clone(value),
		meta:  Meta{ETag: uuid.NewString(), CreatedAt: now, UpdatedAt: now},
	}
	s.records[id] = rec
	s.order = append(s.order, id)
	out := s.snapshot(id, rec)
	s.notifyLocked()
	s.mu.Unlock()

	s.cfg.emit(ctx, activity.VerbRecordInserted, id, out.Meta.ETag, now)
	return out, nil
}

// Get returns the record stored under id.
func (s *MemoryStore[T]) Get(ctx context.Context, id string) (Record[T], error) {
	if err := ctxErr(ctx); err != nil {
		return Record[T]{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record[T]{}, ErrClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return Record[T]{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.snapshot(id, rec), nil
}

// Save replaces the value under id. A non-empty expectedETag must match the
// stored ETag.
func (s *MemoryStore[T]) Save(ctx context.Context, id string, value T, expectedETag string) (Record[T], error) {
	return s.Mutate(ctx, id, expectedETag, func(current *T) error {
		*current = value
		return nil
	})
}

// Mutate loads the value under id, applies fn and stores the result. A
// failing fn leaves the record untouched.
func (s *MemoryStore[T]) Mutate(ctx context.Context, id, expectedETag string, fn Mutator[T]) (Record[T], error) {
	if err := ctxErr(ctx); err != nil {
		return Record[T]{}, err
	}
	if fn == nil {
		return Record[T]{}, fmt.Errorf("store: mutator is required")
	}
	now := s.cfg.clock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Record[T]{}, ErrClosed
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Record[T]{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if expectedETag != "" && expectedETag != rec.meta.ETag {
		current := rec.meta.ETag
		s.mu.Unlock()
		return Record[T]{}, fmt.Errorf("%w: expected %q, got %q", ErrETagMismatch, expectedETag, current)
	}
	value := layering.Clone(rec.value)
	if err := fn(&value); err != nil {
		s.mu.Unlock()
		return Record[T]{}, fmt.Errorf("store: mutate %s: %w", id, err)
	}
	rec.value = layering.Clone(value)
	rec.meta.ETag = uuid.NewString()
	rec.meta.UpdatedAt = now
	out := s.snapshot(id, rec)
	s.notifyLocked()
	s.mu.Unlock()

	s.cfg.emit(ctx, activity.VerbRecordSaved, id, out.Meta.ETag, now)
	return out, nil
}

// Delete removes the record under id.
func (s *MemoryStore[T]) Delete(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.records, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.cfg.emit(ctx, activity.VerbRecordDeleted, id, "", s.cfg.clock())
	return nil
}

// Query runs q against the current records.
func (s *MemoryStore[T]) Query(ctx context.Context, q Query[T]) ([]Record[T], error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.queryLocked(q), nil
}

// Watch delivers the result of q now and after every mutation until ctx ends
// or the store closes, at which point the channel is closed.
func (s *MemoryStore[T]) Watch(ctx context.Context, q Query[T]) (<-chan []Record[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.hub.watch(ctx, q, s.allLocked())
}

// Len reports the number of stored records.
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close ends every watch and rejects later operations.
func (s *MemoryStore[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.close()
	return nil
}

func (s *MemoryStore[T]) queryLocked(q Query[T]) []Record[T] {
	return q.apply(s.allLocked())
}

func (s *MemoryStore[T]) allLocked() []Record[T] {
	records := make([]Record[T], 0, len(s.order))
	for _, id := range s.order {
		records = append(records, s.snapshot(id, s.records[id]))
	}
	return records
}

// notifyLocked runs under the write lock so watchers see commit order.
func (s *MemoryStore[T]) notifyLocked() {
	if s.hub.active() {
		s.hub.publish(s.allLocked())
	}
}

func (s *MemoryStore[T]) snapshot(id string, rec *memoryRecord[T]) Record[T] {
	return Record[T]{ID: id, Value: layering.Clone(rec.value), Meta: rec.meta}
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
