package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-environ"
	"github.com/goliatone/go-environ/pkg/activity"
	"github.com/goliatone/go-environ/pkg/projector"
	"github.com/goliatone/go-environ/pkg/store"
)

func openSQLite(t *testing.T, opts ...store.Option) (*store.SQLiteStore[todo], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := store.OpenSQLiteStore[todo](path, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLiteStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s, _ := openSQLite(t)

	rec, err := s.Insert(ctx, todo{Title: "persist", Tags: []string{"db"}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.ID == "" || rec.Meta.ETag == "" || rec.Meta.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and meta, got %+v", rec)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil || got.Value.Title != "persist" || len(got.Value.Tags) != 1 {
		t.Fatalf("get: %+v %v", got, err)
	}
	if got.Meta.ETag != rec.Meta.ETag {
		t.Fatalf("etag changed on read")
	}

	if _, err := s.Save(ctx, rec.ID, todo{Title: "stale"}, "not-the-etag"); !errors.Is(err, store.ErrETagMismatch) {
		t.Fatalf("expected ErrETagMismatch, got %v", err)
	}
	saved, err := s.Save(ctx, rec.ID, todo{Title: "persist", Done: true}, rec.Meta.ETag)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Meta.ETag == rec.Meta.ETag || !saved.Value.Done {
		t.Fatalf("expected new etag and value, got %+v", saved)
	}
	if !saved.Meta.CreatedAt.Equal(rec.Meta.CreatedAt) {
		t.Fatalf("created_at must survive updates")
	}

	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSQLiteStoreFailedMutationRollsBack(t *testing.T) {
	ctx := context.Background()
	s, _ := openSQLite(t)
	rec, _ := s.Insert(ctx, todo{Title: "keep"})

	boom := errors.New("boom")
	_, err := s.Mutate(ctx, rec.ID, "", func(v *todo) error {
		v.Title = "lost"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Value.Title != "keep" || got.Meta.ETag != rec.Meta.ETag {
		t.Fatalf("failed mutation must not persist, got %+v", got)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	first, err := store.OpenSQLiteStore[todo](path, store.WithIDGenerator(sequentialIDs()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.Insert(ctx, todo{Title: "one"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := first.Get(ctx, "todo-1"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	second, err := store.OpenSQLiteStore[todo](path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, err := second.Get(ctx, "todo-1")
	if err != nil || got.Value.Title != "one" {
		t.Fatalf("expected persisted record, got %+v %v", got, err)
	}
}

func TestSQLiteStoresShareDatabaseByCollection(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	home, err := store.NewSQLiteStore[todo](db, store.WithCollection("home"))
	if err != nil {
		t.Fatalf("home: %v", err)
	}
	work, err := store.NewSQLiteStore[todo](db, store.WithCollection("work"))
	if err != nil {
		t.Fatalf("work: %v", err)
	}
	_, _ = home.Insert(ctx, todo{Title: "laundry"})
	_, _ = work.Insert(ctx, todo{Title: "review"})
	_, _ = work.Insert(ctx, todo{Title: "deploy"})

	if n, _ := home.Len(ctx); n != 1 {
		t.Fatalf("expected 1 home record, got %d", n)
	}
	records, err := work.Query(ctx, store.Query[todo]{Less: func(a, b todo) bool { return a.Title < b.Title }})
	if err != nil || len(records) != 2 || records[0].Value.Title != "deploy" {
		t.Fatalf("unexpected work records %+v %v", records, err)
	}

	// Stores built on a caller-owned database leave it open.
	if err := home.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("database closed by store: %v", err)
	}
}

func TestSQLiteStoreWatchAndActivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hook := &activity.CaptureHook{}
	emitter := activity.NewEmitter(activity.Hooks{hook}, activity.Config{Enabled: true})
	s, _ := openSQLite(t, store.WithActivityEmitter(emitter), store.WithCollection("todos"))

	feed, err := s.Watch(ctx, store.Query[todo]{Where: func(v todo) bool { return !v.Done }})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if initial := receive(t, feed); len(initial) != 0 {
		t.Fatalf("expected empty initial result, got %+v", initial)
	}

	rec, _ := s.Insert(ctx, todo{Title: "ship"})
	if got := receive(t, feed); len(got) != 1 || got[0].ID != rec.ID {
		t.Fatalf("expected inserted record, got %+v", got)
	}
	if _, err := s.Mutate(ctx, rec.ID, "", func(v *todo) error {
		v.Done = true
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if got := receive(t, feed); len(got) != 0 {
		t.Fatalf("done record should leave the live query, got %+v", got)
	}

	events := hook.Events()
	if len(events) != 2 || events[0].Verb != activity.VerbRecordInserted || events[1].Verb != activity.VerbRecordSaved {
		t.Fatalf("unexpected events %+v", events)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-feed; ok {
		t.Fatalf("expected feed closed by Close")
	}
}

func TestSQLiteStoreLogsFailedWatchRefresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "broken.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var ops []string
	logger := environ.LoggerFunc(func(event environ.LogEvent) {
		if event.Err != nil {
			ops = append(ops, event.Op)
		}
	})
	s, err := store.NewSQLiteStore[todo](db, store.WithCollection("todos"), store.WithLogger(logger))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer s.Close()

	feed, err := s.Watch(ctx, store.Query[todo]{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	receive(t, feed)

	if _, err := db.ExecContext(ctx,
		`INSERT INTO records (collection, id, value, etag, created_at, updated_at) VALUES ('todos', 'bad', 'not json', 'e', 0, 0)`,
	); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.Insert(ctx, todo{Title: "fine"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(ops) != 1 || ops[0] != "watch" {
		t.Fatalf("expected logged watch refresh failure, got %v", ops)
	}
}

func TestQueryProducerOverSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, _ := openSQLite(t)
	_, _ = s.Insert(ctx, todo{Title: "a", Done: true})
	_, _ = s.Insert(ctx, todo{Title: "b"})

	open := func(done bool) store.Query[todo] {
		return store.Query[todo]{Where: func(v todo) bool { return v.Done == done }}
	}
	p := projector.New("open", store.QueryProducer[bool, todo](s, open))
	defer p.Close()
	if err := p.Activate(false); err != nil {
		t.Fatalf("activate: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	state, err := p.Await(waitCtx, func(st projector.State[[]store.Record[todo]]) bool {
		return st.Kind == projector.Loaded
	})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(state.Payload) != 1 || state.Payload[0].Value.Title != "b" {
		t.Fatalf("unexpected payload %+v", state.Payload)
	}
}
