package projector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-environ"
	"github.com/goliatone/go-environ/pkg/activity"
)

func awaitKind[P any](t *testing.T, p *Projector[string, P], kinds ...Kind) State[P] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := p.Await(ctx, func(s State[P]) bool {
		for _, kind := range kinds {
			if s.Kind == kind {
				return true
			}
		}
		return false
	})
	if err != nil {
		t.Fatalf("await %v: %v (last state %+v)", kinds, err, state)
	}
	return state
}

func TestDelayedProducerReachesLoaded(t *testing.T) {
	producer := ProducerFunc[string, []string](func(ctx context.Context, _ string) ([]string, error) {
		select {
		case <-time.After(10 * time.Millisecond):
			return []string{"A", "B"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	p := New[string, []string]("list", producer)
	defer p.Close()

	var kinds []Kind
	var mu sync.Mutex
	p.Subscribe(func(s State[[]string]) {
		mu.Lock()
		kinds = append(kinds, s.Kind)
		mu.Unlock()
	})

	if got := p.State().Kind; got != Idle {
		t.Fatalf("expected idle before activation, got %s", got)
	}
	if err := p.Activate("inbox"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	state := awaitKind(t, p, Loaded)
	if len(state.Payload) != 2 || state.Payload[0] != "A" || state.Payload[1] != "B" {
		t.Fatalf("unexpected payload %v", state.Payload)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != Loading || kinds[1] != Loaded {
		t.Fatalf("expected loading then loaded, got %v", kinds)
	}

	if err := p.Activate("inbox"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestFailureSurfacesMessageAndRetryCallsOnce(t *testing.T) {
	var calls atomic.Int32
	producer := ProducerFunc[string, int](func(context.Context, string) (int, error) {
		calls.Add(1)
		return 0, errors.New("timeout")
	})
	p := New[string, int]("counter", producer)
	defer p.Close()

	if err := p.Refresh(); !errors.Is(err, ErrNotRefreshable) {
		t.Fatalf("expected ErrNotRefreshable, got %v", err)
	}
	if err := p.Activate("x"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	state := awaitKind(t, p, Error)
	if state.Message != "timeout" {
		t.Fatalf("expected message timeout, got %q", state.Message)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}

	if err := p.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Await(ctx, func(s State[int]) bool {
		return s.Kind == Error && s.Generation == 2
	}); err != nil {
		t.Fatalf("await retry: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 2 {
		t.Fatalf("expected exactly one more call after retry, got %d", calls.Load())
	}
}

func TestOperationFailureMessage(t *testing.T) {
	cause := errors.New("503")
	producer := ProducerFunc[string, int](func(context.Context, string) (int, error) {
		return 0, Fail("service unavailable", cause)
	})
	p := New[string, int]("status", producer)
	defer p.Close()

	_ = p.Activate("x")
	state := awaitKind(t, p, Error)
	if state.Message != "service unavailable" {
		t.Fatalf("unexpected message %q", state.Message)
	}
	if err := Fail("", cause); err.Error() != "503" || !errors.Is(err, cause) {
		t.Fatalf("unexpected failure %v", err)
	}
}

func TestSupersedingTriggerDiscardsStaleResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var firstCancelled atomic.Bool

	producer := ProducerFunc[string, string](func(ctx context.Context, input string) (string, error) {
		if input == "T1" {
			close(started)
			<-release
			firstCancelled.Store(ctx.Err() != nil)
			return "T1 result", nil
		}
		return "T2 result", nil
	})
	p := New[string, string]("search", producer)
	defer p.Close()

	var mu sync.Mutex
	var finals []State[string]
	p.Subscribe(func(s State[string]) {
		if s.Kind == Loaded || s.Kind == Error {
			mu.Lock()
			finals = append(finals, s)
			mu.Unlock()
		}
	})

	if err := p.Activate("T1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	<-started
	if err := p.Trigger("T2"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	state := awaitKind(t, p, Loaded)
	if state.Payload != "T2 result" {
		t.Fatalf("expected T2 result, got %q", state.Payload)
	}

	close(release)
	time.Sleep(30 * time.Millisecond)

	if !firstCancelled.Load() {
		t.Fatalf("expected superseded call to be cancelled")
	}
	if got := p.State().Payload; got != "T2 result" {
		t.Fatalf("stale result leaked into state: %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finals) != 1 || finals[0].Payload != "T2 result" {
		t.Fatalf("expected exactly one final update, got %+v", finals)
	}
}

func TestTriggerIgnoresEqualInput(t *testing.T) {
	var calls atomic.Int32
	producer := ProducerFunc[string, string](func(_ context.Context, input string) (string, error) {
		calls.Add(1)
		return "for " + input, nil
	})
	p := New[string, string]("detail", producer)
	defer p.Close()

	if err := p.Trigger("a"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	awaitKind(t, p, Loaded)
	if err := p.Trigger("a"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if calls.Load() != 1 || p.State().Kind != Loaded {
		t.Fatalf("equal input must not reload, calls=%d state=%s", calls.Load(), p.State().Kind)
	}

	if err := p.Trigger("b"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := p.Await(ctx, func(s State[string]) bool { return s.Kind == Loaded && s.Payload == "for b" })
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if calls.Load() != 2 || state.Generation != 2 {
		t.Fatalf("expected second call, calls=%d generation=%d", calls.Load(), state.Generation)
	}
	if err := p.Activate("c"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("trigger should have activated the projector, got %v", err)
	}
}

func TestRefreshPreservesStalePayload(t *testing.T) {
	var version atomic.Int32
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	producer := ProducerFunc[string, int](func(ctx context.Context, _ string) (int, error) {
		select {
		case <-gate:
			return int(version.Add(1)), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	p := New[string, int]("feed", producer)
	defer p.Close()

	_ = p.Activate("x")
	if state := awaitKind(t, p, Loaded); state.Payload != 1 {
		t.Fatalf("unexpected first payload %d", state.Payload)
	}
	if err := p.Retry(); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}

	if err := p.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	state := p.State()
	if !state.Stale() || state.Payload != 1 {
		t.Fatalf("expected stale payload while refreshing, got %+v", state)
	}

	gate <- struct{}{}
	if state := awaitKind(t, p, Loaded); state.Payload != 2 {
		t.Fatalf("unexpected refreshed payload %d", state.Payload)
	}
}

func TestRefreshCanClearPayload(t *testing.T) {
	block := make(chan struct{})
	var calls atomic.Int32
	producer := ProducerFunc[string, string](func(ctx context.Context, _ string) (string, error) {
		if calls.Add(1) > 1 {
			<-block
		}
		return "v", nil
	})
	p := New[string, string]("feed", producer, WithPreserveOnRefresh(false))
	defer close(block)
	defer p.Close()

	_ = p.Activate("x")
	awaitKind(t, p, Loaded)
	_ = p.Refresh()
	if state := p.State(); state.Kind != Loading || state.HasPayload {
		t.Fatalf("expected cleared payload, got %+v", state)
	}
}

func TestProducerTimeoutSurfacesAsError(t *testing.T) {
	producer := ProducerFunc[string, string](func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := New[string, string]("slow", producer, WithProducerTimeout(10*time.Millisecond))
	defer p.Close()

	_ = p.Activate("x")
	state := awaitKind(t, p, Error)
	if state.Message != context.DeadlineExceeded.Error() {
		t.Fatalf("unexpected message %q", state.Message)
	}
}

func TestProducerPanicIsRecovered(t *testing.T) {
	producer := ProducerFunc[string, string](func(context.Context, string) (string, error) {
		panic("boom")
	})
	p := New[string, string]("fragile", producer)
	defer p.Close()

	_ = p.Activate("x")
	if state := awaitKind(t, p, Error); state.Message != "panic: boom" {
		t.Fatalf("unexpected message %q", state.Message)
	}
}

func TestStateIsDeepCopy(t *testing.T) {
	producer := ProducerFunc[string, map[string]int](func(context.Context, string) (map[string]int, error) {
		return map[string]int{"count": 1}, nil
	})
	p := New[string, map[string]int]("stats", producer)
	defer p.Close()

	_ = p.Activate("x")
	state := awaitKind(t, p, Loaded)
	state.Payload["count"] = 99
	if p.State().Payload["count"] != 1 {
		t.Fatalf("state must not be shared with callers")
	}
}

type inboxItem struct {
	Name string
	id   int
	tags []string
}

func TestStateKeepsUnexportedPayloadFields(t *testing.T) {
	producer := ProducerFunc[string, inboxItem](func(context.Context, string) (inboxItem, error) {
		return inboxItem{Name: "a", id: 42, tags: []string{"x"}}, nil
	})
	p := New[string, inboxItem]("items", producer)
	defer p.Close()

	_ = p.Activate("x")
	awaited := awaitKind(t, p, Loaded)
	if awaited.Payload.Name != "a" || awaited.Payload.id != 42 {
		t.Fatalf("await lost payload fields: %+v", awaited.Payload)
	}
	current := p.State()
	if current.Payload.id != 42 || len(current.Payload.tags) != 1 {
		t.Fatalf("state lost payload fields: %+v", current.Payload)
	}
}

func TestPanickingSubscriberIsDropped(t *testing.T) {
	var (
		mu  sync.Mutex
		ops []string
	)
	logger := environ.LoggerFunc(func(event environ.LogEvent) {
		mu.Lock()
		defer mu.Unlock()
		ops = append(ops, event.Op)
	})
	var calls atomic.Int32
	producer := ProducerFunc[string, string](func(context.Context, string) (string, error) {
		return "done", nil
	})
	p := New[string, string]("sturdy", producer, WithLogger(logger))
	defer p.Close()

	p.Subscribe(func(State[string]) {
		calls.Add(1)
		panic("subscriber failed")
	})
	_ = p.Activate("x")
	if state := awaitKind(t, p, Loaded); state.Payload != "done" {
		t.Fatalf("unexpected state %+v", state)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("panicking subscriber should be dropped after one call, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, op := range ops {
		if op == "subscriber" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected subscriber panic to be logged, got %v", ops)
	}
}

func TestAwaitRejectsNilPredicate(t *testing.T) {
	p := New[string, string]("idle", ProducerFunc[string, string](func(context.Context, string) (string, error) {
		return "", nil
	}))
	defer p.Close()

	if _, err := p.Await(context.Background(), nil); !errors.Is(err, ErrNilPredicate) {
		t.Fatalf("expected ErrNilPredicate, got %v", err)
	}
	if p.State().Kind != Idle {
		t.Fatalf("projector should keep running")
	}
}

func TestCloseCancelsAndRejects(t *testing.T) {
	cancelled := make(chan struct{})
	producer := ProducerFunc[string, string](func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	})
	p := New[string, string]("closing", producer)
	_ = p.Activate("x")
	awaitKind(t, p, Loading)

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("expected in-flight call to be cancelled")
	}
	if err := p.Trigger("y"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := p.Await(context.Background(), func(State[string]) bool { return false }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from await, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	p.Subscribe(func(State[string]) {})()
}

func TestTransitionsEmitActivityAndLogs(t *testing.T) {
	hook := &activity.CaptureHook{}
	emitter := activity.NewEmitter(activity.Hooks{hook}, activity.Config{Enabled: true})
	var mu sync.Mutex
	var logged []string
	logger := environ.LoggerFunc(func(event environ.LogEvent) {
		mu.Lock()
		logged = append(logged, event.Op+":"+event.Key)
		mu.Unlock()
	})
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	producer := ProducerFunc[string, string](func(context.Context, string) (string, error) {
		return "ok", nil
	})
	p := New[string, string]("profile", producer,
		WithActivityEmitter(emitter),
		WithLogger(logger),
		WithClock(func() time.Time { return fixed }),
	)
	defer p.Close()

	_ = p.Activate("x")
	state := awaitKind(t, p, Loaded)
	if !state.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected clock to stamp state, got %v", state.UpdatedAt)
	}

	events := hook.Events()
	if len(events) != 2 {
		t.Fatalf("expected two transition events, got %d", len(events))
	}
	if events[1].Verb != activity.VerbTransition || events[1].ObjectID != "profile" {
		t.Fatalf("unexpected event %+v", events[1])
	}
	if events[1].Metadata["to"] != "loaded" || events[1].Metadata["signal"] != "success" {
		t.Fatalf("unexpected metadata %+v", events[1].Metadata)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(logged) != 2 || logged[0] != "transition:idle->loading" || logged[1] != "transition:loading->loaded" {
		t.Fatalf("unexpected logs %v", logged)
	}
}

func TestFromScopeResolvesProducer(t *testing.T) {
	root := environ.NewRoot("app")
	key := environ.NewKey[Producer[string, string]]("greeting")

	if _, err := FromScope(root, key, "greeter"); !errors.Is(err, environ.ErrUnresolvedCapability) {
		t.Fatalf("expected unresolved capability, got %v", err)
	}

	var producer Producer[string, string] = ProducerFunc[string, string](func(_ context.Context, name string) (string, error) {
		return "hello " + name, nil
	})
	if err := environ.Bind(root, key, producer); err != nil {
		t.Fatalf("bind: %v", err)
	}
	screen, err := root.Child("screen")
	if err != nil {
		t.Fatalf("child: %v", err)
	}

	p, err := FromScope(screen, key, "greeter")
	if err != nil {
		t.Fatalf("from scope: %v", err)
	}
	defer p.Close()
	_ = p.Activate("ada")
	if state := awaitKind(t, p, Loaded); state.Payload != "hello ada" {
		t.Fatalf("unexpected payload %q", state.Payload)
	}
}
