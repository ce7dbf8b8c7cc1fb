package projector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-environ"
	"github.com/goliatone/go-environ/layering"
	"github.com/goliatone/go-environ/pkg/activity"
)

// Projector derives a presented State from a Producer. All transitions run on
// one coordination goroutine; producer calls run on their own goroutines and
// post results back tagged with the generation that started them. A result
// whose generation is no longer current is discarded.
type Projector[I comparable, P any] struct {
	name     string
	producer Producer[I, P]
	settings settings

	commands chan func(*loop[I, P])
	results  chan completion[P]
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once

	mu       sync.RWMutex
	snapshot State[P]
}

type completion[P any] struct {
	generation uint64
	payload    P
	err        error
	elapsed    time.Duration
}

type subscription[P any] struct {
	fn      func(State[P])
	stopped atomic.Bool
}

// loop is the state owned by the coordination goroutine.
type loop[I comparable, P any] struct {
	p           *Projector[I, P]
	state       State[P]
	active      bool
	input       I
	hasInput    bool
	cancel      context.CancelFunc
	subscribers []*subscription[P]
}

// New starts a projector in the Idle state. Close releases its goroutine.
func New[I comparable, P any](name string, producer Producer[I, P], opts ...Option) *Projector[I, P] {
	s := applyOptions(opts)
	p := &Projector[I, P]{
		name:     name,
		producer: producer,
		settings: s,
		commands: make(chan func(*loop[I, P])),
		results:  make(chan completion[P], s.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.snapshot = State[P]{Kind: Idle, UpdatedAt: s.clock()}
	l := &loop[I, P]{p: p, state: p.snapshot}
	go l.run()
	return p
}

// Name returns the consumer name used in logs and events.
func (p *Projector[I, P]) Name() string {
	return p.name
}

// Activate starts the first load. It succeeds once per projector.
func (p *Projector[I, P]) Activate(input I) error {
	return p.call(func(l *loop[I, P]) error {
		if l.active {
			return ErrAlreadyActive
		}
		l.active = true
		l.input, l.hasInput = input, true
		l.apply(Start)
		return nil
	})
}

// Trigger reloads for input unless it equals the previous input. A load in
// flight is cancelled and its result discarded. On an inactive projector
// Trigger behaves like Activate.
func (p *Projector[I, P]) Trigger(input I) error {
	return p.call(func(l *loop[I, P]) error {
		if l.hasInput && l.input == input {
			return nil
		}
		l.active = true
		l.input, l.hasInput = input, true
		l.apply(Start)
		return nil
	})
}

// Retry restarts a failed load with the last input.
func (p *Projector[I, P]) Retry() error {
	return p.call(func(l *loop[I, P]) error {
		if l.state.Kind != Error {
			return ErrNotRetryable
		}
		l.apply(Retry)
		return nil
	})
}

// Refresh reloads a loaded payload with the last input.
func (p *Projector[I, P]) Refresh() error {
	return p.call(func(l *loop[I, P]) error {
		if l.state.Kind != Loaded {
			return ErrNotRefreshable
		}
		l.apply(Refresh)
		return nil
	})
}

// State returns a deep copy of the current presented state.
func (p *Projector[I, P]) State() State[P] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return layering.Clone(p.snapshot)
}

// Subscribe registers fn to receive a copy of every new state. fn runs on the
// coordination goroutine and must not call back into the projector. The
// returned cancel is safe to call from anywhere, including fn.
func (p *Projector[I, P]) Subscribe(fn func(State[P])) (cancel func()) {
	sub, err := p.subscribe(fn, false)
	if err != nil {
		return func() {}
	}
	return func() { sub.stopped.Store(true) }
}

// Await blocks until pred accepts the current or a later state, ctx ends or
// the projector closes.
func (p *Projector[I, P]) Await(ctx context.Context, pred func(State[P]) bool) (State[P], error) {
	if pred == nil {
		return p.State(), ErrNilPredicate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	matched := make(chan State[P], 1)
	sub, err := p.subscribe(func(s State[P]) {
		if pred(s) {
			select {
			case matched <- s:
			default:
			}
		}
	}, true)
	if err != nil {
		return p.State(), err
	}
	defer sub.stopped.Store(true)

	select {
	case s := <-matched:
		return s, nil
	case <-ctx.Done():
		return p.State(), ctx.Err()
	case <-p.done:
		select {
		case s := <-matched:
			return s, nil
		default:
			return p.State(), ErrClosed
		}
	}
}

// Close cancels the load in flight and stops the coordination goroutine.
// Later operations return ErrClosed.
func (p *Projector[I, P]) Close() error {
	p.once.Do(func() {
		close(p.quit)
	})
	<-p.done
	return nil
}

func (p *Projector[I, P]) subscribe(fn func(State[P]), replay bool) (*subscription[P], error) {
	sub := &subscription[P]{fn: fn}
	err := p.call(func(l *loop[I, P]) error {
		if fn == nil {
			return nil
		}
		l.subscribers = append(l.subscribers, sub)
		if replay {
			l.notify(sub, l.state)
		}
		return nil
	})
	return sub, err
}

// call runs fn on the coordination goroutine and waits for its result.
func (p *Projector[I, P]) call(fn func(*loop[I, P]) error) error {
	reply := make(chan error, 1)
	select {
	case p.commands <- func(l *loop[I, P]) { reply <- fn(l) }:
		return <-reply
	case <-p.done:
		return ErrClosed
	}
}

func (l *loop[I, P]) run() {
	p := l.p
	defer close(p.done)
	for {
		select {
		case fn := <-p.commands:
			fn(l)
		case res := <-p.results:
			l.complete(res)
		case <-p.quit:
			if l.cancel != nil {
				l.cancel()
				l.cancel = nil
			}
			return
		}
	}
}

// apply moves the machine with a non-completion signal and starts a producer
// call whenever a new generation begins.
func (l *loop[I, P]) apply(signal Signal) {
	var zero P
	prev := l.state
	next := Next(prev, signal, zero, "", l.p.settings.PreserveOnRefresh)
	if next.Kind == Loading && next.Generation != prev.Generation {
		l.launch(next.Generation)
	}
	l.publish(prev, next, signal, nil, 0)
}

// launch cancels the call in flight and starts one for generation. The call
// is abandoned as soon as its context ends, so a producer that ignores
// cancellation cannot hold a generation open past its timeout.
func (l *loop[I, P]) launch(generation uint64) {
	if l.cancel != nil {
		l.cancel()
	}
	p := l.p
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.settings.ProducerTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), p.settings.ProducerTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	l.cancel = cancel
	input := l.input

	go func() {
		defer cancel()
		start := time.Now()
		out := make(chan completion[P], 1)
		go func() {
			payload, err := produce(ctx, p.producer, input)
			out <- completion[P]{generation: generation, payload: payload, err: err}
		}()

		var res completion[P]
		select {
		case res = <-out:
		case <-ctx.Done():
			res = completion[P]{generation: generation, err: ctx.Err()}
		}
		res.elapsed = time.Since(start)
		select {
		case p.results <- res:
		case <-p.done:
		}
	}()
}

func (l *loop[I, P]) complete(res completion[P]) {
	p := l.p
	if l.state.Kind != Loading || res.generation != l.state.Generation {
		p.settings.logger.Log(environ.LogEvent{
			Op:       "discard",
			Scope:    p.name,
			Key:      l.state.Kind.String(),
			Duration: res.elapsed,
			Err:      res.err,
		})
		return
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	prev := l.state
	if res.err != nil {
		failure := failureOf(res.err)
		var zero P
		next := Next(prev, Failure, zero, failure.Message, p.settings.PreserveOnRefresh)
		l.publish(prev, next, Failure, failure, res.elapsed)
		return
	}
	next := Next(prev, Success, res.payload, "", p.settings.PreserveOnRefresh)
	l.publish(prev, next, Success, nil, res.elapsed)
}

func (l *loop[I, P]) publish(prev, next State[P], signal Signal, failure error, elapsed time.Duration) {
	if next.Kind == prev.Kind && next.Generation == prev.Generation {
		return
	}
	p := l.p
	next.UpdatedAt = p.settings.clock()
	l.state = next

	p.mu.Lock()
	p.snapshot = next
	p.mu.Unlock()

	p.settings.logger.Log(environ.LogEvent{
		Op:       "transition",
		Scope:    p.name,
		Key:      prev.Kind.String() + "->" + next.Kind.String(),
		Duration: elapsed,
		Err:      failure,
	})
	if p.settings.emitter.Enabled() {
		event := activity.BuildTransitionEvent(activity.TransitionEventInput{
			Consumer:   p.name,
			From:       prev.Kind.String(),
			To:         next.Kind.String(),
			Signal:     signal.String(),
			Generation: next.Generation,
			Message:    next.Message,
			OccurredAt: next.UpdatedAt,
		})
		if err := p.settings.emitter.Emit(context.Background(), event); err != nil {
			p.settings.logger.Log(environ.LogEvent{Op: "emit", Scope: p.name, Err: err})
		}
	}

	live := l.subscribers[:0]
	for _, sub := range l.subscribers {
		if sub.stopped.Load() {
			continue
		}
		l.notify(sub, next)
		if !sub.stopped.Load() {
			live = append(live, sub)
		}
	}
	l.subscribers = live
}

// notify delivers a copy of state to sub. A panicking subscriber is logged
// and unsubscribed; the coordination goroutine keeps running.
func (l *loop[I, P]) notify(sub *subscription[P], state State[P]) {
	defer func() {
		if r := recover(); r != nil {
			sub.stopped.Store(true)
			l.p.settings.logger.Log(environ.LogEvent{
				Op:    "subscriber",
				Scope: l.p.name,
				Err:   fmt.Errorf("panic: %v", r),
			})
		}
	}()
	sub.fn(layering.Clone(state))
}
