package projector

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("projector: closed")
	// ErrAlreadyActive is returned by a second Activate.
	ErrAlreadyActive = errors.New("projector: already active")
	// ErrNotRetryable is returned by Retry outside the Error state.
	ErrNotRetryable = errors.New("projector: retry requires error state")
	// ErrNotRefreshable is returned by Refresh outside the Loaded state.
	ErrNotRefreshable = errors.New("projector: refresh requires loaded state")
	// ErrNilPredicate is returned by Await without a predicate.
	ErrNilPredicate = errors.New("projector: await requires a predicate")
)

// Producer computes the payload for an input. Implementations own their
// retry and backoff policy and must honour ctx cancellation where they can.
type Producer[I, P any] interface {
	Produce(ctx context.Context, input I) (P, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc[I, P any] func(ctx context.Context, input I) (P, error)

// Produce implements Producer.
func (f ProducerFunc[I, P]) Produce(ctx context.Context, input I) (P, error) {
	return f(ctx, input)
}

// OperationFailure is a recoverable producer failure. Its message becomes the
// Error state's message.
type OperationFailure struct {
	Message string
	Err     error
}

// Fail returns an OperationFailure carrying message and the optional cause.
func Fail(message string, cause error) *OperationFailure {
	return &OperationFailure{Message: message, Err: cause}
}

func (e *OperationFailure) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "operation failed"
	}
}

func (e *OperationFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// failureOf normalises any producer error into an OperationFailure.
func failureOf(err error) *OperationFailure {
	var failure *OperationFailure
	if errors.As(err, &failure) && failure.Message != "" {
		return failure
	}
	message := err.Error()
	if message == "" {
		message = "operation failed"
	}
	return &OperationFailure{Message: message, Err: err}
}

func produce[I, P any](ctx context.Context, producer Producer[I, P], input I) (payload P, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return producer.Produce(ctx, input)
}
