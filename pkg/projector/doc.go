// Package projector turns an asynchronous Producer into a presented state
// machine (Idle, Loading, Error, Loaded) owned by a single consumer.
//
// Every transition runs on the projector's coordination goroutine. Loads are
// last-trigger-wins: starting a new load cancels the call in flight and its
// late result is dropped by generation. Failures are recovered into the
// Error state and stay retryable; nothing retries automatically.
//
//	p := projector.New("inbox", producer)
//	defer p.Close()
//	_ = p.Activate(query)
//	state, err := p.Await(ctx, func(s projector.State[[]Message]) bool {
//		return s.Kind == projector.Loaded || s.Kind == projector.Error
//	})
package projector
