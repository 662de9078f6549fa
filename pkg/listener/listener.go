package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

// Job is a background worker with an explicit lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener consumes values from a bounded channel with a single goroutine.
// It is the building block behind every sequential worker in the replica:
// one listener per channel keeps the single-consumer invariant auditable.
type Listener[T any] struct {
	handler     func(input T) error
	errHandler  func(error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

// OnError installs a terminal error callback. Without one, a handler error
// panics: a sequential worker that cannot make progress must not fail silently.
func (l *Listener[T]) OnError(fn func(error)) *Listener[T] {
	l.errHandler = fn
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				if l.errHandler != nil {
					l.errHandler(err)
					return
				}
				panic("channel listener error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp := <-l.in:
		err := l.handler(inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
