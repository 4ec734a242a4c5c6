// Package r2r is the generator/coroutine bridge: a uniform contract for
// hooks and tools that may either produce a single final value or emit
// intermediate progress updates before producing one.
//
// The Python original (generator_wrapper.py) represents this as a
// GeneratorWrapper around a coroutine-or-async-generator, where the
// generator shape signals its final value by raising StopAsyncIteration
// with the value as its argument ("raise-to-return"). Per the spec's design
// note on coroutine-and-generator duality, the Go shape avoids
// exception-as-return entirely: a Stream produces zero or more updates on a
// channel and then exactly one terminal Result.
package r2r

import "context"

// Result carries the final value of a Stream, plus any error that aborted
// production before a value was reached.
type Result[T any] struct {
	Value T
	Err   error
}

// Stream is the single abstraction used by every hook and tool: it yields
// zero or more updates of type U, then resolves to exactly one Result[T].
// Producers build a Stream with New; consumers drain it with Updates and
// Wait.
type Stream[U, T any] struct {
	updates chan U
	done    chan Result[T]

	waited   bool
	lastWait Result[T]
}

// New creates a Stream and starts produce in its own goroutine. produce
// receives an Emit function to publish zero or more updates, and must
// return the stream's final value (or an error).
//
// Calling Emit after produce returns, or from more than one goroutine
// without external synchronization, is a programming error, mirroring the
// single-shot invariant of the Python wrapper.
func New[U, T any](ctx context.Context, produce func(ctx context.Context, emit func(U)) (T, error)) *Stream[U, T] {
	s := &Stream[U, T]{
		updates: make(chan U),
		done:    make(chan Result[T], 1),
	}
	go func() {
		defer close(s.updates)
		emit := func(u U) {
			select {
			case s.updates <- u:
			case <-ctx.Done():
			}
		}
		val, err := produce(ctx, emit)
		s.done <- Result[T]{Value: val, Err: err}
		close(s.done)
	}()
	return s
}

// Done wraps an already-known value as a Stream that yields nothing. This
// is the Go equivalent of wrapping a plain coroutine: "a pure function
// value becomes a stream that yields nothing."
func Done[U, T any](val T, err error) *Stream[U, T] {
	s := &Stream[U, T]{
		updates: make(chan U),
		done:    make(chan Result[T], 1),
	}
	close(s.updates)
	s.done <- Result[T]{Value: val, Err: err}
	close(s.done)
	return s
}

// Updates returns the channel of intermediate updates. Ranging over it to
// completion is equivalent to the Python wrapper's `async for item in
// wrapped.yields()`. The channel closes once production has finished,
// regardless of whether Wait has been called.
func (s *Stream[U, T]) Updates() <-chan U {
	return s.updates
}

// Wait drains any remaining updates (discarding them) and returns the
// final Result. Safe to call whether or not Updates was ever ranged over,
// matching returns()'s "drive to completion and discard yields" fallback.
// Wait is idempotent: calling it more than once always returns the same
// Result, the first call's.
func (s *Stream[U, T]) Wait() Result[T] {
	if s.waited {
		return s.lastWait
	}
	for range s.updates {
		// discard any updates the caller chose not to consume
	}
	s.lastWait = <-s.done
	s.waited = true
	return s.lastWait
}
