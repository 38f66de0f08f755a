package retry

import "github.com/rohmanhakim/focusedsearch/pkg/failure"

// Result holds the outcome of a retried operation: the last value produced,
// the terminal error (nil on success), and how many attempts were made.
type Result[T any] struct {
	value    T
	err      failure.ClassifiedError
	attempts int
}

// NewSuccessResult builds a successful Result.
func NewSuccessResult[T any](value T, attempts int) Result[T] {
	return Result[T]{value: value, attempts: attempts}
}

// Value returns the produced value. Zero value on failure.
func (r Result[T]) Value() T {
	return r.value
}

// Err returns the terminal error, or nil on success.
func (r Result[T]) Err() failure.ClassifiedError {
	return r.err
}

// Attempts returns how many times the operation was invoked.
func (r Result[T]) Attempts() int {
	return r.attempts
}

// IsSuccess reports whether the operation eventually succeeded.
func (r Result[T]) IsSuccess() bool {
	return r.err == nil
}

// IsFailure reports whether the operation never succeeded.
func (r Result[T]) IsFailure() bool {
	return r.err != nil
}
