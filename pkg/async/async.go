// Package async runs independent computations concurrently and joins them
// without losing individual failures.
//
// The billing engine mirrors several processor invoices at once; one failed
// retrieval must not discard the other results. Settle waits for every task
// and reports each outcome separately, unlike a first-error join.
package async

import "context"

// Task is an in-flight computation started by Run.
type Task[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Result is the settled outcome of a single task.
type Result[T any] struct {
	Value T
	Err   error
}

// Run starts fn in its own goroutine. A pre-cancelled context fails the task
// immediately without invoking fn.
func Run[T any](ctx context.Context, fn func(context.Context) (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}

	go func() {
		defer close(t.done)

		select {
		case <-ctx.Done():
			t.err = ctx.Err()
			return
		default:
		}

		t.value, t.err = fn(ctx)
	}()

	return t
}

// Wait blocks until the task completes and returns its outcome.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	return t.value, t.err
}

// Settle waits for all tasks and returns one Result per task, in order.
// Failures are preserved per slot; Settle itself never fails.
func Settle[T any](tasks ...*Task[T]) []Result[T] {
	results := make([]Result[T], len(tasks))
	for i, task := range tasks {
		results[i].Value, results[i].Err = task.Wait()
	}
	return results
}

// FirstErr returns the first failure among settled results, or nil.
func FirstErr[T any](results []Result[T]) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
