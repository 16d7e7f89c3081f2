package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Handler executes one kind of task. Delivery is at-least-once, so Handle
// must tolerate being called more than once for the same task.
type Handler interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	TaskName string
	Func     func(ctx context.Context, payload json.RawMessage) error
}

func (h HandlerFunc) Name() string { return h.TaskName }

func (h HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return h.Func(ctx, payload)
}

// PermanentError marks a failure that retrying cannot fix. The task is
// dead-lettered immediately instead of consuming its remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// ErrDuplicateHandler is returned when two handlers claim the same task name.
var ErrDuplicateHandler = errors.New("handler already registered")

// ErrUnknownTask is the failure recorded when no handler matches a task.
var ErrUnknownTask = errors.New("no handler registered for task")

func unknownTask(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownTask, name)
}
