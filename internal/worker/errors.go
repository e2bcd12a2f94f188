package worker

import (
	"errors"

	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// ErrUnknownTask is returned by Registry.Lookup for unregistered names.
var ErrUnknownTask = errors.New("unknown task")

// TaskError is an expected task failure: its message is shown to clients.
type TaskError struct {
	Type    types.ErrorType
	Message string
	Detail  error // kept for logs, never exposed
}

func (e *TaskError) Error() string { return string(e.Type) + ": " + e.Message }

func (e *TaskError) Unwrap() error { return e.Detail }

// Summary converts the error into the job's public error summary.
func (e *TaskError) Summary() *types.ErrorSummary {
	return &types.ErrorSummary{Type: e.Type, Message: e.Message, HasDetail: e.Detail != nil}
}

// Transient reports a failure the client may retry.
func Transient(msg string) *TaskError {
	return &TaskError{Type: types.ErrorTransient, Message: msg}
}

// Fatal reports a failure retrying will not fix.
func Fatal(msg string) *TaskError {
	return &TaskError{Type: types.ErrorFatal, Message: msg}
}
