package tools

import "errors"

var (
	// ErrToolNotFound is returned when a tool name has no registry entry.
	ErrToolNotFound = errors.New("tool not found")

	// ErrExecutionTimeout is returned when a tool's declared timeout elapses
	// before its execute function completes.
	ErrExecutionTimeout = errors.New("tool execution timed out")
)
