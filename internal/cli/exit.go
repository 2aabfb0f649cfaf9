package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/TangGee/go-mcp-client"
)

// Exit codes.
const (
	exitFailure   = 1
	exitConfig    = 2
	exitConnect   = 3
	exitToolError = 4
	exitNotFound  = 5
	exitTimeout   = 10
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// requestExitError maps the error of a request to the exit code describing it.
func requestExitError(err error) *ExitError {
	var toolErr *mcp.ToolInvocationError
	switch {
	case errors.As(err, &toolErr):
		return exitError(exitToolError, "%s", err)
	case errors.Is(err, mcp.ErrToolNotFound):
		return exitError(exitNotFound, "%s", err)
	case errors.Is(err, mcp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return exitError(exitTimeout, "%s", err)
	default:
		return exitError(exitFailure, "%s", err)
	}
}
