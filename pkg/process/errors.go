package process

import (
	"errors"
	"fmt"
	"strings"
)

// ProcessError reports a command that started but exited with a non-zero code.
// nolint:revive // ProcessError reads better at call sites than process.Error
type ProcessError struct {
	// Command is the command line that was executed.
	Command string `json:"command"`

	// ExitCode is the exit status reported by the operating system.
	ExitCode int `json:"exit_code"`
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// SpawnError reports a command that could not be started at all: the binary
// is missing, the working directory is absent, or the OS refused to fork.
type SpawnError struct {
	Command string `json:"command"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start command %q: %v", e.Command, e.Err)
}

// Unwrap returns the underlying start failure.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsProcessError reports whether err is, or wraps, a non-zero exit.
func IsProcessError(err error) bool {
	var pe *ProcessError
	return errors.As(err, &pe)
}

// IsSpawnError reports whether err is, or wraps, a start failure.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

// ExitCode extracts the exit code from err, or -1 if err carries none.
func ExitCode(err error) int {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.ExitCode
	}
	return -1
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
