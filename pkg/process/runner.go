// Package process runs a single external command and streams its output.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

const readBufferSize = 32 * 1024

// Command describes one external program invocation.
type Command struct {
	// Name is the binary to execute, resolved via PATH when not absolute.
	Name string

	// Args are passed verbatim, no shell interpretation.
	Args []string

	// Dir is the working directory. It must exist.
	Dir string

	// Env is the complete environment in KEY=VALUE form. Nil inherits the
	// parent environment.
	Env []string
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	return commandLine(c.Name, c.Args)
}

// ChunkFunc receives output as it is produced. Calls are serialized; the
// slice is only valid for the duration of the call.
type ChunkFunc func(chunk []byte)

// Runner executes commands on the local host.
type Runner struct {
	logger zerolog.Logger
}

// NewRunner creates a runner that logs process lifecycle at debug level.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		logger: logger.With().Str("component", "process-runner").Logger(),
	}
}

// Run starts cmd, delivers every stdout and stderr chunk to onChunk, and
// waits for it to exit. A zero exit returns nil; a non-zero exit returns a
// *ProcessError; a failure to start returns a *SpawnError. Chunks from the
// same stream arrive in order. All chunks are delivered before Run returns.
func (r *Runner) Run(ctx context.Context, cmd Command, onChunk ChunkFunc) error {
	if cmd.Name == "" {
		return &SpawnError{Command: cmd.String(), Err: errors.New("command is required")}
	}

	if cmd.Dir != "" {
		info, err := os.Stat(cmd.Dir)
		if err != nil {
			return &SpawnError{Command: cmd.String(), Err: fmt.Errorf("working directory: %w", err)}
		}
		if !info.IsDir() {
			return &SpawnError{Command: cmd.String(), Err: fmt.Errorf("working directory %s is not a directory", cmd.Dir)}
		}
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.Env != nil {
		c.Env = cmd.Env
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return &SpawnError{Command: cmd.String(), Err: err}
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return &SpawnError{Command: cmd.String(), Err: err}
	}

	if err := c.Start(); err != nil {
		return &SpawnError{Command: cmd.String(), Err: err}
	}

	r.logger.Debug().
		Str("command", cmd.String()).
		Str("dir", cmd.Dir).
		Int("pid", c.Process.Pid).
		Msg("Process started")

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	deliver := func(chunk []byte) {
		if onChunk == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onChunk(chunk)
	}

	wg.Add(2)
	go r.pump(&wg, stdout, deliver)
	go r.pump(&wg, stderr, deliver)

	// Pipes must be drained before Wait closes them.
	wg.Wait()
	err = c.Wait()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.logger.Debug().
				Str("command", cmd.String()).
				Int("exit_code", exitErr.ExitCode()).
				Msg("Process exited with failure")
			return &ProcessError{Command: cmd.String(), ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("failed to wait for command %q: %w", cmd.String(), err)
	}

	r.logger.Debug().Str("command", cmd.String()).Msg("Process exited successfully")
	return nil
}

func (r *Runner) pump(wg *sync.WaitGroup, src io.Reader, deliver ChunkFunc) {
	defer wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			deliver(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.logger.Warn().Err(err).Msg("Output stream read failed")
			}
			return
		}
	}
}
