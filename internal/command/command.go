// Package command runs a single configured external command against a
// checkout directory, streaming its output as events and enforcing an
// absolute deadline.
package command

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bittrance/kitops/internal/config"
	"github.com/bittrance/kitops/internal/events"
	"github.com/bittrance/kitops/internal/watchdog"
)

// Result is the outcome of a completed (non-errored) command run.
type Result int

const (
	Success Result = iota
	Failure
)

func (r Result) String() string {
	if r == Success {
		return "success"
	}
	return "failure"
}

const bufSize = 4096

// Run spawns cmd.Entrypoint in cwd, streams its stdout/stderr as
// ActionOutput events tagged with displayName, and waits for it to exit or
// for deadline to pass. On deadline it kills the process and emits a
// Timeout event. displayName is the fully qualified "<task>|<action>" name
// callers want attached to every event this run emits; it plays no role in
// how the command is spawned. A non-nil error here means the command could
// not be spawned, its output could not be read, or a watcher rejected one of
// its events (not that it failed); a Failure Result is the normal path for a
// command that ran and exited non-zero.
func Run(cmd config.Command, displayName, cwd string, deadline time.Time, bus *events.Bus) (Result, error) {
	c := buildCommand(cmd, cwd)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return Failure, fmt.Errorf("command %q: stdout pipe: %w", displayName, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return Failure, fmt.Errorf("command %q: stderr pipe: %w", displayName, err)
	}

	if err := c.Start(); err != nil {
		return Failure, fmt.Errorf("command %q: starting: %w", displayName, err)
	}

	outErr := make(chan error, 1)
	errErr := make(chan error, 1)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); outErr <- emit(displayName, stdout, events.StdOut, bus) }()
	go func() { defer readers.Done(); errErr <- emit(displayName, stderr, events.StdErr, bus) }()

	// Wait closes the pipes, so it only runs once both readers are done.
	waitDone := make(chan error, 1)
	go func() { readers.Wait(); waitDone <- c.Wait() }()

	wd := watchdog.New(deadline)
	go wd.Run()

	for {
		select {
		case exitErr := <-waitDone:
			if err := <-outErr; err != nil {
				return Failure, err
			}
			if err := <-errErr; err != nil {
				return Failure, err
			}
			wd.Cancel()
			succeeded := exitErr == nil
			exitCode := exitCodeOf(exitErr)
			if err := bus.Emit(events.Event{
				Kind:      events.ActionExit,
				Name:      displayName,
				ExitCode:  exitCode,
				Succeeded: succeeded,
			}); err != nil {
				return Failure, err
			}
			if succeeded {
				return Success, nil
			}
			return Failure, nil
		default:
		}
		if wd.Cancelled() {
			_ = c.Process.Kill()
			_ = stdout.Close()
			_ = stderr.Close()
			<-waitDone
			<-outErr
			<-errErr
			if err := bus.Emit(events.Event{Kind: events.Timeout, Name: displayName}); err != nil {
				return Failure, err
			}
			return Failure, nil
		}
		time.Sleep(watchdog.PollInterval)
	}
}

// buildCommand assembles the exec.Cmd for a configured command. Unless
// InheritEnvironment is set, the child's environment is cleared and
// reinjected with only PATH plus the task's configured variables, so a
// task's command set cannot pick up ambient secrets by accident.
func buildCommand(cmd config.Command, cwd string) *exec.Cmd {
	c := exec.Command(cmd.Entrypoint, cmd.Args...)
	c.Dir = cwd

	var env []string
	if cmd.InheritEnvironment {
		env = os.Environ()
	} else if path, ok := os.LookupEnv("PATH"); ok {
		env = []string{"PATH=" + path}
	}
	for k, v := range cmd.Environment {
		env = append(env, k+"="+v)
	}
	c.Env = env

	return c
}

func emit(name string, r io.Reader, source events.SourceType, bus *events.Bus) error {
	buf := make([]byte, bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if emitErr := bus.Emit(events.Event{
				Kind:   events.ActionOutput,
				Name:   name,
				Source: source,
				Data:   data,
			}); emitErr != nil {
				return emitErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("command %q: reading output: %w", name, err)
		}
	}
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
