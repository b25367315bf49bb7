// Package workload implements the end-to-end attempt for a single task:
// resolve an authenticated URL, ensure the worktree is current, and (if its
// tip commit moved) run the task's configured commands against it.
package workload

import (
	"fmt"
	"os"
	"time"

	"github.com/bittrance/kitops/internal/command"
	"github.com/bittrance/kitops/internal/config"
	"github.com/bittrance/kitops/internal/errs"
	"github.com/bittrance/kitops/internal/events"
	"github.com/bittrance/kitops/internal/git"
	"github.com/bittrance/kitops/internal/urlprovider"
)

const (
	envSHA               = "KITOPS_SHA"
	envLastSuccessfulSHA = "KITOPS_LAST_SUCCESSFUL_SHA"
)

// Workload is a single task's run configuration: everything needed to
// drive one Perform call.
type Workload struct {
	TaskName string
	Commands []config.Command
	Branch   string
	Timeout  time.Duration
	Provider urlprovider.Provider
	RepoDir  string
	Gateway  *git.Gateway
	Bus      *events.Bus
}

// New constructs a Workload for task, using gateway for Git operations and
// repoDir as the directory holding this task's local mirror.
func New(task config.Task, provider urlprovider.Provider, repoDir string, gateway *git.Gateway, bus *events.Bus) *Workload {
	return &Workload{
		TaskName: task.Name,
		Commands: task.Commands,
		Branch:   task.Git.Branch,
		Timeout:  task.Timeout.Duration(),
		Provider: provider,
		RepoDir:  repoDir,
		Gateway:  gateway,
		Bus:      bus,
	}
}

// Perform runs one attempt against workDir, given the previously recorded
// commit id, and returns the commit id observed this run. A returned error
// is classified via errs: an ActionFailed or Git/provider/command error is
// non-fatal (the task is simply not advanced); work-directory errors are
// fatal.
func (w *Workload) Perform(workDir string, prevSHA string) (string, error) {
	deadline := time.Now().Add(w.Timeout)

	authURL, err := w.Provider.AuthURL()
	if err != nil {
		return "", errs.Wrap(errs.NonFatal, fmt.Errorf("resolving auth url: %w", err))
	}

	newSHA, err := w.Gateway.EnsureWorktree(authURL, w.Branch, deadline, w.RepoDir, workDir)
	if err != nil {
		return "", errs.Wrap(errs.NonFatal, fmt.Errorf("ensuring worktree: %w", err))
	}

	if newSHA == prevSHA {
		if err := os.RemoveAll(workDir); err != nil {
			return "", errs.Wrap(errs.Fatal, fmt.Errorf("removing workdir: %w", err))
		}
		return newSHA, nil
	}

	commands := injectEnv(w.Commands, newSHA, prevSHA)

	if err := w.Bus.Emit(events.Event{
		Kind:    events.Changes,
		Task:    w.TaskName,
		PrevSHA: prevSHA,
		NewSHA:  newSHA,
	}); err != nil {
		return "", errs.Wrap(errs.NonFatal, fmt.Errorf("notifying watchers: %w", err))
	}

	failedName, runErr := w.runCommands(commands, workDir, deadline)
	if runErr != nil {
		if emitErr := w.Bus.Emit(events.Event{
			Kind:    events.Error,
			Task:    w.TaskName,
			NewSHA:  newSHA,
			Message: runErr.Error(),
		}); emitErr != nil {
			return "", errs.Wrap(errs.NonFatal, fmt.Errorf("notifying watchers: %w", emitErr))
		}
		return "", errs.Wrap(errs.NonFatal, runErr)
	}
	if failedName != "" {
		if err := w.Bus.Emit(events.Event{
			Kind:   events.Failure,
			Task:   w.TaskName,
			Name:   failedName,
			NewSHA: newSHA,
		}); err != nil {
			return "", errs.Wrap(errs.NonFatal, fmt.Errorf("notifying watchers: %w", err))
		}
		return "", errs.Wrap(errs.NonFatal, &errs.ActionFailed{Task: w.TaskName, Command: failedName})
	}

	if err := w.Bus.Emit(events.Event{
		Kind:   events.Success,
		Task:   w.TaskName,
		NewSHA: newSHA,
	}); err != nil {
		return "", errs.Wrap(errs.NonFatal, fmt.Errorf("notifying watchers: %w", err))
	}

	if err := os.RemoveAll(workDir); err != nil {
		return "", errs.Wrap(errs.Fatal, fmt.Errorf("removing workdir: %w", err))
	}

	return newSHA, nil
}

// runCommands runs commands in order, stopping at the first non-Success
// result. It returns the qualified "<task>|<commandName>" of the command
// that failed (empty if all succeeded), or an error if a command could not
// be run at all.
func (w *Workload) runCommands(commands []config.Command, workDir string, deadline time.Time) (string, error) {
	for _, cmd := range commands {
		qualifiedName := w.TaskName + "|" + cmd.Name
		res, err := command.Run(cmd, qualifiedName, workDir, deadline, w.Bus)
		if err != nil {
			return "", fmt.Errorf("running command %q: %w", qualifiedName, err)
		}
		if res != command.Success {
			return qualifiedName, nil
		}
	}
	return "", nil
}

// injectEnv overlays KITOPS_SHA/KITOPS_LAST_SUCCESSFUL_SHA onto each
// command's configured environment, taking precedence over any
// same-named variable the task author set explicitly.
func injectEnv(commands []config.Command, newSHA, prevSHA string) []config.Command {
	out := make([]config.Command, len(commands))
	for i, cmd := range commands {
		env := make(map[string]string, len(cmd.Environment)+2)
		for k, v := range cmd.Environment {
			env[k] = v
		}
		env[envSHA] = newSHA
		env[envLastSuccessfulSHA] = prevSHA
		cmd.Environment = env
		out[i] = cmd
	}
	return out
}
