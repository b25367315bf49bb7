// Package task implements the Scheduled Task: a named workload paired with
// its persisted State and at most one in-flight worker.
package task

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bittrance/kitops/internal/errs"
)

// State is a task's persisted progress: the commit id it last successfully
// advanced to, and when it is next due to run.
type State struct {
	NextRun    time.Time `yaml:"next_run"`
	CurrentSHA string    `yaml:"current_sha"`
}

// NewState returns the default State for a task that has never run.
func NewState() State {
	return State{NextRun: time.Now()}
}

// Perform runs one attempt of a task's workload against workDir, given the
// previously recorded commit id, and returns the commit id observed.
type Perform func(workDir, prevSHA string) (string, error)

type result struct {
	sha string
	err error
}

// ScheduledTask embeds a task's Perform function and mutable State, and
// tracks the at-most-one worker goroutine running it.
type ScheduledTask struct {
	id       string
	interval time.Duration
	perform  Perform

	mu       sync.Mutex
	state    State
	done     chan result
	active   bool
	finished bool
	result   result
}

// New constructs a ScheduledTask. State starts at its zero-run default;
// callers restoring persisted state should follow with SetState.
func New(id string, interval time.Duration, perform Perform) *ScheduledTask {
	return &ScheduledTask{
		id:       id,
		interval: interval,
		perform:  perform,
		state:    NewState(),
	}
}

// ID returns the task's name.
func (t *ScheduledTask) ID() string {
	return t.id
}

// IsEligible reports whether the task has no worker in flight and its
// next-run time has passed.
func (t *ScheduledTask) IsEligible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.active && !time.Now().Before(t.state.NextRun)
}

// IsRunning reports whether a worker is in flight and has not yet produced
// a result.
func (t *ScheduledTask) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	t.pollLocked()
	return !t.finished
}

// IsFinished reports whether a worker is in flight and has produced a
// result, pending Finalize.
func (t *ScheduledTask) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	t.pollLocked()
	return t.finished
}

// pollLocked checks t.done without consuming it more than once: the first
// observation caches the result and sets finished, so repeated IsRunning/
// IsFinished calls (and the eventual Finalize) all see the same outcome
// instead of racing to drain a one-shot channel.
func (t *ScheduledTask) pollLocked() {
	if t.finished {
		return
	}
	select {
	case res := <-t.done:
		t.result = res
		t.finished = true
	default:
	}
}

// ScheduleNext advances State.NextRun to now + interval.
func (t *ScheduledTask) ScheduleNext() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.NextRun = time.Now().Add(t.interval)
}

// Start creates a fresh temporary directory and spawns a worker goroutine
// running Perform against it. Errors creating the workdir surface
// immediately and are fatal.
func (t *ScheduledTask) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	workDir, err := os.MkdirTemp("", "kitops-"+t.id+"-")
	if err != nil {
		return fmt.Errorf("creating workdir for task %q: %w", t.id, err)
	}
	prevSHA := t.state.CurrentSHA
	perform := t.perform
	done := make(chan result, 1)
	t.done = done
	t.active = true
	t.finished = false
	t.result = result{}
	go func() {
		sha, err := perform(workDir, prevSHA)
		done <- result{sha: sha, err: err}
	}()
	return nil
}

// Finalize waits for the worker to produce a result (it must already be
// finished) and clears the worker handle. On success it advances
// State.CurrentSHA and reports succeeded=true; on a non-fatal error State
// is left unchanged and succeeded=false with a nil error; on a fatal error
// the error is returned for the caller to bubble out of the Supervisor.
func (t *ScheduledTask) Finalize() (succeeded bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pollLocked()
	if !t.finished {
		t.result = <-t.done
	}
	res := t.result
	t.active = false
	t.done = nil
	t.finished = false
	t.result = result{}
	if res.err == nil {
		t.state.CurrentSHA = res.sha
		return true, nil
	}
	if errs.IsFatal(res.err) {
		return false, res.err
	}
	return false, nil
}

// State returns a copy of the task's current State.
func (t *ScheduledTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState replaces State, then clamps NextRun so a restored next-run time
// further in the future than the configured interval allows can never push
// a run out past a shortened interval.
func (t *ScheduledTask) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	maxNextRun := time.Now().Add(t.interval)
	if t.state.NextRun.After(maxNextRun) {
		t.state.NextRun = maxNextRun
	}
}
