// Package supervisor drives a set of Scheduled Tasks with a single
// decision loop: at most one task starts or finalizes per tick, with
// persistence happening immediately after start so a crash never causes a
// tight re-run loop.
package supervisor

import (
	"time"

	"github.com/bittrance/kitops/internal/statestore"
	"github.com/bittrance/kitops/internal/task"
)

// Progress is the outcome of one Tick.
type Progress int

const (
	Running Progress = iota
	Idle
)

// Supervisor owns a fixed task set and the store their State is persisted
// to. It runs on a single goroutine: it is the sole mutator of task
// status/state.
type Supervisor struct {
	tasks []*task.ScheduledTask
	store *statestore.Store
}

// New constructs a Supervisor over tasks, restoring each task's State from
// store when present.
func New(tasks []*task.ScheduledTask, store *statestore.Store) *Supervisor {
	s := &Supervisor{tasks: tasks, store: store}
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID()] = true
		if st, ok := store.Get(t.ID()); ok {
			t.SetState(st)
		}
	}
	store.Retain(ids)
	return s
}

// Tick runs one decision: start the first eligible task, else finalize the
// first finished task, else report Running if anything is still running,
// else report Idle. Tie-breaks between candidates are by slice position.
func (s *Supervisor) Tick() (Progress, error) {
	for _, t := range s.tasks {
		if t.IsEligible() {
			if err := t.Start(); err != nil {
				return Idle, err
			}
			t.ScheduleNext()
			if err := s.store.Persist(t.ID(), t.State()); err != nil {
				return Idle, err
			}
			return Running, nil
		}
	}

	for _, t := range s.tasks {
		if t.IsFinished() {
			succeeded, err := t.Finalize()
			if err != nil {
				return Idle, err
			}
			if succeeded {
				if err := s.store.Persist(t.ID(), t.State()); err != nil {
					return Idle, err
				}
			}
			return Running, nil
		}
	}

	for _, t := range s.tasks {
		if t.IsRunning() {
			return Running, nil
		}
	}

	return Idle, nil
}

// Run drives Tick in a loop, sleeping pollInterval after every Idle result
// unless onceOnly is set, in which case it returns on the first Idle.
func (s *Supervisor) Run(onceOnly bool, pollInterval time.Duration) error {
	for {
		progress, err := s.Tick()
		if err != nil {
			return err
		}
		if progress == Idle {
			if onceOnly {
				return nil
			}
			time.Sleep(pollInterval)
		}
	}
}
