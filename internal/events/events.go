// Package events defines the event model emitted by a workload run and the
// serializing sink that fans each event out to registered watchers.
package events

import "sync"

// SourceType distinguishes a command's standard output from its standard
// error stream.
type SourceType int

const (
	StdOut SourceType = iota
	StdErr
)

func (s SourceType) String() string {
	switch s {
	case StdOut:
		return "stdout"
	case StdErr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Kind tags the variant of an Event.
type Kind int

const (
	Changes Kind = iota
	ActionOutput
	ActionExit
	Success
	Failure
	Error
	Timeout
)

// Event is the tagged variant produced by a workload and its Command
// Runner invocations. Only the fields relevant to Kind are populated.
type Event struct {
	Kind Kind

	// Task identifies the task a workload-level event (Changes, Success,
	// Failure, Error) belongs to.
	Task string

	// Name identifies the command an per-command event (ActionOutput,
	// ActionExit, Timeout) belongs to. For Failure it is
	// "<task>|<commandName>" per spec.
	Name string

	PrevSHA string
	NewSHA  string

	Source SourceType
	Data   []byte

	ExitCode  int
	Succeeded bool

	Message string
}

// Watcher consumes an Event and reports success or a propagating error. A
// non-nil error short-circuits delivery of that event to any remaining
// watchers and propagates to the workload.
type Watcher func(Event) error

// Bus is the per-workload ordered list of watchers. Delivery of a single
// event to all watchers is serialized under a mutex so a watcher is never
// invoked concurrently with itself or with another watcher on the same
// workload instance.
type Bus struct {
	mu       sync.Mutex
	watchers []Watcher
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Watch registers a watcher, invoked in registration order for every
// subsequent emitted event.
func (b *Bus) Watch(w Watcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, w)
}

// Clone returns a new Bus holding a copy of the current watcher list and its
// own mutex. Watchers registered afterwards on either Bus are not seen by
// the other, and deliveries through the clone are serialized with each other
// but not with deliveries through the original.
func (b *Bus) Clone() *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	watchers := make([]Watcher, len(b.watchers))
	copy(watchers, b.watchers)
	return &Bus{watchers: watchers}
}

// Emit delivers event to every watcher in registration order under
// exclusive access. The first watcher error stops delivery and is returned.
func (b *Bus) Emit(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.watchers {
		if err := w(event); err != nil {
			return err
		}
	}
	return nil
}
