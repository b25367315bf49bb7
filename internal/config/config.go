// Package config loads and validates the task list kitops acts on, from
// either a YAML file or a handful of single-task CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling from human-readable
// strings like "1h", "30m" or "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

const (
	DefaultBranch   = "main"
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 3600 * time.Second
	DefaultContext  = "kitops"
)

// File is the top-level shape of a --config-file document.
type File struct {
	Tasks []Task `yaml:"tasks"`
}

// Task is one unit of work: a Git repo + branch + ordered commands + cadence.
type Task struct {
	Name     string    `yaml:"name"`
	Git      Git       `yaml:"git"`
	GitHub   *GitHub   `yaml:"github,omitempty"`
	Commands []Command `yaml:"actions"`
	Interval Duration  `yaml:"interval,omitempty"`
	Timeout  Duration  `yaml:"timeout,omitempty"`
}

// Git identifies the repository and branch a task watches.
type Git struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch,omitempty"`
}

// GitHub enables hosted-provider authentication and, optionally, commit
// status push for a task.
type GitHub struct {
	AppID          string `yaml:"app_id"`
	PrivateKeyFile string `yaml:"private_key_file"`
	StatusContext  string `yaml:"status_context,omitempty"`
}

// Command is one external command executed, in order, against the fresh
// checkout when a task's watched branch advances.
type Command struct {
	Name               string            `yaml:"name"`
	Entrypoint         string            `yaml:"entrypoint"`
	Args               []string          `yaml:"args,omitempty"`
	Environment        map[string]string `yaml:"environment,omitempty"`
	InheritEnvironment bool              `yaml:"inherit_environment,omitempty"`
}

// Load reads and parses a config file, applying defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses config file bytes, applying defaults.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	for i := range f.Tasks {
		applyDefaults(&f.Tasks[i])
	}
	return &f, nil
}

func applyDefaults(t *Task) {
	if t.Git.Branch == "" {
		t.Git.Branch = DefaultBranch
	}
	if t.Interval == 0 {
		t.Interval = Duration(DefaultInterval)
	}
	if t.Timeout == 0 {
		t.Timeout = Duration(DefaultTimeout)
	}
	if t.GitHub != nil && t.GitHub.StatusContext == "" {
		t.GitHub.StatusContext = DefaultContext
	}
}

// Validate checks structural invariants across the whole task list and
// returns every violation found (not just the first).
func Validate(f *File) []error {
	var errs []error

	if len(f.Tasks) == 0 {
		errs = append(errs, fmt.Errorf("at least one task is required"))
	}

	names := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		errs = append(errs, validateTask(i, t, names)...)
	}
	return errs
}

func validateTask(i int, t Task, names map[string]bool) []error {
	var errs []error

	if t.Name == "" {
		errs = append(errs, fmt.Errorf("tasks[%d]: name is required", i))
	} else if names[t.Name] {
		errs = append(errs, fmt.Errorf("tasks[%d]: duplicate name %q", i, t.Name))
	} else {
		names[t.Name] = true
	}

	if t.Git.URL == "" {
		errs = append(errs, fmt.Errorf("tasks[%d] (%s): git.url is required", i, t.Name))
	}

	if t.Interval.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("tasks[%d] (%s): interval must be > 0", i, t.Name))
	}
	if t.Timeout.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("tasks[%d] (%s): timeout must be > 0", i, t.Name))
	}

	if len(t.Commands) == 0 {
		errs = append(errs, fmt.Errorf("tasks[%d] (%s): at least one action is required", i, t.Name))
	}
	cmdNames := make(map[string]bool, len(t.Commands))
	for j, c := range t.Commands {
		if c.Entrypoint == "" {
			errs = append(errs, fmt.Errorf("tasks[%d] (%s) actions[%d]: entrypoint is required", i, t.Name, j))
		}
		if c.Name != "" {
			if cmdNames[c.Name] {
				errs = append(errs, fmt.Errorf("tasks[%d] (%s) actions[%d]: duplicate name %q", i, t.Name, j, c.Name))
			}
			cmdNames[c.Name] = true
		}
	}

	if t.GitHub != nil {
		if t.GitHub.AppID == "" || t.GitHub.PrivateKeyFile == "" {
			errs = append(errs, fmt.Errorf("tasks[%d] (%s): github.app_id and github.private_key_file are both required", i, t.Name))
		}
	}

	return errs
}
