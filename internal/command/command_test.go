package command

import (
	"os"
	"testing"
	"time"

	"github.com/bittrance/kitops/internal/config"
	"github.com/bittrance/kitops/internal/events"
	"github.com/bittrance/kitops/internal/watchdog"
)

func shellCommand(name, script string) config.Command {
	return config.Command{
		Name:       name,
		Entrypoint: "/bin/sh",
		Args:       []string{"-c", script},
	}
}

func collect(t *testing.T) (*events.Bus, func() []events.Event) {
	t.Helper()
	bus := events.NewBus()
	var got []events.Event
	bus.Watch(func(e events.Event) error {
		got = append(got, e)
		return nil
	})
	return bus, func() []events.Event { return got }
}

func TestRunSuccess(t *testing.T) {
	bus, collected := collect(t)
	cwd := t.TempDir()
	res, err := Run(shellCommand("greet", "echo hello"), "ze-task|greet", cwd, time.Now().Add(5*time.Second), bus)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Success {
		t.Fatalf("expected Success, got %v", res)
	}
	var sawOutput, sawExit bool
	for _, e := range collected() {
		if e.Name != "ze-task|greet" {
			t.Errorf("expected events tagged with the qualified display name, got %q", e.Name)
		}
		switch e.Kind {
		case events.ActionOutput:
			sawOutput = true
			if string(e.Data) != "hello\n" {
				t.Errorf("unexpected output: %q", e.Data)
			}
		case events.ActionExit:
			sawExit = true
			if !e.Succeeded || e.ExitCode != 0 {
				t.Errorf("expected successful exit 0, got succeeded=%v code=%d", e.Succeeded, e.ExitCode)
			}
		}
	}
	if !sawOutput || !sawExit {
		t.Errorf("expected both output and exit events, got %+v", collected())
	}
}

func TestRunFailure(t *testing.T) {
	bus, collected := collect(t)
	cwd := t.TempDir()
	res, err := Run(shellCommand("fail", "exit 3"), "ze-task|fail", cwd, time.Now().Add(5*time.Second), bus)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Failure {
		t.Fatalf("expected Failure, got %v", res)
	}
	for _, e := range collected() {
		if e.Kind == events.ActionExit && (e.Succeeded || e.ExitCode != 3) {
			t.Errorf("expected exit code 3 failure, got succeeded=%v code=%d", e.Succeeded, e.ExitCode)
		}
	}
}

func TestRunTimeout(t *testing.T) {
	orig := watchdog.PollInterval
	watchdog.PollInterval = time.Millisecond
	defer func() { watchdog.PollInterval = orig }()

	bus, collected := collect(t)
	cwd := t.TempDir()
	res, err := Run(shellCommand("slow", "sleep 5"), "ze-task|slow", cwd, time.Now().Add(10*time.Millisecond), bus)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Failure {
		t.Fatalf("expected Failure on timeout, got %v", res)
	}
	var sawTimeout bool
	for _, e := range collected() {
		if e.Kind == events.Timeout {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Errorf("expected a Timeout event, got %+v", collected())
	}
}

func TestBuildCommandEnvironmentIsolation(t *testing.T) {
	os.Setenv("KITOPS_TEST_AMBIENT", "leaked")
	defer os.Unsetenv("KITOPS_TEST_AMBIENT")

	cwd := t.TempDir()
	bus := events.NewBus()
	var output string
	bus.Watch(func(e events.Event) error {
		if e.Kind == events.ActionOutput {
			output += string(e.Data)
		}
		return nil
	})
	cmd := shellCommand("env", "echo -n \"$KITOPS_TEST_AMBIENT\"")
	if _, err := Run(cmd, "ze-task|env", cwd, time.Now().Add(5*time.Second), bus); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != "" {
		t.Errorf("expected ambient env to be cleared, got %q", output)
	}

	cmd.InheritEnvironment = true
	bus2 := events.NewBus()
	var output2 string
	bus2.Watch(func(e events.Event) error {
		if e.Kind == events.ActionOutput {
			output2 += string(e.Data)
		}
		return nil
	})
	if _, err := Run(cmd, "ze-task|env", cwd, time.Now().Add(5*time.Second), bus2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output2 != "leaked" {
		t.Errorf("expected inherited env to be visible, got %q", output2)
	}
}
