package errs

import (
	"errors"
	"testing"
)

func TestIsFatalDistinguishesKind(t *testing.T) {
	fatal := Wrap(Fatal, errors.New("disk full"))
	nonFatal := Wrap(NonFatal, errors.New("transient"))

	if !IsFatal(fatal) {
		t.Fatal("expected Fatal-wrapped error to report fatal")
	}
	if IsFatal(nonFatal) {
		t.Fatal("expected NonFatal-wrapped error to not report fatal")
	}
	if IsFatal(errors.New("unclassified")) {
		t.Fatal("expected a plain error to not report fatal")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(Fatal, nil); err != nil {
		t.Fatalf("expected Wrap(kind, nil) to return nil, got %v", err)
	}
}

func TestClassifiedUnwrap(t *testing.T) {
	inner := errors.New("boom")
	wrapped := Wrap(NonFatal, inner)

	if !errors.Is(wrapped, inner) {
		t.Fatal("expected errors.Is to see through Classified to the inner error")
	}
}

func TestActionFailedError(t *testing.T) {
	err := &ActionFailed{Task: "ze-task", Command: "ze-task|ze-action"}
	want := `task "ze-task": command "ze-task|ze-action" failed`
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
