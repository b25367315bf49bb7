package cli

import (
	"fmt"
	"os"

	"github.com/bittrance/kitops/internal/events"
)

// ANSI escape codes for terminal colors
const (
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiDim    = "\033[2m"
	ansiReset  = "\033[0m"
)

// eventDisplay returns the symbol and color for a given event kind.
func eventDisplay(kind events.Kind) (symbol, color string) {
	switch kind {
	case events.Changes:
		return "◎", ansiYellow
	case events.ActionExit:
		return "⟳", ansiDim
	case events.Success:
		return "✓", ansiGreen
	case events.Failure:
		return "✗", ansiRed
	case events.Error:
		return "✗", ansiRed
	case events.Timeout:
		return "⏱", ansiRed
	default:
		return "·", ansiReset
	}
}

// logWatcher renders each event as a single colored line. ActionOutput
// bytes are written verbatim to the stream matching their SourceType; every
// other kind gets a one-line summary on stdout.
func logWatcher(e events.Event) error {
	if e.Kind == events.ActionOutput {
		w := os.Stdout
		if e.Source == events.StdErr {
			w = os.Stderr
		}
		_, err := w.Write(e.Data)
		return err
	}

	symbol, color := eventDisplay(e.Kind)
	line := fmt.Sprintf("%s%s%s %s", color, symbol, ansiReset, summarize(e))
	fmt.Println(line)
	return nil
}

func summarize(e events.Event) string {
	switch e.Kind {
	case events.Changes:
		return fmt.Sprintf("%s: %s -> %s", e.Task, short(e.PrevSHA), short(e.NewSHA))
	case events.ActionExit:
		status := "ok"
		if !e.Succeeded {
			status = fmt.Sprintf("exit %d", e.ExitCode)
		}
		return fmt.Sprintf("%s: %s", e.Name, status)
	case events.Success:
		return fmt.Sprintf("%s: success at %s", e.Task, short(e.NewSHA))
	case events.Failure:
		return fmt.Sprintf("%s: failed", e.Name)
	case events.Error:
		return fmt.Sprintf("%s: %s", e.Task, e.Message)
	case events.Timeout:
		return fmt.Sprintf("%s: timed out", e.Name)
	default:
		return ""
	}
}

func short(sha string) string {
	if sha == "" {
		return "<none>"
	}
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
