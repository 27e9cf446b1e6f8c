package graphstore

import (
	"context"
	"fmt"
	"strings"
)

// Mode selects where a unit of write work executes.
type Mode string

const (
	// ModeWriterClosure runs the work on a fresh writer Context created and
	// closed by the store.
	ModeWriterClosure Mode = "writer-closure"
	// ModeWriterNamed runs the work on a writer Context the caller names.
	ModeWriterNamed Mode = "writer-named"
	// ModeMainLine runs the work on the main Context.
	ModeMainLine Mode = "main-line"
)

// Modes lists every execution mode.
func Modes() []Mode {
	return []Mode{ModeWriterClosure, ModeWriterNamed, ModeMainLine}
}

// ParseMode parses a mode name, ignoring case and surrounding space.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeWriterClosure, ModeWriterNamed, ModeMainLine:
		return m, nil
	default:
		return "", fmt.Errorf("graphstore: unknown mode %q (want writer-closure, writer-named or main-line)", s)
	}
}

func (m Mode) String() string {
	return string(m)
}

// Run executes fn in mode and waits for it to finish. name labels the writer
// Context in ModeWriterNamed and is ignored otherwise. Work done in a writer
// mode reaches the main Context through a merge; Run does not wait for it.
func (s *Store) Run(ctx context.Context, mode Mode, name string, fn func(*Session) error) error {
	switch mode {
	case ModeWriterClosure:
		return s.PerformBackgroundTask(ctx, fn).Wait(ctx)
	case ModeWriterNamed:
		w := s.NewWriterContext(name)
		defer func() { _ = w.Close(context.Background()) }()
		return w.Perform(ctx, fn).Wait(ctx)
	case ModeMainLine:
		return s.main.PerformAndWait(ctx, fn)
	default:
		return fmt.Errorf("graphstore: unknown mode %q", mode)
	}
}
