package aggregator

import (
	"errors"
	"fmt"
)

// Predefined errors for fallback orchestration.
var (
	// ErrAllSourcesExhausted is returned when every candidate failed and no
	// per-source error was captured.
	ErrAllSourcesExhausted = errors.New("all sources failed")

	// ErrUnknownSource is returned for manual operations naming a source
	// that is not configured.
	ErrUnknownSource = errors.New("unknown source")
)

// SourceError is the tagged outcome of one failed attempt against one
// source. The terminal SourceError of a fallback chain is what callers see.
type SourceError struct {
	Source  string
	Op      string
	Timeout bool
	Err     error
}

func (e *SourceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: %s timed out", e.Source, e.Op)
	}
	return fmt.Sprintf("%s: %s failed: %v", e.Source, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}
