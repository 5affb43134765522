package engine

import "errors"

var (
	// ErrNoAssembler is returned by Save when the orchestrator was built
	// without a draft assembler.
	ErrNoAssembler = errors.New("engine: no draft assembler configured")

	// ErrNoConflicts is returned by Resolve when no step awaits a
	// resolution.
	ErrNoConflicts = errors.New("engine: no pending conflicts")

	// ErrEmptyResolution is returned by Resolve when the resolution map
	// names no step.
	ErrEmptyResolution = errors.New("engine: resolution map is empty")
)
