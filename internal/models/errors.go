package models

import "errors"

// Error taxonomy shared by the simulation components. Wrap with %w and
// classify with errors.Is.
var (
	// ErrDataGap marks route or stop data too thin to build a path.
	ErrDataGap = errors.New("insufficient route data")
	// ErrTransientIO marks a failed store or transport call.
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrConfigInvalid marks malformed intervals or bounds.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrExhaustedRetries marks a capped retry loop that gave up.
	ErrExhaustedRetries = errors.New("retries exhausted")
)
