package model

import "errors"

// Error kinds shared across the pipeline. Components wrap these with
// context via fmt.Errorf("...: %w", ...) and callers test errors.Is.
var (
	// ErrContractViolation marks a signal that claims confirm=true
	// without having passed all gates, or an order derived from one.
	// It is fatal and never recovered.
	ErrContractViolation = errors.New("signal contract violation")

	// ErrConfigInvalid marks a configuration that fails validation.
	// Fatal at startup; the CLI maps it to exit code 2.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrSourceMissing is returned by the reader when no layer has any
	// file inside the requested window.
	ErrSourceMissing = errors.New("source missing")

	// ErrCorruptRow marks an unparsable record. The row is dropped and
	// counted; the stream continues.
	ErrCorruptRow = errors.New("corrupt row")

	// ErrSinkWriteFailed marks an exhausted sink write; the signal is
	// routed to the deadletter log and the stream continues.
	ErrSinkWriteFailed = errors.New("sink write failed")
)
