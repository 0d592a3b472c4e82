package app

import "errors"

// ErrRestart signals that the current run must unwind and be retried from
// scratch (device open/grab or I/O error, X protocol/IO error), counted
// against the 10-attempt retry budget described in spec.md §7. ErrFatal
// signals that retrying would not help (no X connection, config parse
// error) and the process should exit nonzero immediately. Both replace
// the original's process-wide error flag plus setjmp/longjmp escape.
var (
	ErrRestart = errors.New("app: restart required")
	ErrFatal   = errors.New("app: fatal error")
)
