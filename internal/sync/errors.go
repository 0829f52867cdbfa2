package sync

import "errors"

var (
	// ErrSourceUnstable marks a file that changed between two
	// consecutive reads (mid-write). The file is skipped this pass
	// and retried on the next trigger; not logged as an error.
	ErrSourceUnstable = errors.New("source file unstable")

	// ErrSourceUnavailable marks a missing source path or foreign
	// database. Fatal to the current sync attempt, retried on the
	// next trigger.
	ErrSourceUnavailable = errors.New("source unavailable")
)
