package scheduler

import "errors"

// Sentinel errors shared across subsystems. Wrap them with fmt.Errorf("...: %w").
var (
	// ErrValidation marks malformed client input. It never reaches the queue.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownSpider marks a spider type that is not configured.
	ErrUnknownSpider = errors.New("unknown spider type")
	// ErrStorage marks durable store I/O failures.
	ErrStorage = errors.New("storage failure")
	// ErrBackendUnavailable marks RPC timeouts, transport errors and non-2xx replies.
	ErrBackendUnavailable = errors.New("execution backend unavailable")
	// ErrDispatchRejected marks an explicit refusal of a submit by the backend.
	ErrDispatchRejected = errors.New("dispatch rejected")
	// ErrNotFound marks a missing ledger row or queue entry.
	ErrNotFound = errors.New("not found")
)
