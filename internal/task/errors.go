package task

import "errors"

// Domain error sentinels. Components wrap these with context via %w; callers
// classify with errors.Is / Classify rather than string matching.
var (
	// ErrNotFound: the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost: the caller no longer holds a valid lease on the task --
	// it expired or was reclaimed. Transient: re-claim and retry.
	ErrLeaseLost = errors.New("lease lost")

	// ErrVersionConflict: an optimistic write lost the race. The caller must
	// re-read and retry or abandon; the write was not applied.
	ErrVersionConflict = errors.New("version conflict")

	// ErrKillSwitchActive: billed work is paused until a manual clear.
	ErrKillSwitchActive = errors.New("kill switch active")

	// ErrBreakerOpen: the dependency's circuit breaker is denying calls.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidTransition: the requested lifecycle transition is not in the
	// transition table. Never coerced; the caller must re-derive state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRetriesExhausted: the bounded retry budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ErrorClass buckets failures by how callers must react.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassTransient
	ClassResourceExhausted
	ClassInvariant
	ClassTerminal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassResourceExhausted:
		return "resource-exhausted"
	case ClassInvariant:
		return "invariant-violation"
	case ClassTerminal:
		return "terminal"
	}
	return "unknown"
}

// Classify maps an error to its taxonomy class. Only the orchestration loop
// turns a class into a phase transition.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrLeaseLost):
		return ClassTransient
	case errors.Is(err, ErrKillSwitchActive), errors.Is(err, ErrBreakerOpen):
		return ClassResourceExhausted
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInvalidTransition):
		return ClassInvariant
	case errors.Is(err, ErrRetriesExhausted), errors.Is(err, ErrNotFound):
		return ClassTerminal
	}
	return ClassUnknown
}
