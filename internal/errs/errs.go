// Package errs defines the error kinds the update cycle distinguishes.
// Callers classify failures with errors.Is against these sentinels; the
// orchestrator switches on kind to decide whether a cycle is salvageable.
package errs

import "errors"

var (
	// ErrConfig marks missing or invalid settings or environment. Fatal
	// before any I/O happens.
	ErrConfig = errors.New("config error")

	// ErrAuth marks a failed token refresh or bootstrap.
	ErrAuth = errors.New("auth error")

	// ErrTransientFetch marks a retryable HTTP or transport failure. It is
	// normally absorbed by the ingest client's retry policy and only
	// escapes when the retry budget is exhausted.
	ErrTransientFetch = errors.New("transient fetch error")

	// ErrPermanentFetch marks a non-retryable upstream response (4xx other
	// than 429) or an exhausted error budget. Fatal for the cycle.
	ErrPermanentFetch = errors.New("permanent fetch error")

	// ErrValidation marks a failed replica freshness check after re-sync.
	ErrValidation = errors.New("validation error")

	// ErrUpsert marks a row-count invariant violation or SQL failure. The
	// enclosing transaction has been rolled back.
	ErrUpsert = errors.New("upsert error")

	// ErrData marks unresolved names, unknown aliases, or parse failures.
	// Reported to the caller without corrupting persistent state.
	ErrData = errors.New("data error")
)

// Fatal reports whether err should terminate the cycle immediately rather
// than be retried.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfig) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrPermanentFetch) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUpsert)
}

// ExitCode maps an error to the process exit status: 0 success, 1 for
// configuration and validation failures, 2 for runtime failures.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig), errors.Is(err, ErrValidation), errors.Is(err, ErrData):
		return 1
	default:
		return 2
	}
}
