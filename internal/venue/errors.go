package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors shared by every adapter implementation. Callers match with
// errors.Is; adapters wrap venue-specific detail around them.
var (
	// ErrPostOnlyReject means a post-only limit would have crossed the book.
	// Expected during limit chasing; never counted against retry budgets.
	ErrPostOnlyReject = errors.New("post-only order would cross")

	// ErrUnsupported means the venue cannot perform the operation
	// (e.g. account leverage on a cross-margin venue).
	ErrUnsupported = errors.New("operation unsupported by venue")

	// ErrOrderNotFound means the venue does not know the order ID.
	// Cancel treats it as success.
	ErrOrderNotFound = errors.New("order not found")

	// ErrStaleQuote means the cached ticker is too old and the refresh failed.
	ErrStaleQuote = errors.New("stale quote")

	// ErrAuth means the venue rejected our credentials. Never retried:
	// a bad key stays bad until the operator rotates it.
	ErrAuth = errors.New("authentication failed")
)

// TransientError wraps a recoverable venue failure (timeout, 5xx,
// rate-limit). Bounded retry with backoff is the expected response.
type TransientError struct {
	Venue string
	Op    string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: %v (transient)", e.Venue, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is raised when transient failures exhaust their budget or
// the venue circuit opens. Callers stop retrying and surface it.
type PermanentError struct {
	Venue    string
	Op       string
	Failures int
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %s: %v (permanent after %d failures)", e.Venue, e.Op, e.Err, e.Failures)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// postOnlyMessages are the reject strings real venues return for post-only
// violations. Matched as substrings because not every adapter wraps the
// sentinel.
var postOnlyMessages = []string{
	"postOnly",
	"POST_ONLY",
	"post only",
	"would execute immediately",
	"immediate execution",
	"51020",  // OKX: order failed due to post-only rule
	"170193", // Bybit: buy price higher than best ask
	"170194", // Bybit: sell price lower than best bid
}

// IsPostOnlyReject reports whether err is a post-only rejection, either via
// the sentinel or a known venue message.
func IsPostOnlyReject(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPostOnlyReject) {
		return true
	}
	msg := err.Error()
	for _, m := range postOnlyMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// transientMessages are venue responses worth retrying.
var transientMessages = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"service unavailable",
}

// IsTransient reports whether err is worth retrying. Context cancellation is
// never transient: the caller asked to stop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// IsUnsupported reports whether err means the venue cannot do the operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsNotFound reports whether err means the order is unknown to the venue.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsStaleQuote reports whether err means no fresh ticker could be obtained.
func IsStaleQuote(err error) bool {
	return errors.Is(err, ErrStaleQuote)
}

// IsAuth reports whether err means the venue rejected our credentials.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}
