package ask

import (
	"time"
)

const (
	// minEditInterval suppresses partial updates arriving faster than
	// the chat platform tolerates edits.
	minEditInterval = 900 * time.Millisecond
	// burstWindow and burstEditLimit cap edit churn early in a
	// request: once the limit is hit inside the window, partials stop
	// for good and only the final answer is delivered.
	burstWindow    = 12 * time.Second
	burstEditLimit = 8
	// failureLimit stops surfacing partials after this many
	// consecutive delivery failures.
	failureLimit = 3
)

// Throttle carries the edit-policy state for one streaming request.
// Suppression only stops surfacing intermediate output; it never aborts
// the underlying completion.
type Throttle struct {
	now func() time.Time

	start        time.Time
	lastEdit     time.Time
	editsInBurst int
	failures     int
	suppressed   bool
}

// NewThrottle starts the edit policy for a request beginning now.
func NewThrottle() *Throttle {
	return newThrottle(time.Now)
}

func newThrottle(now func() time.Time) *Throttle {
	return &Throttle{now: now, start: now()}
}

// Offer reports whether a partial update may surface at this moment and
// charges it against the burst budget when it may.
func (t *Throttle) Offer() bool {
	if t.suppressed {
		return false
	}
	now := t.now()
	if !t.lastEdit.IsZero() && now.Sub(t.lastEdit) < minEditInterval {
		return false
	}
	t.lastEdit = now

	if now.Sub(t.start) < burstWindow {
		t.editsInBurst++
		if t.editsInBurst >= burstEditLimit {
			// This edit still goes out; everything after it is
			// suppressed for the rest of the request.
			t.suppressed = true
		}
	}
	return true
}

// ReportFailure records a failed partial delivery. Three consecutive
// failures suppress all further partials.
func (t *Throttle) ReportFailure() {
	t.failures++
	if t.failures >= failureLimit {
		t.suppressed = true
	}
}

// ReportSuccess resets the consecutive-failure count.
func (t *Throttle) ReportSuccess() {
	t.failures = 0
}

// Suppressed reports whether partial delivery has been permanently
// stopped for this request.
func (t *Throttle) Suppressed() bool {
	return t.suppressed
}
