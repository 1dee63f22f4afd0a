// Package ask implements the question-answering pipeline: admission
// control, conversational context, and the streaming answer
// orchestrator.
package ask

import (
	"errors"
	"sync"
)

// Admission rejection reasons.
var (
	ErrUserLimit   = errors.New("per-user concurrency limit exceeded")
	ErrGlobalLimit = errors.New("global concurrency limit exceeded")
)

// Admission gates how many answer pipelines a single user, and the
// system overall, may run at once. Constructed once per process and
// passed to request handlers.
type Admission struct {
	userLimit   int
	globalLimit int

	mu      sync.Mutex
	perUser map[string]int
	global  int
}

// NewAdmission creates an admission controller with the given ceilings.
func NewAdmission(userLimit, globalLimit int) *Admission {
	return &Admission{
		userLimit:   userLimit,
		globalLimit: globalLimit,
		perUser:     make(map[string]int),
	}
}

// Acquire reserves one pipeline slot for the user. The per-user ceiling
// is checked before the global one, so a user at their own limit is
// rejected regardless of global capacity. The returned ticket must be
// released exactly once, on every path.
func (a *Admission) Acquire(userID string) (*Ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.perUser[userID] >= a.userLimit {
		return nil, ErrUserLimit
	}
	if a.global >= a.globalLimit {
		return nil, ErrGlobalLimit
	}

	a.perUser[userID]++
	a.global++
	return &Ticket{admission: a, userID: userID}, nil
}

// Stats reports the number of users with active requests and the global
// active count.
func (a *Admission) Stats() (users, global int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.perUser), a.global
}

// Ticket is the capability representing permission to run one pipeline
// instance.
type Ticket struct {
	admission *Admission
	userID    string
	once      sync.Once
}

// Release returns the slot. Safe to call more than once; only the first
// call decrements.
func (t *Ticket) Release() {
	t.once.Do(func() {
		a := t.admission
		a.mu.Lock()
		defer a.mu.Unlock()

		if count := a.perUser[t.userID]; count <= 1 {
			delete(a.perUser, t.userID)
		} else {
			a.perUser[t.userID] = count - 1
		}
		if a.global > 0 {
			a.global--
		}
	})
}
