package reconcile

import (
	"strings"

	"golang.org/x/oauth2"
)

// State names a step of the login reconciliation state machine.
type State int

const (
	// StateAnonymous sources the count from the guest cart.
	StateAnonymous State = iota
	// StateTransitioning is entered once per absent to present identity flip while the
	// authenticated cart is fetched.
	StateTransitioning
	// StateAwaitingDecision holds a conflict until the user picks a merge action.
	StateAwaitingDecision
	// StateAuthenticated sources the count from the server; the guest cart is empty.
	StateAuthenticated
	// StateDegraded is entered when the transition could not reach the server. The count
	// falls back to the guest cart until the next identity change.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateTransitioning:
		return "transitioning"
	case StateAwaitingDecision:
		return "awaiting_decision"
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Identity is the authenticated principal observed by the reconciler. The zero value means
// signed out.
type Identity struct {
	UID    string
	Tokens oauth2.TokenSource
}

// Present reports whether the identity names a signed-in user.
func (i Identity) Present() bool {
	return strings.TrimSpace(i.UID) != ""
}

// Conflict is surfaced while awaiting a decision. Counts are numbers of lines.
type Conflict struct {
	SavedCount int
	GuestCount int
}

// Snapshot is an immutable view of the reconciler published to subscribers.
type Snapshot struct {
	State    State
	UID      string
	Count    int
	Conflict *Conflict
	// Err is the last merge failure while awaiting a decision, or the fetch failure that
	// caused StateDegraded.
	Err error
}
