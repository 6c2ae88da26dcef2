package domain

// Status is the lifecycle state of a newsletter task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTriggered Status = "triggered"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions maps each status to the statuses reachable from it.
// Terminal statuses have no entries.
var transitions = map[Status][]Status{
	StatusPending:   {StatusTriggered, StatusCancelled},
	StatusTriggered: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
}

// LegacyStatuses maps status values from the old vocabulary to the
// current one. Rows carrying these must be remapped before the status
// constraint can be enforced.
var LegacyStatuses = map[string]Status{
	"sent":       StatusTriggered,
	"processing": StatusRunning,
}

// AllStatuses lists the current vocabulary in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusTriggered, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
}

// ValidStatus reports whether s is a member of the current vocabulary.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusTriggered, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is legal from s.
func Terminal(s Status) bool {
	return ValidStatus(s) && len(transitions[s]) == 0
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
