package handoff

// Status is the lifecycle state of a handoff.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusAccepted      Status = "ACCEPTED"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusInputRequired Status = "INPUT_REQUIRED"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusTimeout       Status = "TIMEOUT"
	StatusCancelled     Status = "CANCELLED"
	StatusRejected      Status = "REJECTED"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusAccepted,
	StatusInProgress,
	StatusInputRequired,
	StatusCompleted,
	StatusFailed,
	StatusTimeout,
	StatusCancelled,
	StatusRejected,
}

// transitions is the single source of truth for the lifecycle. A status with
// no entry has no outgoing edges. TIMEOUT is never a target: it exists only in
// a coordinator's local view of a handoff.
var transitions = map[Status][]Status{
	StatusPending:       {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted:      {StatusInProgress, StatusCancelled},
	StatusInProgress:    {StatusInputRequired, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInputRequired: {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
}

var terminal = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusTimeout:   true,
	StatusCancelled: true,
	StatusRejected:  true,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return terminal[s]
}

// CanTransitionTo reports whether the table holds an edge s -> target.
func (s Status) CanTransitionTo(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Targets returns the statuses reachable from s in one step.
func (s Status) Targets() []Status {
	if s.IsTerminal() {
		return nil
	}
	return append([]Status(nil), transitions[s]...)
}

// Reaches reports whether target is reachable from s in one or more steps.
func (s Status) Reaches(target Status) bool {
	seen := map[Status]bool{s: true}
	queue := s.Targets()
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == target {
			return true
		}
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, next.Targets()...)
	}
	return false
}

// Superseded reports whether current lies downstream of a status from which
// target would have been legal. A write toward target that finds current
// stored has lost a race rather than asked for an impossible edge.
func Superseded(current, target Status) bool {
	for _, src := range AllStatuses {
		if src.CanTransitionTo(target) && src.Reaches(current) {
			return true
		}
	}
	return false
}
