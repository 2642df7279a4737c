package email

import "fmt"

// Status is the delivery state of an email record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusScheduled,
	StatusQueued,
	StatusProcessing,
	StatusSent,
	StatusFailed,
	StatusCancelled,
}

// transitions maps a status to the statuses it may legally move to.
var transitions = map[Status][]Status{
	StatusPending:    {StatusScheduled, StatusQueued, StatusProcessing, StatusFailed, StatusCancelled},
	StatusScheduled:  {StatusQueued, StatusProcessing, StatusFailed, StatusCancelled, StatusScheduled},
	StatusQueued:     {StatusProcessing, StatusQueued, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusSent, StatusQueued, StatusFailed, StatusProcessing},
	StatusFailed:     {StatusPending, StatusScheduled},
}

// ParseStatus validates s and returns it as a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown email status %q", s)
}

// IsTerminal reports whether no further delivery work is expected for the
// status. The consumer treats terminal records as absorbing and never sends
// them again, whatever the queue message says.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a record in this status may still be cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusScheduled || s == StatusQueued
}

// Editable reports whether the API may change recipients, subject or schedule.
func (s Status) Editable() bool {
	return s == StatusPending || s == StatusScheduled || s == StatusFailed
}

// CanTransition reports whether moving a record from one status to another is
// allowed by the delivery state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns the statuses that may move to to, in lifecycle order.
func Sources(to Status) []Status {
	var from []Status
	for _, st := range AllStatuses {
		if CanTransition(st, to) {
			from = append(from, st)
		}
	}
	return from
}
