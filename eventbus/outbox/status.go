package outbox

import "fmt"

// Status is an outbox entry lifecycle state.
type Status string

const (
	// StatusPending marks an entry waiting for its first claim.
	StatusPending Status = "PENDING"
	// StatusClaimed marks an entry held by one publisher instance under a
	// visibility timeout.
	StatusClaimed Status = "CLAIMED"
	// StatusSent marks an entry acknowledged by the broker. Terminal.
	StatusSent Status = "SENT"
	// StatusFailed marks an entry whose publish attempt failed. Retryable
	// until the attempt limit, then operator-visible and frozen.
	StatusFailed Status = "FAILED"
	// StatusRejected marks an entry the broker permanently refused. Terminal.
	StatusRejected Status = "REJECTED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusClaimed, StatusSent, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusClaimed
	case StatusClaimed:
		// CLAIMED -> CLAIMED covers re-claiming after an expired visibility
		// timeout (crashed publisher).
		return next == StatusClaimed || next == StatusSent || next == StatusFailed || next == StatusRejected
	case StatusFailed:
		return next == StatusClaimed
	case StatusSent, StatusRejected:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a raw status transition.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
