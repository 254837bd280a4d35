package models

import "fmt"

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusError:      true,
		StatusExpired:    true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusRetrying:   true,
		StatusReady:      true,
		StatusError:      true,
		StatusExpired:    true,
	},
	StatusRetrying: {
		StatusRetrying:   true,
		StatusProcessing: true,
		StatusError:      true,
		StatusExpired:    true,
	},
	StatusReady: {
		StatusReady:   true,
		StatusExpired: true,
	},
	StatusError: {
		StatusError:   true,
		StatusExpired: true,
	},
	StatusExpired: {
		StatusExpired: true,
	},
}

// IsKnownStatus reports whether status is part of the job state machine.
func IsKnownStatus(status JobStatus) bool {
	_, ok := allowedTransitions[status]
	return ok
}

// CanTransition reports whether a job may move from one status to another.
// Self-transitions are allowed so progress-only updates pass through.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ValidateTransition returns an error describing an illegal transition.
func ValidateTransition(jobID string, from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", from, to, jobID)
	}
	return nil
}
