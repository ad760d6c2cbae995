package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the token matched no invite. Surfaced as 404 and
	// never retried.
	ErrNotFound = errors.New("invite not found")

	// ErrInvalidState means the operation is not valid for the invite's
	// current state, including racers that lost a concurrent start.
	ErrInvalidState = errors.New("operation not valid for current state")

	// ErrChallengeArchived blocks new invites against archived challenges.
	ErrChallengeArchived = errors.New("challenge is archived")
)

type DeadlineKind string

const (
	DeadlineStart    DeadlineKind = "start"
	DeadlineComplete DeadlineKind = "complete"
)

// ExpiredError reports which deadline lapsed so the candidate-facing surface
// can explain it.
type ExpiredError struct {
	Deadline DeadlineKind
}

func (e *ExpiredError) Error() string {
	if e.Deadline == DeadlineComplete {
		return "assessment window expired"
	}
	return "start window expired"
}

// ProviderError wraps a failed repository-provider call. Transient from the
// caller's perspective: safe to retry, never retried by the engine itself.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("repository provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
