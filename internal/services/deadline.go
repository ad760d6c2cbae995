package services

import "time"

// Deadline policy. Pure time arithmetic, no I/O, so the timing rules stay
// independently testable.

func StartDeadline(invitedAt time.Time, startWindowHours int) time.Time {
	return invitedAt.Add(time.Duration(startWindowHours) * time.Hour)
}

func CompleteDeadline(startedAt time.Time, completeWindowHours int) time.Time {
	return startedAt.Add(time.Duration(completeWindowHours) * time.Hour)
}

// Expired treats the deadline as exclusive: at the exact deadline instant the
// candidate is still within the window.
func Expired(now, deadline time.Time) bool {
	return now.After(deadline)
}
