package domain

import (
	"errors"
	"time"
)

var (
	ErrLockHeld      = errors.New("lock is held by another owner")
	ErrLockNotHeld   = errors.New("lock is not held by this owner")
	ErrLockNotFound  = errors.New("lock not found")
)

// Lock is a leased, symbolic mutual-exclusion key backed by C1. It is used
// for schedule-dispatcher primary election (key "scheduler.primary"). No
// per-run lock is taken: the engine claims runs through
// RunRepository.ClaimPending instead.
type Lock struct {
	Key            string    `json:"key"`
	OwnerID        string    `json:"owner_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Fencing        int64     `json:"fencing"`
}

// Expired reports whether the lease on l has lapsed as of now, meaning any
// owner may attempt to acquire it.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.LeaseExpiresAt)
}
