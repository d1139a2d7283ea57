package provider

import "time"

// Stopper cancels a scheduled task.
type Stopper interface {
	Stop() bool
}

// Scheduler runs f once after d. The snapshot debounce goes through it so
// tests can drive time by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}
