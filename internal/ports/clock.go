package ports

import "time"

// Clock abstracts time for components that make time-based decisions, so
// tests can drive windows and cooldowns deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
