// Package clock abstracts time for components that schedule work, so tests
// can observe and control retry timing deterministically.
package clock

import "time"

//go:generate mockgen -destination=mocks/mock_clock.go -package=mocks -source=clock.go Clock,Timer

// Clock supplies the current time and timer construction.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the cancellable subset of time.Timer used by retry scheduling.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// New returns a Clock backed by the system clock.
func New() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) C() <-chan time.Time {
	return s.t.C
}

func (s systemTimer) Stop() bool {
	return s.t.Stop()
}
