package clock

import "time"

// Clock supplies the current time to services that compute expiry.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns the wall clock in UTC.
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
