package unit

import "time"

// RateLimit is a sliding window limiter: at most Burst events per Interval.
// It is disabled (always permissive) when either field is zero.
type RateLimit struct {
	Interval time.Duration
	Burst    uint

	begin time.Time
	num   uint
	now   func() time.Time
}

// NewRateLimit returns a limiter using the monotonic clock.
func NewRateLimit(interval time.Duration, burst uint) *RateLimit {
	return &RateLimit{Interval: interval, Burst: burst, now: time.Now}
}

// Enabled reports whether the limiter can refuse anything.
func (r *RateLimit) Enabled() bool { return r.Interval > 0 && r.Burst > 0 }

// Below counts one event and reports whether it is within the limit.
func (r *RateLimit) Below() bool {
	if !r.Enabled() {
		return true
	}
	ts := r.clock()
	if r.begin.IsZero() || ts.Sub(r.begin) > r.Interval {
		r.begin = ts
		r.num = 1
		return true
	}
	if r.num < r.Burst {
		r.num++
		return true
	}
	return false
}

// Reset forgets the current window.
func (r *RateLimit) Reset() {
	r.begin = time.Time{}
	r.num = 0
}

// Count is the number of events in the current window.
func (r *RateLimit) Count() uint { return r.num }

func (r *RateLimit) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

// Default start limit of a unit that does not configure one.
const (
	DefaultStartLimitInterval = 10 * time.Second
	DefaultStartLimitBurst    = 5
)

// StartLimit gates repeated start attempts of one unit.
type StartLimit struct {
	limit *RateLimit
	hit   bool
}

// NewStartLimit returns a start limit with the given window.
func NewStartLimit(interval time.Duration, burst uint) *StartLimit {
	return &StartLimit{limit: NewRateLimit(interval, burst)}
}

// Test counts a start attempt and reports whether it may proceed.
func (s *StartLimit) Test() bool {
	if s.limit.Below() {
		s.hit = false
		return true
	}
	s.hit = true
	return false
}

// Hit reports whether the last attempt was refused.
func (s *StartLimit) Hit() bool { return s.hit }

// Reset clears the window and the hit flag.
func (s *StartLimit) Reset() {
	s.limit.Reset()
	s.hit = false
}

// Configure replaces the window, keeping nothing of the old one.
func (s *StartLimit) Configure(interval time.Duration, burst uint) {
	s.limit = NewRateLimit(interval, burst)
	s.hit = false
}
