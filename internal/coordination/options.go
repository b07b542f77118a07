package coordination

import "time"

// Option configures a Service.
type Option func(*Service)

// WithStaleThreshold sets how long an agent may go without a
// heartbeat before the stale sweep fails it.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleThreshold = d
		}
	}
}

// WithRetention sets how long completed announcements, delivered
// messages, and executed deploy rows are kept before Cleanup purges
// them.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}
