package config

import "time"

type Config struct {
	PollInterval    time.Duration
	RateLimitDelay  time.Duration
	NotifyDelay     time.Duration
	ErrorRetryDelay time.Duration
	StopGrace       time.Duration
}
