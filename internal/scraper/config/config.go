package config

import "time"

type Config struct {
	BaseURL            string
	Login              string
	Password           string
	RequestsPerMinute  int
	RateWindow         time.Duration
	OptimizedDownloads bool
}
