package models

import "time"

// DatabaseConfig holds the PostgreSQL connection used by Temporal.
type DatabaseConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Image    string // client image for the connectivity probe
	Network  string // docker network of the probe container, "host" when empty
}

// DatabaseProbeResult holds the result of a connectivity probe.
type DatabaseProbeResult struct {
	Reachable bool
	Output    string
	Duration  time.Duration
	Error     error
}
