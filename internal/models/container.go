package models

import "time"

// VolumeMount mounts a named volume or host path into an ephemeral container.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
	Bind     bool // Source is a host path instead of a named volume
}

// EphemeralContainer describes a short-lived container run to completion
// and removed afterwards.
type EphemeralContainer struct {
	Name    string // optional, used for logging only
	Image   string
	Command []string
	Env     []string
	Mounts  []VolumeMount
	Network string
	Timeout time.Duration
}

// EphemeralResult holds the result of an ephemeral container run.
type EphemeralResult struct {
	ExitCode int64
	Stdout   string
	Stderr   string
	Duration time.Duration
	Error    error
}

// ImageIdentity identifies the image a running service was created from.
type ImageIdentity struct {
	Name string
	ID   string
}

// PruneResult holds the result of a dangling image prune.
type PruneResult struct {
	ImagesDeleted  int
	SpaceReclaimed uint64
	Error          error
}
