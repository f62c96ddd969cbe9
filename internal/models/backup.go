package models

import "time"

// Backup component names recorded in the manifest.
const (
	ComponentElasticsearch = "elasticsearch"
	ComponentConfiguration = "configuration"
	ComponentVolumes       = "volumes"
)

// BackupNamePrefix prefixes every backup directory and archive.
const BackupNamePrefix = "temporal-backup-"

// BackupTimestampFormat gives backup names second resolution.
const BackupTimestampFormat = "20060102_150405"

// SnapshotOutcome records how the search index was captured.
type SnapshotOutcome string

// Snapshot outcomes.
const (
	SnapshotNative   SnapshotOutcome = "snapshot"
	SnapshotFallback SnapshotOutcome = "fallback"
	SnapshotSkipped  SnapshotOutcome = "skipped"
)

// BackupRecord describes the result of one backup run.
type BackupRecord struct {
	RunID           string
	Name            string
	Timestamp       time.Time
	Components      []string
	SnapshotOutcome SnapshotOutcome
	Volumes         []string
	FailedVolumes   []string
	ConfigFiles     []string
	SizeBytes       int64
	LocalPath       string
	RemoteKey       string
	Warnings        []string
	Retention       RetentionResult
	Duration        time.Duration
}

// Warn records a non-fatal problem.
func (r *BackupRecord) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Manifest is written as manifest.json at the root of every archive.
type Manifest struct {
	Timestamp           string   `json:"timestamp"`
	Date                string   `json:"date"`
	TemporalImage       string   `json:"temporal_image"`
	TemporalImageID     string   `json:"temporal_image_id"`
	BackupType          string   `json:"backup_type"`
	Components          []string `json:"components"`
	ElasticsearchMethod string   `json:"elasticsearch_method"`
	Volumes             []string `json:"volumes"`
	FailedVolumes       []string `json:"failed_volumes"`
	ConfigFiles         []string `json:"config_files"`
	Hostname            string   `json:"hostname"`
	RunID               string   `json:"run_id"`
}

// SnapshotResult holds the result of the search index capture.
type SnapshotResult struct {
	Outcome  SnapshotOutcome
	Files    []string // files written into the working directory
	Duration time.Duration
	Error    error // error of the last attempted method, if any
}

// VolumeArchiveResult holds the result of archiving one volume.
type VolumeArchiveResult struct {
	Volume   string
	File     string
	Duration time.Duration
	Error    error
}

// BackupArtifact is a backup archive found in a listing, local or remote.
type BackupArtifact struct {
	Name         string
	Location     string // local path or object key
	SizeBytes    int64
	LastModified time.Time
	Remote       bool
}

// RetentionResult holds the outcome of the retention sweeps.
type RetentionResult struct {
	LocalDeleted  []string
	LocalKept     int
	RemoteDeleted []string
	RemoteKept    int
	LocalError    error
	RemoteError   error
}
