// Package metrics records the outcome of deploy and backup runs in the
// Prometheus text format for node_exporter's textfile collector.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Run kinds. Each kind owns a separate textfile so a deploy never
// overwrites the last backup's values and vice versa.
const (
	KindDeploy = "deploy"
	KindBackup = "backup"
)

// TextfilePath returns the file a run of kind writes to, derived from the
// configured base path: temporal_ops.prom becomes temporal_ops-backup.prom.
func TextfilePath(base, kind string) string {
	return strings.TrimSuffix(base, ".prom") + "-" + kind + ".prom"
}

// Recorder collects the metrics of one run. Only the collectors of the
// observed run kind are registered.
type Recorder struct {
	registry *prometheus.Registry
	kind     string

	deploySuccess   *prometheus.GaugeVec
	deployDuration  prometheus.Gauge
	deployAttempts  prometheus.Gauge
	deployTimestamp prometheus.Gauge

	backupSuccess   prometheus.Gauge
	backupDuration  prometheus.Gauge
	backupSize      prometheus.Gauge
	backupTimestamp prometheus.Gauge
	backupComponent *prometheus.GaugeVec
	backupFailedVol prometheus.Gauge
	retentionDelete *prometheus.GaugeVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		deploySuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "temporal_ops_deploy_success",
			Help: "Whether the last deploy converged (1) or failed (0), by mode and outcome",
		}, []string{"mode", "outcome"}),
		deployDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "temporal_ops_deploy_duration_seconds",
			Help: "Duration of the last deploy",
		}),
		deployAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "temporal_ops_deploy_health_attempts",
			Help: "Health poll attempts used by the last deploy",
		}),
		deployTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "temporal_ops_deploy_last_run_timestamp_seconds",
			Help: "Unix time of the last deploy",
		}),
		backupSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "temporal_ops_backup_success",
			Help: "Whether the last backup produced an archive",
		}),
		backupDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "temporal_ops_backup_duration_seconds",
			Help: "Duration of the last backup",
		}),
		backupSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "temporal_ops_backup_size_bytes",
			Help: "Size of the last backup archive",
		}),
		backupTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "temporal_ops_backup_last_run_timestamp_seconds",
			Help: "Unix time of the last backup",
		}),
		backupComponent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "temporal_ops_backup_component_present",
			Help: "Whether a component is present in the last backup",
		}, []string{"component"}),
		backupFailedVol: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "temporal_ops_backup_failed_volumes",
			Help: "Volumes that could not be archived in the last backup",
		}),
		retentionDelete: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "temporal_ops_retention_deleted",
			Help: "Backups deleted by the last retention sweep",
		}, []string{"location"}),
	}

	return r
}

func (r *Recorder) use(kind string) {
	if r.kind != "" {
		return
	}
	r.kind = kind
	switch kind {
	case KindDeploy:
		r.registry.MustRegister(r.deploySuccess, r.deployDuration, r.deployAttempts, r.deployTimestamp)
	case KindBackup:
		r.registry.MustRegister(
			r.backupSuccess, r.backupDuration, r.backupSize, r.backupTimestamp,
			r.backupComponent, r.backupFailedVol, r.retentionDelete,
		)
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveDeploy records a finished deploy.
func (r *Recorder) ObserveDeploy(state *models.DeploymentState, success bool) {
	if state == nil || (r.kind != "" && r.kind != KindDeploy) {
		return
	}
	r.use(KindDeploy)
	v := 0.0
	if success {
		v = 1
	}
	r.deploySuccess.WithLabelValues(string(state.Mode), string(state.Outcome)).Set(v)
	r.deployDuration.Set(state.Duration.Seconds())
	r.deployAttempts.Set(float64(state.HealthAttempts))
	r.deployTimestamp.Set(float64(state.StartTime.Unix()))
}

// ObserveBackup records a finished backup.
func (r *Recorder) ObserveBackup(record *models.BackupRecord, success bool) {
	if record == nil || (r.kind != "" && r.kind != KindBackup) {
		return
	}
	r.use(KindBackup)
	v := 0.0
	if success {
		v = 1
	}
	r.backupSuccess.Set(v)
	r.backupDuration.Set(record.Duration.Seconds())
	r.backupSize.Set(float64(record.SizeBytes))
	r.backupTimestamp.Set(float64(record.Timestamp.Unix()))
	r.backupFailedVol.Set(float64(len(record.FailedVolumes)))

	for _, c := range []string{models.ComponentElasticsearch, models.ComponentConfiguration, models.ComponentVolumes} {
		r.backupComponent.WithLabelValues(c).Set(0)
	}
	for _, c := range record.Components {
		r.backupComponent.WithLabelValues(c).Set(1)
	}

	r.ObserveRetention(record.Retention)
}

// ObserveRetention records the deletions of a retention sweep. It belongs
// to the backup textfile.
func (r *Recorder) ObserveRetention(res models.RetentionResult) {
	if r.kind != "" && r.kind != KindBackup {
		return
	}
	r.use(KindBackup)
	r.retentionDelete.WithLabelValues("local").Set(float64(len(res.LocalDeleted)))
	r.retentionDelete.WithLabelValues("remote").Set(float64(len(res.RemoteDeleted)))
}

// WriteTextfile atomically writes the collected metrics to the run kind's
// textfile next to base and returns its path.
func (r *Recorder) WriteTextfile(base string) (string, error) {
	if r.kind == "" {
		return "", errors.New("no run observed")
	}
	path := TextfilePath(base, r.kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return "", fmt.Errorf("failed to write metrics: %w", err)
	}
	return path, nil
}
