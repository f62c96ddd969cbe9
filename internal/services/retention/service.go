// Package retention lists backup archives and deletes the ones that fell
// out of the retention window, locally and in object storage.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fgeck/temporal-ops/internal/clock"
	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
)

// ArchiveSuffix is the extension of every compressed backup.
const ArchiveSuffix = ".tar.gz"

// RemoteStore is the subset of object storage used by the remote sweep.
type RemoteStore interface {
	List(ctx context.Context, prefix string) ([]models.BackupArtifact, error)
	Delete(ctx context.Context, key string) error
}

// Impl applies a retention policy.
type Impl struct {
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a retention service.
func New(logger zerolog.Logger, c clock.Clock) *Impl {
	return &Impl{clock: c, logger: logger}
}

// Cutoff is the instant before which backups are expired. A backup exactly
// at the cutoff is kept.
func Cutoff(now time.Time, policy models.RetentionPolicy) time.Time {
	return now.Add(-policy.MaxAge())
}

func expired(modified, cutoff time.Time) bool {
	return modified.Before(cutoff)
}

// IsBackupArchive reports whether name looks like an archive produced by a
// backup run.
func IsBackupArchive(name string) bool {
	return strings.HasPrefix(name, models.BackupNamePrefix) && strings.HasSuffix(name, ArchiveSuffix)
}

// ListLocal returns the backup archives in dir, oldest first. A missing
// directory yields an empty list.
func ListLocal(dir string) ([]models.BackupArtifact, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var artifacts []models.BackupArtifact
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsBackupArchive(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, models.BackupArtifact{
			Name:         e.Name(),
			Location:     filepath.Join(dir, e.Name()),
			SizeBytes:    info.Size(),
			LastModified: info.ModTime(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].LastModified.Before(artifacts[j].LastModified)
	})
	return artifacts, nil
}

// SweepLocal deletes local archives older than the policy allows.
func (s *Impl) SweepLocal(dir string, policy models.RetentionPolicy) ([]string, int, error) {
	if policy.Days <= 0 {
		s.logger.Warn().Int("days", policy.Days).Msg("retention disabled, keeping all local backups")
		return nil, 0, nil
	}

	artifacts, err := ListLocal(dir)
	if err != nil {
		return nil, 0, err
	}

	cutoff := Cutoff(s.clock.Now(), policy)
	var deleted []string
	var errs []error
	kept := 0

	for _, a := range artifacts {
		if !expired(a.LastModified, cutoff) {
			kept++
			continue
		}
		if err := os.Remove(a.Location); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", a.Name, err))
			kept++
			continue
		}
		deleted = append(deleted, a.Name)
		s.logger.Info().
			Str("backup", a.Name).
			Time("modified", a.LastModified).
			Msg("deleted expired local backup")
	}

	s.logger.Info().
		Int("deleted", len(deleted)).
		Int("kept", kept).
		Int("days", policy.Days).
		Msg("local retention applied")

	return deleted, kept, errors.Join(errs...)
}

// SweepRemote deletes objects under prefix whose LastModified is older than
// the policy allows.
func (s *Impl) SweepRemote(ctx context.Context, store RemoteStore, prefix string, policy models.RetentionPolicy) ([]string, int, error) {
	if policy.Days <= 0 {
		s.logger.Warn().Int("days", policy.Days).Msg("retention disabled, keeping all remote backups")
		return nil, 0, nil
	}

	artifacts, err := store.List(ctx, prefix)
	if err != nil {
		return nil, 0, err
	}

	cutoff := Cutoff(s.clock.Now(), policy).UTC()
	var deleted []string
	var errs []error
	kept := 0

	for _, a := range artifacts {
		if !IsBackupArchive(a.Name) {
			continue
		}
		if !expired(a.LastModified, cutoff) {
			kept++
			continue
		}
		if err := store.Delete(ctx, a.Location); err != nil {
			if ctx.Err() != nil {
				return deleted, kept, ctx.Err()
			}
			errs = append(errs, err)
			kept++
			continue
		}
		deleted = append(deleted, a.Location)
		s.logger.Info().
			Str("key", a.Location).
			Time("modified", a.LastModified).
			Msg("deleted expired remote backup")
	}

	s.logger.Info().
		Int("deleted", len(deleted)).
		Int("kept", kept).
		Int("days", policy.Days).
		Msg("remote retention applied")

	return deleted, kept, errors.Join(errs...)
}
