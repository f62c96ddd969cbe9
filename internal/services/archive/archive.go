// Package archive packs a backup working directory into a single gzip
// compressed tarball and reads it back.
package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/klauspost/compress/gzip"
)

// ManifestName is the manifest file at the root of every backup.
const ManifestName = "manifest.json"

// ErrManifestNotFound is returned when an archive carries no manifest.
var ErrManifestNotFound = errors.New("manifest not found in archive")

// Compress writes srcDir into destFile as a tar.gz whose single top-level
// directory is the base name of srcDir. The archive appears at destFile
// only once it is complete.
func Compress(srcDir, destFile string) (int64, error) {
	root := filepath.Base(filepath.Clean(srcDir))
	tmp := destFile + ".partial"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // path built by caller
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}

	if err := writeTarGz(f, srcDir, root); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp, destFile); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}

	info, err := os.Stat(destFile)
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return info.Size(), nil
}

func writeTarGz(w io.Writer, srcDir, root string) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		name := path.Join(root, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			// sockets, devices and symlinks have no place in a backup
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		src, err := os.Open(p) //nolint:gosec // walking our own working directory
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		_ = src.Close()
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("failed to write archive: %w", walkErr)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

// Members lists the regular file paths in an archive, sorted.
func Members(archivePath string) ([]string, error) {
	var members []string
	err := walk(archivePath, func(hdr *tar.Header, _ io.Reader) (bool, error) {
		if hdr.Typeflag == tar.TypeReg {
			members = append(members, hdr.Name)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// ReadManifest decodes the manifest stored in an archive.
func ReadManifest(archivePath string) (*models.Manifest, error) {
	var manifest *models.Manifest
	err := walk(archivePath, func(hdr *tar.Header, r io.Reader) (bool, error) {
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != ManifestName || path.Dir(path.Dir(hdr.Name)) != "." {
			return false, nil
		}
		var m models.Manifest
		if err := json.NewDecoder(r).Decode(&m); err != nil {
			return true, fmt.Errorf("failed to decode manifest: %w", err)
		}
		manifest = &m
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, ErrManifestNotFound
	}
	return manifest, nil
}

// walk calls fn for every entry until fn reports done.
func walk(archivePath string, fn func(hdr *tar.Header, r io.Reader) (bool, error)) error {
	f, err := os.Open(archivePath) //nolint:gosec // path supplied by operator
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}
		done, err := fn(hdr, tr)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
