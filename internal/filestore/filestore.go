// Package filestore provides safe on-disk storage for uploaded documents.
//
// Filenames are sanitized before use and every destination path is resolved
// through symlinks and checked for containment in the base directory, so a
// crafted filename cannot write outside the store.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrTooLarge is returned when a stream exceeds the configured size cap.
	ErrTooLarge = errors.New("filestore: file exceeds size limit")

	// ErrUnsafePath is returned when a destination resolves outside the base
	// directory.
	ErrUnsafePath = errors.New("filestore: destination escapes base directory")
)

const maxNameLen = 200

var (
	unsafeChars = regexp.MustCompile(`[\x00-\x1f<>:"/\\|?*]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// Store writes uploaded files under a single base directory with restrictive
// permissions (0700 directory, 0600 files).
type Store struct {
	baseDir  string
	maxBytes int64
	logger   *zap.Logger
}

// New creates the base directory if needed. maxBytes caps SaveStream writes;
// zero means unlimited.
func New(baseDir string, maxBytes int64, logger *zap.Logger) (*Store, error) {
	if baseDir == "" {
		return nil, errors.New("filestore: base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(baseDir, 0o700); err != nil {
		logger.Warn("failed to tighten base directory permissions",
			zap.String("dir", baseDir), zap.Error(err))
	}
	return &Store{baseDir: baseDir, maxBytes: maxBytes, logger: logger}, nil
}

// BaseDir returns the store's base directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SafeName sanitizes an original filename: strips any directory part,
// normalizes to NFKC, replaces control characters and path-hostile
// punctuation with underscores, collapses whitespace and caps the result at
// 200 characters.
func SafeName(orig string) string {
	if orig == "" {
		orig = "uploaded"
	}
	name := filepath.Base(orig)
	name = norm.NFKC.String(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(spaceRuns.ReplaceAllString(name, " "))
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	return name
}

// SaveStream writes r to <base>/<filename> and returns the absolute path.
// The destination is resolved through symlinks and must stay inside the base
// directory. Partial files are removed on failure or when the stream exceeds
// the size cap.
func (s *Store) SaveStream(filename string, r io.Reader) (string, error) {
	dest := filepath.Join(s.baseDir, filename)

	resolvedBase, err := realpath(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base directory: %w", err)
	}
	resolved, err := realpath(dest)
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	if !strings.HasPrefix(resolved, resolvedBase+string(os.PathSeparator)) {
		return "", ErrUnsafePath
	}

	f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filename, err)
	}

	var written int64
	if s.maxBytes > 0 {
		written, err = io.Copy(f, io.LimitReader(r, s.maxBytes+1))
		if err == nil && written > s.maxBytes {
			err = ErrTooLarge
		}
	} else {
		written, err = io.Copy(f, r)
	}
	if err != nil {
		f.Close()
		s.Delete(resolved)
		if errors.Is(err, ErrTooLarge) {
			return "", ErrTooLarge
		}
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		s.Delete(resolved)
		return "", fmt.Errorf("close %s: %w", filename, err)
	}
	// The file may predate this save with looser permissions.
	if err := os.Chmod(resolved, 0o600); err != nil {
		s.logger.Warn("failed to tighten file permissions",
			zap.String("path", resolved), zap.Error(err))
	}

	s.logger.Debug("saved upload",
		zap.String("path", resolved), zap.Int64("bytes", written))
	return resolved, nil
}

// Delete removes a stored file, ignoring missing files.
func (s *Store) Delete(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to delete file", zap.String("path", path), zap.Error(err))
	}
}

// realpath resolves symlinks like path/filepath.EvalSymlinks but tolerates a
// missing final component, resolving its parent instead.
func realpath(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		dir, dirErr := filepath.EvalSymlinks(filepath.Dir(p))
		if dirErr != nil {
			return "", dirErr
		}
		return filepath.Join(dir, filepath.Base(p)), nil
	}
	return "", err
}
