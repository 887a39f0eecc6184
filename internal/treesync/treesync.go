// Package treesync copies upstream source trees onto downstream working trees.
package treesync

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// maxRepairPasses bounds the number of restarts of the dangling symlink repair
const maxRepairPasses = 1000

var errRestart = errors.New("restart repair pass")

// FS is a filesystem that can create and inspect symbolic links
type FS interface {
	afero.Fs
	afero.Symlinker
}

// Syncer replaces destination trees with source content
type Syncer struct {
	fs     FS
	logger *slog.Logger
}

// NewSyncer creates a Syncer operating on fs
func NewSyncer(fs FS, logger *slog.Logger) *Syncer {
	return &Syncer{fs: fs, logger: logger}
}

// ReplaceTree replaces every top-level entry of dest that also exists in src
// with a fresh copy of the source entry. Entries only present in dest are kept.
func (s *Syncer) ReplaceTree(src, dest string) error {
	entries, err := afero.ReadDir(s.fs, src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := s.fs.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dest, entry.Name())
		if err := s.remove(to); err != nil {
			return err
		}
		if err := s.copyEntry(from, to); err != nil {
			return fmt.Errorf("failed to copy %s: %w", from, err)
		}
	}
	return nil
}

// RepairDanglingSymlinks replaces relative symlinks under dest whose target
// does not exist with the content the matching link under src resolves to.
// Links whose source side is missing too are logged and left in place.
func (s *Syncer) RepairDanglingSymlinks(src, dest string) error {
	for pass := 0; pass < maxRepairPasses; pass++ {
		err := afero.Walk(s.fs, dest, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.Mode()&os.ModeSymlink == 0 {
				return nil
			}
			return s.repairLink(src, dest, path)
		})
		if errors.Is(err, errRestart) {
			continue
		}
		return err
	}
	return fmt.Errorf("symlink repair under %s did not converge", dest)
}

func (s *Syncer) repairLink(src, dest, path string) error {
	target, err := s.fs.ReadlinkIfPossible(path)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", path, err)
	}
	if filepath.IsAbs(target) || s.exists(resolve(path, target)) {
		return nil
	}

	rel, err := filepath.Rel(dest, path)
	if err != nil {
		return err
	}
	srcPath, err := s.sourceTarget(filepath.Join(src, rel))
	if err != nil {
		return err
	}

	info, err := s.fs.Stat(srcPath)
	if err != nil {
		s.logger.Warn("dangling symlink has no source counterpart", "link", path, "target", target)
		return nil
	}

	if err := s.fs.Remove(path); err != nil {
		return fmt.Errorf("failed to remove dangling link %s: %w", path, err)
	}
	if info.IsDir() {
		s.logger.Debug("replacing dangling link with directory", "link", path, "source", srcPath)
		if err := s.copyDir(srcPath, path); err != nil {
			return err
		}
		// the copied tree may bring its own dangling links
		return errRestart
	}
	s.logger.Debug("replacing dangling link with file", "link", path, "source", srcPath)
	return s.copyFile(srcPath, path)
}

// sourceTarget returns what the source-side path points to, one hop deep
func (s *Syncer) sourceTarget(path string) (string, error) {
	info, _, err := s.fs.LstatIfPossible(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return path, nil
	}
	target, err := s.fs.ReadlinkIfPossible(path)
	if err != nil {
		return "", fmt.Errorf("failed to read link %s: %w", path, err)
	}
	if filepath.IsAbs(target) {
		return target, nil
	}
	return resolve(path, target), nil
}

// resolve joins a relative link target to the link's directory without
// cleaning it, so ".." is resolved by the filesystem through intermediate links.
func resolve(link, target string) string {
	return filepath.Dir(link) + string(filepath.Separator) + target
}

func (s *Syncer) exists(path string) bool {
	_, err := s.fs.Stat(path)
	return err == nil
}

func (s *Syncer) remove(path string) error {
	info, _, err := s.fs.LstatIfPossible(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		err = s.fs.RemoveAll(path)
	} else {
		err = s.fs.Remove(path)
	}
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// copyEntry copies src to dst keeping symlinks as links
func (s *Syncer) copyEntry(src, dst string) error {
	info, _, err := s.fs.LstatIfPossible(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := s.fs.ReadlinkIfPossible(src)
		if err != nil {
			return err
		}
		return s.fs.SymlinkIfPossible(target, dst)
	case info.IsDir():
		return s.copyDir(src, dst)
	default:
		return s.copyFile(src, dst)
	}
}

// copyDir copies the directory src follows to dst, keeping inner symlinks
func (s *Syncer) copyDir(src, dst string) error {
	info, err := s.fs.Stat(src)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return err
	}
	entries, err := afero.ReadDir(s.fs, src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.copyEntry(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return s.fs.Chtimes(dst, info.ModTime(), info.ModTime())
}

// copyFile copies a file from src to dst with atomic write, keeping mode and mtime
func (s *Syncer) copyFile(src, dst string) error {
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	tmpFile, err := afero.TempFile(s.fs, filepath.Dir(dst), ".cwsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := s.fs.Chmod(tmpPath, srcInfo.Mode().Perm()); err != nil {
		return err
	}
	if err := s.fs.Chtimes(tmpPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}

	return s.fs.Rename(tmpPath, dst)
}
