// Package dockerfile reads and rewrites the base image reference of a Dockerfile.
package dockerfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/afero"
)

// ErrMissingBaseImage is returned when the content has no usable FROM line
var ErrMissingBaseImage = errors.New("dockerfile has no base image")

var fromLine = regexp.MustCompile(`(?m)^FROM (.*)$`)

// DeprecatedLabels lists label assignments that are no longer accepted by the build system
var DeprecatedLabels = []string{"Release=", "Name=", "Version="}

// GetBaseImage returns the image reference of the first FROM line
func GetBaseImage(content string) (string, error) {
	m := fromLine.FindStringSubmatch(content)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return "", ErrMissingBaseImage
	}
	return m[1], nil
}

// SetBaseImageTag replaces the tag of the first FROM line with tag.
// Content without a FROM line is returned unchanged.
func SetBaseImageTag(content, tag string) string {
	base, err := GetBaseImage(content)
	if err != nil {
		return content
	}
	image, _, _ := strings.Cut(base, ":")

	loc := fromLine.FindStringIndex(content)
	return content[:loc[0]] + "FROM " + image + ":" + tag + content[loc[1]:]
}

// ParseBaseImage parses the first FROM line into a registry reference
func ParseBaseImage(content string) (name.Reference, error) {
	base, err := GetBaseImage(content)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(base)
	ref, err := name.ParseReference(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid base image %q: %w", fields[0], err)
	}
	return ref, nil
}

// Editor applies Dockerfile rewrites on a filesystem
type Editor struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewEditor creates an Editor working on fs
func NewEditor(fs afero.Fs, logger *slog.Logger) *Editor {
	return &Editor{fs: fs, logger: logger}
}

// UpdateDockerfile rewrites the base image tag of the file at path in place.
// A missing file is not an error.
func (e *Editor) UpdateDockerfile(path, tag string) error {
	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.Debug("no dockerfile to update", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	info, err := e.fs.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	updated := SetBaseImageTag(string(data), tag)
	if updated == string(data) {
		return nil
	}
	if err := afero.WriteFile(e.fs, path, []byte(updated), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	e.logger.Debug("updated base image tag", "path", path, "tag", tag)
	return nil
}

// BaseImage reads the file at path and returns its parsed base image
func (e *Editor) BaseImage(path string) (name.Reference, error) {
	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseBaseImage(string(data))
}

// CheckLabels logs a warning for every deprecated label found in the file
// at path and returns the labels that matched.
func (e *Editor) CheckLabels(path string) []string {
	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return nil
	}
	var found []string
	for _, label := range DeprecatedLabels {
		if strings.Contains(string(data), label) {
			found = append(found, label)
			e.logger.Warn("dockerfile uses a deprecated label", "path", path, "label", label)
		}
	}
	return found
}
