// Package descriptor fills in the placeholders of the per-image CI test descriptor.
package descriptor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// RelPath is the location of the descriptor inside an image directory
var RelPath = filepath.Join("test", "test-openshift.yaml")

// Fields holds the values substituted into the descriptor
type Fields struct {
	Version   string
	OS        string
	ShortName string
}

// OSFor maps the configured image_names marker to the descriptor OS value
func OSFor(imageNames string) string {
	switch imageNames {
	case "RHEL8":
		return "rhel8"
	case "RHEL9":
		return "rhel9"
	case "RHSCL":
		return "rhel7"
	default:
		return "fedora"
	}
}

// Render replaces the placeholder assignments in content. Values are
// inserted between double quotes verbatim.
func Render(content string, f Fields) string {
	r := strings.NewReplacer(
		"VERSION: VERSION_NUMBER", `VERSION: "`+f.Version+`"`,
		"OS: OS_NUMBER", `OS: "`+f.OS+`"`,
		"SHORT_NAME: CONTAINER_NAME", `SHORT_NAME: "`+f.ShortName+`"`,
	)
	return r.Replace(content)
}

// Update rewrites the descriptor under dir if present.
// It reports whether a descriptor was found.
func Update(fs afero.Fs, dir string, f Fields) (bool, error) {
	path := filepath.Join(dir, RelPath)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := afero.WriteFile(fs, path, []byte(Render(string(data), f)), 0644); err != nil {
		return true, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}
