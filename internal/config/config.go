package config

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// DefaultRelease is the release section used when none is given
const DefaultRelease = "current"

// Error reports an invalid or incomplete configuration
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return e.Msg
}

func errorf(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Config is the resolved configuration of a single release
type Config struct {
	Path    string `yaml:"path"`
	Release string `yaml:"release"`

	Settings `yaml:",inline"`
	Auth     AuthConfig `yaml:"auth"`

	BuildTag  string             `yaml:"build_tag"`
	Namespace string             `yaml:"namespace"`
	Releases  map[string]Release `yaml:"releases"`

	// Layers lists image set ids in build order
	Layers    []string           `yaml:"layers"`
	ImageSets map[string][]Image `yaml:"image_sets"`
}

// Settings holds the global options shared by all releases
type Settings struct {
	HostnameURL   string              `yaml:"hostname_url"`
	PackagerUtil  string              `yaml:"packager_util"`
	Product       string              `yaml:"product"`
	ImageNames    string              `yaml:"image_names"`
	RebuildReason string              `yaml:"rebuild_reason"`
	IgnoreFiles   []string            `yaml:"ignore_files"`
	DfExt         string              `yaml:"df_ext"`
	FromTag       string              `yaml:"from_tag"`
	Groups        map[string][]string `yaml:"groups,omitempty"`
	Mails         map[string]string   `yaml:"mails,omitempty"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// Release maps a release id placeholder to concrete branch names
type Release struct {
	ID      string   `yaml:"id"`
	Current string   `yaml:"current"`
	Future  []string `yaml:"future"`
}

// Image describes one container image and where its sources live
type Image struct {
	Name         string   `yaml:"name"`
	Component    string   `yaml:"component"`
	GitURL       string   `yaml:"git_url"`
	GitBranch    string   `yaml:"git_branch"`
	GitFuture    string   `yaml:"git_future"`
	GitPath      string   `yaml:"git_path"`
	Commands     Commands `yaml:"commands,omitempty"`
	PullUpstream bool     `yaml:"pull_upstream"`
	Namespace    string   `yaml:"namespace,omitempty"`
	BuildTag     string   `yaml:"build_tag,omitempty"`
	Trigger      string   `yaml:"trigger,omitempty"`
	User         string   `yaml:"user,omitempty"`
}

// UpstreamName is the unversioned image name used as the upstream checkout directory
func (i Image) UpstreamName() string {
	n, _, _ := strings.Cut(i.Name, "-")
	return n
}

// Commands maps a step id to a shell command
type Commands map[string]string

// Ordered returns the commands sorted by step id, numerically where possible
func (c Commands) Ordered() []string {
	keys := sortedKeys(c)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, c[k])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}

// SplitConfigPath splits "path[:release]" into its parts
func SplitConfigPath(s string) (string, string, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return parts[0], DefaultRelease, nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", errorf("only one release may be given with the config path: %s", s)
	}
}

// RequireBaseImage fails when no base image has been selected
func RequireBaseImage(base string) error {
	if base == "" {
		return errorf("base image needs to be set")
	}
	return nil
}

// Load reads the configuration file and resolves the given release
func Load(path, release string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, release)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse resolves the given release from raw YAML
func Parse(data []byte, release string) (*Config, error) {
	if release == "" {
		release = DefaultRelease
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	doc, err := doc.flatten()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg, err := doc.resolve(release)
	if err != nil {
		return nil, err
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandEnv expands environment variables in path-like fields
func (c *Config) expandEnv() {
	c.HostnameURL = os.ExpandEnv(c.HostnameURL)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DfExt == "" {
		c.DfExt = ".fedora"
	}
	if c.PackagerUtil == "" {
		c.PackagerUtil = "fedpkg"
	}
	if c.FromTag == "" {
		c.FromTag = "latest"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, err := name.NewTag("example.com/image:" + c.FromTag); err != nil {
		return errorf("from_tag %q is not a valid image tag", c.FromTag)
	}

	for _, layer := range c.Layers {
		if _, ok := c.ImageSets[layer]; !ok {
			return errorf("layer_ordering references unknown image set %q", layer)
		}
	}

	for set, images := range c.ImageSets {
		for _, img := range images {
			if img.Component == "" {
				return errorf("image %q in set %q has no component", img.Name, set)
			}
			if img.GitBranch == "" {
				return errorf("image %q in set %q has no git_branch", img.Name, set)
			}
		}
	}

	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	return nil
}

// ImageSet returns the images of a single set
func (c *Config) ImageSet(id string) ([]Image, error) {
	images, ok := c.ImageSets[id]
	if !ok {
		return nil, errorf("unknown image set %q", id)
	}
	return images, nil
}

// Images returns the images of the given sets, or of every layer in
// build order when no set is given.
func (c *Config) Images(sets []string) ([]Image, error) {
	if len(sets) == 0 {
		sets = c.Layers
	}
	var result []Image
	for _, id := range sets {
		images, err := c.ImageSet(id)
		if err != nil {
			return nil, err
		}
		result = append(result, images...)
	}
	return result, nil
}

// CurrentBranches returns the current branch of every release
func (c *Config) CurrentBranches() []string {
	var branches []string
	for _, k := range sortedKeys(c.Releases) {
		branches = append(branches, c.Releases[k].Current)
	}
	return branches
}

// Filter keeps only the components in do, or drops those in exclude when do is empty
func Filter(images []Image, do, exclude []string) []Image {
	if len(do) == 0 && len(exclude) == 0 {
		return images
	}
	var result []Image
	for _, img := range images {
		if len(do) > 0 {
			if slices.Contains(do, img.Component) {
				result = append(result, img)
			}
			continue
		}
		if !slices.Contains(exclude, img.Component) {
			result = append(result, img)
		}
	}
	return result
}
