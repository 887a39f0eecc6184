package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// document is the raw top level mapping of a config file. Besides the
// global keys it holds one section per release id.
type document map[string]yaml.Node

type releaseSection struct {
	ImageSets map[string][]string `yaml:"image_sets"`
	BuildTag  string              `yaml:"build_tag"`
	Namespace string              `yaml:"namespace"`
	FromTag   string              `yaml:"from_tag"`
	Releases  map[string]Release  `yaml:"releases"`
}

type rawImage struct {
	Component    string   `yaml:"component"`
	GitURL       string   `yaml:"git_url"`
	GitBranch    string   `yaml:"git_branch"`
	GitFuture    string   `yaml:"git_future"`
	GitPath      string   `yaml:"git_path"`
	Commands     Commands `yaml:"commands"`
	PullUpstream *bool    `yaml:"pull_upstream"`
	Namespace    string   `yaml:"namespace"`
	BuildTag     string   `yaml:"build_tag"`
	Trigger      string   `yaml:"trigger"`
	User         string   `yaml:"user"`
}

func (d document) decode(key string, out any) error {
	node, ok := d[key]
	if !ok {
		return nil
	}
	if err := node.Decode(out); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// flatten unwraps the versioned layout, where everything lives below "v1"
// and the tool specific keys below "v1.cwt".
func (d document) flatten() (document, error) {
	if _, ok := d["v1"]; !ok {
		return d, nil
	}
	var v1 document
	if err := d.decode("v1", &v1); err != nil {
		return nil, err
	}
	var tool document
	if err := v1.decode("cwt", &tool); err != nil {
		return nil, err
	}
	for k, v := range tool {
		v1[k] = v
	}
	return v1, nil
}

func (d document) resolve(release string) (*Config, error) {
	if _, ok := d[release]; !ok {
		return nil, errorf("release %q not found in config", release)
	}
	var section releaseSection
	if err := d.decode(release, &section); err != nil {
		return nil, err
	}

	cfg := &Config{
		Release:   release,
		BuildTag:  section.BuildTag,
		Namespace: section.Namespace,
		Releases:  section.Releases,
		ImageSets: make(map[string][]Image),
	}

	var (
		urls     map[string]string
		images   map[string]rawImage
		layers   map[string]string
		commands Commands
	)
	for key, out := range map[string]any{
		"urls":           &urls,
		"images":         &images,
		"layer_ordering": &layers,
		"commands":       &commands,
		"packager_utils": &cfg.PackagerUtil,
		"hostname_url":   &cfg.HostnameURL,
		"product":        &cfg.Product,
		"image_names":    &cfg.ImageNames,
		"rebuild_reason": &cfg.RebuildReason,
		"ignore_files":   &cfg.IgnoreFiles,
		"df_ext":         &cfg.DfExt,
		"from_tag":       &cfg.FromTag,
		"groups":         &cfg.Groups,
		"mails":          &cfg.Mails,
		"auth":           &cfg.Auth,
	} {
		if err := d.decode(key, out); err != nil {
			return nil, err
		}
	}
	if section.FromTag != "" {
		cfg.FromTag = section.FromTag
	}

	for _, k := range sortedKeys(layers) {
		cfg.Layers = append(cfg.Layers, layers[k])
	}

	for set, names := range section.ImageSets {
		result := make([]Image, 0, len(names))
		for _, n := range names {
			raw, ok := images[n]
			if !ok {
				return nil, errorf("image set %q references unknown image %q", set, n)
			}
			img, err := cfg.resolveImage(n, raw, urls, commands)
			if err != nil {
				return nil, err
			}
			result = append(result, img)
		}
		cfg.ImageSets[set] = result
	}
	return cfg, nil
}

func (c *Config) resolveImage(name string, raw rawImage, urls map[string]string, commands Commands) (Image, error) {
	url, ok := urls[raw.GitURL]
	if !ok {
		return Image{}, errorf("image %q references unknown url %q", name, raw.GitURL)
	}

	img := Image{
		Name:         name,
		Component:    raw.Component,
		GitURL:       url,
		GitBranch:    raw.GitBranch,
		GitFuture:    raw.GitFuture,
		GitPath:      raw.GitPath,
		PullUpstream: raw.PullUpstream == nil || *raw.PullUpstream,
		Namespace:    raw.Namespace,
		BuildTag:     raw.BuildTag,
		Trigger:      raw.Trigger,
		User:         raw.User,
	}
	if img.GitFuture == "" {
		img.GitFuture = img.GitBranch
	}
	if img.BuildTag == "" {
		img.BuildTag = c.BuildTag
	}
	if img.Namespace == "" {
		img.Namespace = c.Namespace
	}

	// image commands override global ones with the same step id
	img.Commands = make(Commands, len(commands)+len(raw.Commands))
	for k, v := range commands {
		img.Commands[k] = v
	}
	for k, v := range raw.Commands {
		img.Commands[k] = v
	}

	for _, k := range sortedKeys(c.Releases) {
		r := c.Releases[k]
		if r.ID == "" {
			continue
		}
		img.GitBranch = strings.ReplaceAll(img.GitBranch, r.ID, r.Current)
		if len(r.Future) > 0 {
			img.GitFuture = strings.ReplaceAll(img.GitFuture, r.ID, r.Future[0])
		}
		img.BuildTag = strings.ReplaceAll(img.BuildTag, r.ID, r.Current)
	}
	return img, nil
}
