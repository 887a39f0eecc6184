package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "example.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultRelease, cfg.Release)
	assert.Equal(t, "fedpkg", cfg.PackagerUtil)
	assert.Equal(t, ".fedora", cfg.DfExt)
	assert.Equal(t, "40", cfg.FromTag)
	assert.Equal(t, []string{"Dockerfile.rhel8", "Dockerfile.c9s"}, cfg.IgnoreFiles)
	assert.Equal(t, []string{"base", "s2i"}, cfg.Layers)
	assert.Equal(t, []string{"f40"}, cfg.CurrentBranches())

	base, err := cfg.ImageSet("base")
	require.NoError(t, err)
	require.Len(t, base, 2)

	core := base[0]
	assert.Equal(t, "s2i-core", core.Name)
	assert.Equal(t, "s2i", core.UpstreamName())
	assert.Equal(t, "https://github.com/sclorg/s2i-base-container.git", core.GitURL)
	assert.Equal(t, "f40", core.GitBranch)
	assert.Equal(t, "f41", core.GitFuture)
	assert.Equal(t, "f40-container-candidate", core.BuildTag)
	assert.Equal(t, "container", core.Namespace)
	assert.Equal(t, "s2i", core.Trigger)
	assert.True(t, core.PullUpstream)
	assert.Equal(t, []string{"git submodule update --init"}, core.Commands.Ordered())
}

func TestLoad_ImageOverrides(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "example.yaml"), "current")
	require.NoError(t, err)

	s2i, err := cfg.ImageSet("s2i")
	require.NoError(t, err)
	require.Len(t, s2i, 2)

	python := s2i[0]
	assert.Equal(t, "python", python.UpstreamName())
	assert.Equal(t, "3.12", python.GitPath)
	assert.Equal(t, "f41", python.GitFuture)
	assert.Equal(t, []string{"make generate", "make test-prepare"}, python.Commands.Ordered())

	nginx := s2i[1]
	assert.False(t, nginx.PullUpstream)
	assert.Equal(t, "containers", nginx.Namespace)
	assert.Equal(t, "f39", nginx.GitBranch)
	assert.Equal(t, "f39", nginx.GitFuture)
	assert.Equal(t, "f39-container-candidate", nginx.BuildTag)
}

func TestLoad_OtherRelease(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "example.yaml"), "rawhide")
	require.NoError(t, err)

	assert.Equal(t, "rawhide", cfg.FromTag)
	images, err := cfg.Images(nil)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "s2i-core", images[0].Component)
	assert.Equal(t, "RELEASE_ID", images[0].GitBranch)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		release string
	}{
		{
			name:    "unknown release",
			content: "urls: {}\nimages: {}\ncurrent: {}\n",
			release: "missing",
		},
		{
			name:    "unknown image",
			content: "urls: {}\nimages: {}\ncurrent:\n  image_sets:\n    base: [nope]\n",
		},
		{
			name:    "unknown url",
			content: "urls: {}\nimages:\n  a:\n    component: a\n    git_url: x\n    git_branch: main\ncurrent:\n  image_sets:\n    base: [a]\n",
		},
		{
			name:    "missing component",
			content: "urls: {x: /tmp/x}\nimages:\n  a:\n    git_url: x\n    git_branch: main\ncurrent:\n  image_sets:\n    base: [a]\n",
		},
		{
			name:    "unknown layer",
			content: "layer_ordering: {1: base}\ncurrent: {}\n",
		},
		{
			name:    "invalid from tag",
			content: "from_tag: \"not a tag\"\ncurrent: {}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := Load(path, tt.release)
			require.Error(t, err)
			var cfgErr *Error
			assert.True(t, errors.As(err, &cfgErr), "expected a configuration error, got %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}

func TestParse_VersionedLayout(t *testing.T) {
	content := `
v1:
  cwt:
    df_ext: .c9s
    packager_utils: centpkg
  urls:
    s2i: /srv/s2i.git
  images:
    s2i-core:
      component: s2i-core
      git_url: s2i
      git_branch: c9s
  current:
    image_sets:
      base: [s2i-core]
`
	cfg, err := Parse([]byte(content), "")
	require.NoError(t, err)
	assert.Equal(t, ".c9s", cfg.DfExt)
	assert.Equal(t, "centpkg", cfg.PackagerUtil)
	assert.Equal(t, "latest", cfg.FromTag)

	images, err := cfg.Images([]string{"base"})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "/srv/s2i.git", images[0].GitURL)
}

func TestSplitConfigPath(t *testing.T) {
	tests := []struct {
		in          string
		wantPath    string
		wantRelease string
		wantErr     bool
	}{
		{in: "default.yaml", wantPath: "default.yaml", wantRelease: "current"},
		{in: "default.yaml:rawhide", wantPath: "default.yaml", wantRelease: "rawhide"},
		{in: "a:b:c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			path, release, err := SplitConfigPath(tt.in)
			if tt.wantErr {
				var cfgErr *Error
				require.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantRelease, release)
		})
	}
}

func TestCommandsOrdered(t *testing.T) {
	c := Commands{"10": "ten", "2": "two", "1": "one", "b": "bee", "a": "ay"}
	assert.Equal(t, []string{"one", "two", "ten", "ay", "bee"}, c.Ordered())
}

func TestFilter(t *testing.T) {
	images := []Image{{Component: "a"}, {Component: "b"}, {Component: "c"}}

	tests := []struct {
		name    string
		do      []string
		exclude []string
		want    []string
	}{
		{name: "no filter", want: []string{"a", "b", "c"}},
		{name: "do", do: []string{"b"}, want: []string{"b"}},
		{name: "exclude", exclude: []string{"b"}, want: []string{"a", "c"}},
		{name: "do wins", do: []string{"a"}, exclude: []string{"a"}, want: []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, img := range Filter(images, tt.do, tt.exclude) {
				got = append(got, img.Component)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequireBaseImage(t *testing.T) {
	assert.NoError(t, RequireBaseImage("fedora:40"))
	var cfgErr *Error
	assert.ErrorAs(t, RequireBaseImage(""), &cfgErr)
}
