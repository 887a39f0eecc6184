package git

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/cwsync/internal/command"
	"github.com/schaermu/cwsync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newClient() *ShellClient {
	return NewShellClient(command.NewRunner(testLogger()), "", "")
}

// countingClient records how often a clone is attempted
type countingClient struct {
	*ShellClient
	clones []string
}

func (c *countingClient) Clone(ctx context.Context, url, dest string) error {
	c.clones = append(c.clones, url)
	return c.ShellClient.Clone(ctx, url, dest)
}

type fakePackager struct {
	refs []string
	err  error
}

func (p *fakePackager) Clone(_ context.Context, _, ref string) error {
	p.refs = append(p.refs, ref)
	return p.err
}

func newOperations(client Client, opts Options) *Operations {
	return NewOperations(client, command.NewRunner(testLogger()), &fakePackager{err: errors.New("unused")}, opts, testLogger())
}

func TestCloneOrOpen_ClonesOnce(t *testing.T) {
	testutil.GitIdentity(t)
	ctx := context.Background()

	remote := filepath.Join(t.TempDir(), "upstream.git")
	testutil.Remote(t, remote, "master", map[string]string{"README.md": "hello\n"})

	client := &countingClient{ShellClient: newClient()}
	ops := newOperations(client, Options{})
	path := filepath.Join(t.TempDir(), "upstreams", "demo")
	commands := []string{"echo run >> .marker"}

	require.NoError(t, ops.CloneOrOpen(ctx, remote, path, commands))
	require.NoError(t, ops.CloneOrOpen(ctx, remote, path, commands))

	assert.Len(t, client.clones, 1)
	data, err := os.ReadFile(filepath.Join(path, ".marker"))
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data))
}

func TestCloneOrOpen_CommandFailureAborts(t *testing.T) {
	testutil.GitIdentity(t)
	remote := filepath.Join(t.TempDir(), "upstream.git")
	testutil.Remote(t, remote, "master", map[string]string{"README.md": "hello\n"})

	ops := newOperations(newClient(), Options{})
	path := filepath.Join(t.TempDir(), "demo")
	err := ops.CloneOrOpen(context.Background(), remote, path, []string{"echo nope >&2; exit 2", "touch after"})
	require.Error(t, err)

	var failed *command.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 2, failed.ExitCode)
	assert.Equal(t, "nope", failed.Stderr)
	assert.NoFileExists(t, filepath.Join(path, "after"))
}

func TestCloneOrOpen_ExistingNonRepository(t *testing.T) {
	path := t.TempDir()
	ops := newOperations(newClient(), Options{})
	assert.Error(t, ops.CloneOrOpen(context.Background(), "unused", path, nil))
}

func TestCloneDownstream_HostnameFallback(t *testing.T) {
	testutil.GitIdentity(t)
	host := filepath.Join(t.TempDir(), "remote")
	testutil.Remote(t, filepath.Join(host, "containers", "demo.git"), "main", map[string]string{"Dockerfile": "FROM a:1\n"})
	testutil.Git(t, filepath.Join(host, "containers", "demo.git"), "branch", "f40", "main")

	client := &countingClient{ShellClient: newClient()}
	ops := newOperations(client, Options{HostnameURL: host})
	workDir := t.TempDir()

	path, err := ops.CloneDownstream(context.Background(), workDir, "demo", "f40", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workDir, "demo"), path)
	assert.Equal(t, []string{host + "/container/demo.git", host + "/containers/demo.git"}, client.clones)

	branch, err := client.ActiveBranch(path)
	require.NoError(t, err)
	assert.Equal(t, "f40", branch)

	// second run opens the existing clone
	_, err = ops.CloneDownstream(context.Background(), workDir, "demo", "f40", "")
	require.NoError(t, err)
	assert.Len(t, client.clones, 2)
}

func TestCloneDownstream_Failed(t *testing.T) {
	testutil.GitIdentity(t)
	ops := newOperations(newClient(), Options{HostnameURL: filepath.Join(t.TempDir(), "nothing")})

	_, err := ops.CloneDownstream(context.Background(), t.TempDir(), "demo", "main", "")
	require.Error(t, err)

	var cloneErr *CloneFailedError
	require.ErrorAs(t, err, &cloneErr)
	assert.Equal(t, "demo", cloneErr.Component)
	assert.Equal(t, 128, cloneErr.ExitCode)
}

func TestCloneDownstream_ExistingNonDirectory(t *testing.T) {
	testutil.GitIdentity(t)
	workDir := t.TempDir()
	file := filepath.Join(workDir, "demo")
	require.NoError(t, os.WriteFile(file, []byte("keep me"), 0644))
	link := filepath.Join(workDir, "dangling")
	require.NoError(t, os.Symlink("nowhere", link))

	client := &countingClient{ShellClient: newClient()}
	ops := newOperations(client, Options{HostnameURL: filepath.Join(t.TempDir(), "nothing")})

	_, err := ops.CloneDownstream(context.Background(), workDir, "demo", "main", "")
	assert.ErrorContains(t, err, "exists but is not a directory")
	_, err = ops.CloneDownstream(context.Background(), workDir, "dangling", "main", "")
	assert.ErrorContains(t, err, "exists but is not a directory")

	assert.Empty(t, client.clones)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
	_, err = os.Lstat(link)
	assert.NoError(t, err)
}

func TestCloneDownstream_Packager(t *testing.T) {
	tests := []struct {
		name      string
		packager  string
		namespace string
		want      []string
	}{
		{name: "fedpkg default", packager: "fedpkg", want: []string{"container/demo", "containers/demo"}},
		{name: "centpkg default", packager: "centpkg", want: []string{"containers/demo", "container/demo"}},
		{name: "explicit namespace", packager: "rhpkg", namespace: "container", want: []string{"container/demo", "containers/demo"}},
		{name: "custom namespace", packager: "fedpkg", namespace: "rpms", want: []string{"rpms/demo", "container/demo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := &fakePackager{err: errors.New("no ticket")}
			ops := NewOperations(newClient(), command.NewRunner(testLogger()), pkg, Options{PackagerUtil: tt.packager}, testLogger())

			_, err := ops.CloneDownstream(context.Background(), t.TempDir(), "demo", "main", tt.namespace)
			var cloneErr *CloneFailedError
			require.ErrorAs(t, err, &cloneErr)
			assert.Equal(t, -1, cloneErr.ExitCode)
			assert.Equal(t, tt.want, pkg.refs)
		})
	}
}

func cloneRemote(t *testing.T, files map[string]string) string {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.git")
	testutil.Remote(t, remote, "main", files)
	path := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, newClient().Clone(context.Background(), remote, path))
	return path
}

func TestUnpushedCommits(t *testing.T) {
	testutil.GitIdentity(t)
	path := cloneRemote(t, map[string]string{"a": "1"})
	client := newClient()

	unpushed, err := client.UnpushedCommits(path)
	require.NoError(t, err)
	assert.False(t, unpushed)

	testutil.CommitFiles(t, path, map[string]string{"a": "2"}, "local change")
	unpushed, err = client.UnpushedCommits(path)
	require.NoError(t, err)
	assert.True(t, unpushed)

	require.NoError(t, client.Push(context.Background(), path))
	unpushed, err = client.UnpushedCommits(path)
	require.NoError(t, err)
	assert.False(t, unpushed)
}

func TestUnpushedCommits_BehindRemote(t *testing.T) {
	testutil.GitIdentity(t)
	path := cloneRemote(t, map[string]string{"a": "1"})
	testutil.CommitFiles(t, path, map[string]string{"b": "1"}, "ahead")
	testutil.Git(t, path, "push", "-q")
	testutil.Git(t, path, "reset", "-q", "--hard", "HEAD~1")

	unpushed, err := newClient().UnpushedCommits(path)
	require.NoError(t, err)
	assert.False(t, unpushed)
}

func TestHeadAndBranch(t *testing.T) {
	testutil.GitIdentity(t)
	path := cloneRemote(t, map[string]string{"a": "1"})
	client := newClient()

	head, err := client.Head(path)
	require.NoError(t, err)
	assert.Equal(t, testutil.Git(t, path, "rev-parse", "HEAD"), head)

	branch, err := client.ActiveBranch(path)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	assert.True(t, client.IsRepository(path))
	assert.False(t, client.IsRepository(t.TempDir()))
}

func TestCommitIfDirty(t *testing.T) {
	testutil.GitIdentity(t)
	ctx := context.Background()
	path := cloneRemote(t, map[string]string{"a": "1"})
	ops := newOperations(newClient(), Options{})

	committed, err := ops.CommitIfDirty(ctx, path, "msg", true)
	require.NoError(t, err)
	assert.False(t, committed)

	// untracked files do not make the tree dirty
	require.NoError(t, os.WriteFile(filepath.Join(path, "new"), []byte("x"), 0644))
	committed, err = ops.CommitIfDirty(ctx, path, "msg", true)
	require.NoError(t, err)
	assert.False(t, committed)

	require.NoError(t, os.WriteFile(filepath.Join(path, "a"), []byte("2"), 0644))
	committed, err = ops.CommitIfDirty(ctx, path, "", true)
	require.NoError(t, err)
	assert.False(t, committed)

	committed, err = ops.CommitIfDirty(ctx, path, "update a", true)
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, 2, testutil.CommitCount(t, path))
	assert.Equal(t, "update a", testutil.Git(t, path, "log", "-1", "--format=%s"))
}

func TestResetIgnored(t *testing.T) {
	testutil.GitIdentity(t)
	ctx := context.Background()
	path := cloneRemote(t, map[string]string{
		"a":           "1",
		"ignored.txt": "orig",
		".gitignore":  "*.log\n",
	})
	ops := newOperations(newClient(), Options{})

	require.NoError(t, os.WriteFile(filepath.Join(path, "a"), []byte("2"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "ignored.txt"), []byte("changed"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(path, ".gitignore"), []byte("changed\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "debris"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "debris", "x"), []byte("x"), 0644))
	require.NoError(t, ops.Add(ctx, path, "*"))

	require.NoError(t, ops.ResetIgnored(ctx, path, []string{"ignored.txt", "missing", "debris"}))

	data, err := os.ReadFile(filepath.Join(path, "ignored.txt"))
	require.NoError(t, err)
	assert.Equal(t, "orig", string(data))
	data, err = os.ReadFile(filepath.Join(path, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*.log\n", string(data))
	assert.NoDirExists(t, filepath.Join(path, "debris"))

	staged := testutil.Git(t, path, "diff", "--cached", "--name-only")
	assert.Equal(t, "a", staged)
}

func TestShowAndDiff(t *testing.T) {
	testutil.GitIdentity(t)
	ctx := context.Background()
	path := cloneRemote(t, map[string]string{"a": "1\n"})
	client := newClient()

	var show strings.Builder
	require.NoError(t, client.Show(ctx, path, &show))
	assert.Contains(t, show.String(), "Initial commit")

	require.NoError(t, os.WriteFile(filepath.Join(path, "a"), []byte("2\n"), 0644))
	var diff strings.Builder
	require.NoError(t, client.Diff(ctx, path, &diff))
	assert.Contains(t, diff.String(), "+2")
}

func TestConfigureAuth(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("secret\n"), 0600))

	tests := []struct {
		name     string
		ssh      string
		token    string
		url      string
		wantEnv  string
		wantArgs int
	}{
		{name: "ssh url with key", ssh: "/keys/id", url: "git@github.com:sclorg/s2i.git", wantEnv: "GIT_SSH_COMMAND=ssh -i '/keys/id'", wantArgs: 3},
		{name: "https url with token", token: tokenFile, url: "https://github.com/sclorg/s2i.git", wantEnv: "CWSYNC_GIT_TOKEN=secret", wantArgs: 5},
		{name: "local path", ssh: "/keys/id", token: tokenFile, url: "/srv/git/repo", wantArgs: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewShellClient(command.NewRunner(testLogger()), tt.ssh, tt.token)
			cmd := c.git("", "clone", tt.url, "dest")
			require.NoError(t, c.configureAuth(&cmd, tt.url))

			assert.Len(t, cmd.Args, tt.wantArgs)
			if tt.wantEnv == "" {
				assert.Empty(t, cmd.Env)
				return
			}
			found := false
			for _, e := range cmd.Env {
				if strings.HasPrefix(e, tt.wantEnv) {
					found = true
				}
			}
			assert.True(t, found, "env %v lacks %s", cmd.Env, tt.wantEnv)
		})
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shellQuote(tt.input)
			if got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	got := insertGitFlags([]string{"clone", "url", "dest"}, "-c", "key=value")
	assert.Equal(t, []string{"-c", "key=value", "clone", "url", "dest"}, got)

	got = insertGitFlags(nil, "-c", "key=value")
	assert.Equal(t, []string{"-c", "key=value"}, got)
}
