package git

import (
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"
)

// Head returns the commit hash HEAD points to
func (c *ShellClient) Head(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open repository %s", dir)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve HEAD in %s", dir)
	}
	return ref.Hash().String(), nil
}

// ActiveBranch returns the short name of the checked out branch
func (c *ShellClient) ActiveBranch(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open repository %s", dir)
	}
	return activeBranch(repo)
}

// UnpushedCommits reports whether the active branch is ahead of origin
func (c *ShellClient) UnpushedCommits(dir string) (bool, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open repository %s", dir)
	}
	branch, err := activeBranch(repo)
	if err != nil {
		return false, err
	}
	local, err := repo.Head()
	if err != nil {
		return false, errors.Wrapf(err, "failed to resolve HEAD in %s", dir)
	}
	remote, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return false, errors.Wrapf(err, "no remote-tracking branch origin/%s in %s", branch, dir)
	}
	if local.Hash() == remote.Hash() {
		return false, nil
	}

	localCommit, err := repo.CommitObject(local.Hash())
	if err != nil {
		return false, errors.Wrapf(err, "failed to load commit %s", local.Hash())
	}
	remoteCommit, err := repo.CommitObject(remote.Hash())
	if err != nil {
		return false, errors.Wrapf(err, "failed to load commit %s", remote.Hash())
	}
	// behind origin only
	behind, err := localCommit.IsAncestor(remoteCommit)
	if err != nil {
		return false, errors.Wrap(err, "failed to compare with remote-tracking branch")
	}
	return !behind, nil
}

// IsRepository reports whether dir is the root of a git working tree
func (c *ShellClient) IsRepository(dir string) bool {
	_, err := gogit.PlainOpen(dir)
	return err == nil
}

func activeBranch(repo *gogit.Repository) (string, error) {
	ref, err := repo.Head()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve HEAD")
	}
	if !ref.Name().IsBranch() {
		return "", errors.Errorf("HEAD is detached at %s", ref.Hash())
	}
	return ref.Name().Short(), nil
}

func originURL(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", errors.New("origin has no URL")
	}
	return urls[0], nil
}
