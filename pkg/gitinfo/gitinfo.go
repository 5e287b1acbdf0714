// Package gitinfo resolves lightweight git metadata for conversation
// working directories.
package gitinfo

import (
	git "github.com/go-git/go-git/v5"
)

// CurrentBranch returns the short branch name for the repository containing
// dir, searching parent directories the way the git CLI does. It returns ""
// for non-repositories and detached HEADs.
func CurrentBranch(dir string) string {
	if dir == "" {
		return ""
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
