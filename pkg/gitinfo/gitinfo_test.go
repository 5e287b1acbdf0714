package gitinfo

import (
	"os"
	"path/filepath"
	"testing"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestCurrentBranchNonRepo(t *testing.T) {
	if branch := CurrentBranch(t.TempDir()); branch != "" {
		t.Errorf("branch = %q, want empty for non-repo", branch)
	}
}

func TestCurrentBranchEmptyDir(t *testing.T) {
	if branch := CurrentBranch(""); branch != "" {
		t.Errorf("branch = %q", branch)
	}
}

func TestCurrentBranch(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}

	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if _, err := wt.Add("file.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	branch := CurrentBranch(dir)
	if branch != "master" && branch != "main" {
		t.Errorf("branch = %q", branch)
	}

	// Subdirectories resolve to the same repo.
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if got := CurrentBranch(sub); got != branch {
		t.Errorf("nested branch = %q, want %q", got, branch)
	}
}
