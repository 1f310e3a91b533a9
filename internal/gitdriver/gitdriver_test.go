package gitdriver

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initUpstream(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := exec.Command("git", "init", dir).Run(); err != nil {
		t.Fatalf("git init: %v", err)
	}
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-m", "initial")
}

func TestCloneAndFetch(t *testing.T) {
	requireGit(t)
	upstream := t.TempDir()
	initUpstream(t, upstream)

	mirrorDir := filepath.Join(t.TempDir(), "mirror.git")
	d := New("")

	if _, err := d.Clone(context.Background(), upstream, mirrorDir, 30*time.Second); err != nil {
		t.Fatalf("clone: %v", err)
	}
	if err := d.SanityCheck(context.Background(), mirrorDir); err != nil {
		t.Fatalf("sanity check on fresh clone: %v", err)
	}

	cmd := exec.Command("git", "-C", upstream, "commit", "--allow-empty", "-m", "second")
	cmd.Env = append(cmd.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com", "GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("second commit: %v: %s", err, out)
	}

	if _, err := d.Fetch(context.Background(), mirrorDir, "", 30*time.Second); err != nil {
		t.Fatalf("fetch: %v", err)
	}
}

func TestCloneRejectsSSHUpstream(t *testing.T) {
	d := New("")
	_, err := d.Clone(context.Background(), "git@github.com:org/repo.git", filepath.Join(t.TempDir(), "m.git"), time.Second)
	if err != ErrSSHUpstream {
		t.Fatalf("expected ErrSSHUpstream, got %v", err)
	}
}

func TestSanityCheckDetectsNotARepo(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	d := New("")
	if err := d.SanityCheck(context.Background(), dir); err == nil {
		t.Fatalf("expected failure on empty directory")
	}
}

func TestBoundedHeadTail(t *testing.T) {
	big := make([]byte, headBytes+tailBytes+1000)
	for i := range big {
		big[i] = 'x'
	}
	out := boundedHeadTail(big)
	if len(out) >= len(big) {
		t.Fatalf("expected output to be bounded, got %d bytes", len(out))
	}
}

func TestParseRefUpdatesNewBranch(t *testing.T) {
	stderr := []byte(" * [new branch]      main -> main\n")
	updates := parseRefUpdates(stderr)
	if len(updates) != 1 || updates[0].Type != "create" || updates[0].Ref != "main" {
		t.Fatalf("unexpected parse result: %+v", updates)
	}
}
