// Package git implements the Git Gateway: a single ensureWorktree operation
// atop the external git binary, bounded by a Watchdog deadline.
package git

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bittrance/kitops/internal/fileutil"
	"github.com/bittrance/kitops/internal/watchdog"
)

// identity is the placeholder author applied to a repo's local config so
// operations that require one (fetch ref updates, in principle a future
// commit) never fail with "Author identity unknown".
const (
	identityName  = "kitops"
	identityEmail = "none"
)

const fetchReflogMessage = "kitops fetch"

// Gateway wraps the external git binary.
type Gateway struct {
	// Binary is the git executable to invoke. Defaults to "git" (resolved
	// via PATH) when empty.
	Binary string
}

// New constructs a Gateway using the git binary found on PATH.
func New() *Gateway {
	return &Gateway{Binary: "git"}
}

// EnsureWorktree clones or fetches url's branch into repoDir (a bare-ish
// local mirror reused across runs) and materializes its tree into workDir
// as a detached checkout, returning the commit id fetched.
func (g *Gateway) EnsureWorktree(url, branch string, deadline time.Time, repoDir, workDir string) (string, error) {
	wd := watchdog.New(deadline)
	go wd.Run()
	defer wd.Cancel()

	if !hasGitDir(repoDir) {
		if err := g.clone(url, repoDir, wd); err != nil {
			return "", fmt.Errorf("cloning %s: %w", safeURL(url), err)
		}
	} else {
		if err := g.fetch(repoDir, url, branch, wd); err != nil {
			return "", fmt.Errorf("fetching %s: %w", safeURL(url), err)
		}
	}

	commitID, err := g.run(repoDir, wd, "rev-parse", "refs/heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("resolving refs/heads/%s: %w", branch, err)
	}

	if err := g.checkout(repoDir, workDir, commitID, wd); err != nil {
		return "", fmt.Errorf("checking out %s: %w", commitID, err)
	}

	return commitID, nil
}

func (g *Gateway) clone(url, repoDir string, wd *watchdog.Watchdog) error {
	if err := fileutil.EnsureDir(repoDir); err != nil {
		return fmt.Errorf("creating repo dir: %w", err)
	}
	_, err := g.run(".", wd,
		"-c", "credential.helper=",
		"clone", "--bare", "--no-checkout", url, repoDir,
	)
	if err != nil {
		return err
	}
	return g.ensureIdentity(repoDir, wd)
}

func (g *Gateway) fetch(repoDir, url, branch string, wd *watchdog.Watchdog) error {
	if err := g.ensureIdentity(repoDir, wd); err != nil {
		return err
	}
	refspec := fmt.Sprintf("+%s:refs/heads/%s", "refs/heads/"+branch, branch)
	_, err := g.run(repoDir, wd,
		"-c", "credential.helper=",
		"-c", fmt.Sprintf("user.name=%s", identityName),
		"-c", fmt.Sprintf("user.email=%s", identityEmail),
		"-c", "core.logAllRefUpdates=always",
		"fetch",
		"--force",
		url, refspec,
	)
	if err != nil {
		return err
	}
	commitID, err := g.run(repoDir, wd, "rev-parse", "FETCH_HEAD")
	if err != nil {
		return fmt.Errorf("resolving FETCH_HEAD: %w", err)
	}
	_, err = g.run(repoDir, wd,
		"update-ref",
		"-m", fetchReflogMessage,
		"refs/heads/"+branch,
		commitID,
	)
	return err
}

// ensureIdentity overrides user.name/user.email in the repo's local config
// unconditionally, matching the original's "always set" placeholder
// identity rather than a set-only-if-unset fallback.
func (g *Gateway) ensureIdentity(repoDir string, wd *watchdog.Watchdog) error {
	if _, err := g.run(repoDir, wd, "config", "user.name", identityName); err != nil {
		return err
	}
	if _, err := g.run(repoDir, wd, "config", "user.email", identityEmail); err != nil {
		return err
	}
	return nil
}

func (g *Gateway) checkout(repoDir, workDir, commitID string, wd *watchdog.Watchdog) error {
	if err := os.RemoveAll(workDir); err != nil {
		return fmt.Errorf("clearing workdir: %w", err)
	}
	if err := fileutil.EnsureDir(workDir); err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}
	_, err := g.run(".", wd,
		"--git-dir", repoDir,
		"--work-tree", workDir,
		"checkout", "--detach", "--force", commitID,
	)
	if err != nil {
		return err
	}
	// checkout --force leaves an index in the repo's git-dir pointing at
	// workDir; clean it so the next EnsureWorktree call starts fresh.
	_, _ = g.run(repoDir, wd, "read-tree", "--empty")
	return nil
}

func (g *Gateway) run(dir string, wd *watchdog.Watchdog, args ...string) (string, error) {
	if wd.Cancelled() {
		return "", fmt.Errorf("git %s: deadline exceeded", strings.Join(args, " "))
	}
	binary := g.Binary
	if binary == "" {
		binary = "git"
	}
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case runErr := <-done:
			if runErr != nil {
				return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(out.String()), runErr)
			}
			return strings.TrimSpace(out.String()), nil
		default:
		}
		if wd.Cancelled() {
			_ = cmd.Process.Kill()
			<-done
			return "", fmt.Errorf("git %s: deadline exceeded", strings.Join(args, " "))
		}
		time.Sleep(watchdog.PollInterval)
	}
}

func hasGitDir(repoDir string) bool {
	info, err := os.Stat(filepath.Join(repoDir, "HEAD"))
	return err == nil && !info.IsDir()
}

// safeURL renders a URL with any embedded credentials stripped, safe to
// include in error messages.
func safeURL(url string) string {
	if i := strings.Index(url, "@"); i != -1 {
		if j := strings.Index(url, "://"); j != -1 && j < i {
			return url[:j+3] + url[i+1:]
		}
	}
	return url
}
