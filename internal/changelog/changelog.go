// Package changelog lists the commits that went into a build by reading
// the branch checkout's git history since the previous successful build.
package changelog

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const maxCommits = 50

// Generator produces changelogs from branch checkouts under the
// workspace root.
type Generator struct {
	workspaceRoot string
}

// NewGenerator creates a generator over the given workspace.
func NewGenerator(workspaceRoot string) *Generator {
	return &Generator{workspaceRoot: workspaceRoot}
}

// CommitsSince renders a markdown list of commits in the branch checkout
// newer than since. A zero since lists the most recent commits. Returns
// an empty string when the checkout is not a git repository.
func (g *Generator) CommitsSince(branch string, since time.Time) (string, error) {
	repoPath := filepath.Join(g.workspaceRoot, branch)
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", nil
		}
		return "", fmt.Errorf("open repository %s: %w", repoPath, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}

	opts := &git.LogOptions{From: head.Hash()}
	if !since.IsZero() {
		opts.Since = &since
	}
	iter, err := repo.Log(opts)
	if err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var lines []string
	err = iter.ForEach(func(c *object.Commit) error {
		if len(lines) >= maxCommits {
			return errStopIteration
		}
		lines = append(lines, formatCommit(c))
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return "", fmt.Errorf("iterate log: %w", err)
	}

	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n"), nil
}

var errStopIteration = errors.New("stop iteration")

func formatCommit(c *object.Commit) string {
	subject := c.Message
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = subject[:idx]
	}
	return fmt.Sprintf("- %s %s (%s)", c.Hash.String()[:8], strings.TrimSpace(subject), c.Author.Name)
}
