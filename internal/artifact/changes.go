package artifact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Change is one recent commit touching the artifact set.
type Change struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
	Message string    `json:"message"`
	Files   []string  `json:"files,omitempty"`
}

// RepoInfo summarizes the repository enclosing an artifact root.
type RepoInfo struct {
	Branch  string   `json:"branch,omitempty"`
	Head    string   `json:"head,omitempty"`
	Changes []Change `json:"changes,omitempty"`
}

// RecentChanges returns up to limit commits reachable from HEAD, newest
// first. A root outside any git repository, or a repository without
// commits, yields an empty result rather than an error.
func RecentChanges(ctx context.Context, root string, limit int) (*RepoInfo, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return &RepoInfo{}, nil
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return &RepoInfo{}, nil
		}
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	info := &RepoInfo{Head: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	if limit <= 0 {
		return info, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(info.Changes) >= limit {
			return storer.ErrStop
		}
		change := Change{
			Hash:    c.Hash.String(),
			Author:  c.Author.Name,
			When:    c.Author.When,
			Message: strings.TrimSpace(c.Message),
		}
		if stats, err := c.Stats(); err == nil {
			for _, s := range stats {
				change.Files = append(change.Files, s.Name)
			}
			sort.Strings(change.Files)
		}
		info.Changes = append(info.Changes, change)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	return info, nil
}
