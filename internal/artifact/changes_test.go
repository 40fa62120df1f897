package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commit(t *testing.T, wt *git.Worktree, root, name, content, msg string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	_, err := wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestRecentChanges(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	commit(t, wt, root, "retry.js", "v1", "add retry helper")
	commit(t, wt, root, "retry.js", "v2", "retry forever")
	commit(t, wt, root, "poll.js", "v1", "add poller")

	info, err := RecentChanges(context.Background(), root, 2)
	require.NoError(t, err)

	assert.NotEmpty(t, info.Head)
	assert.NotEmpty(t, info.Branch)
	require.Len(t, info.Changes, 2)
	assert.Equal(t, "add poller", info.Changes[0].Message)
	assert.Equal(t, []string{"poll.js"}, info.Changes[0].Files)
	assert.Equal(t, "dev", info.Changes[0].Author)
}

func TestRecentChanges_NotARepo(t *testing.T) {
	info, err := RecentChanges(context.Background(), t.TempDir(), 5)
	require.NoError(t, err)
	assert.Empty(t, info.Changes)
}

func TestRecentChanges_EmptyRepo(t *testing.T) {
	root := t.TempDir()
	_, err := git.PlainInit(root, false)
	require.NoError(t, err)

	info, err := RecentChanges(context.Background(), root, 5)
	require.NoError(t, err)
	assert.Empty(t, info.Changes)
}
