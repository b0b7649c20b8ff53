package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/types"
)

// branchFallbacks is tried in order when a remote does not advertise its
// default branch.
var branchFallbacks = []string{"main", "master", "trunk", "develop"}

// GitRemote clones or fetches repositories into a local cache directory
// and reads commit history from them. All access is read-only; Jervis
// never pushes.
type GitRemote struct {
	cloneDir string
	depth    int
	logger   zerolog.Logger
}

// NewGitRemote creates a GitRemote caching clones under cloneDir with the
// given fetch depth (0 means full history).
func NewGitRemote(cloneDir string, depth int) *GitRemote {
	return &GitRemote{
		cloneDir: cloneDir,
		depth:    depth,
		logger:   log.WithComponent("sources.git"),
	}
}

// DefaultBranch asks the remote for its HEAD symref, the equivalent of
// `ls-remote --symref`. When the remote does not advertise one, the
// fallback names are checked against the advertised refs in order.
func (g *GitRemote) DefaultBranch(ctx context.Context, conn *types.Connection, repoURL string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: gitAuth(conn)})
	if err != nil {
		return "", classifyGitErr("git ls-remote "+repoURL, err)
	}

	names := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD && ref.Type() == plumbing.SymbolicReference {
			return ref.Target().Short(), nil
		}
		names[ref.Name().Short()] = true
	}

	for _, candidate := range branchFallbacks {
		if names[candidate] {
			return candidate, nil
		}
	}
	return "", types.Permanent("git ls-remote "+repoURL,
		fmt.Errorf("no default branch advertised and no fallback branch found"))
}

// SyncCommits clones the repository on first sight and fetches afterwards,
// then returns the commit history of the branch, newest first. An empty
// branch triggers default-branch discovery; a configured branch that no
// longer exists on the remote falls back to the discovered default. The
// branch actually used is returned so the caller can persist it.
func (g *GitRemote) SyncCommits(ctx context.Context, conn *types.Connection, repoURL, branch string) ([]types.GitCommit, string, error) {
	if branch == "" {
		discovered, err := g.DefaultBranch(ctx, conn, repoURL)
		if err != nil {
			return nil, "", err
		}
		branch = discovered
	}

	commits, err := g.syncBranch(ctx, conn, repoURL, branch)
	if err == nil {
		return commits, branch, nil
	}
	if !isBranchNotFound(err) {
		return nil, branch, err
	}

	fallback, derr := g.DefaultBranch(ctx, conn, repoURL)
	if derr != nil || fallback == branch {
		return nil, branch, err
	}
	g.logger.Warn().
		Str("repo", repoURL).
		Str("branch", branch).
		Str("fallback", fallback).
		Msg("Configured branch missing on remote, using default branch")

	commits, err = g.syncBranch(ctx, conn, repoURL, fallback)
	if err != nil {
		return nil, branch, err
	}
	return commits, fallback, nil
}

func (g *GitRemote) syncBranch(ctx context.Context, conn *types.Connection, repoURL, branch string) ([]types.GitCommit, error) {
	repo, err := g.openOrClone(ctx, conn, repoURL, branch)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		// Fresh single-branch clones only have the local head
		ref, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err != nil {
			return nil, types.Permanent("git resolve branch "+branch, err)
		}
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, types.Permanent("git log "+repoURL, err)
	}
	defer iter.Close()

	var commits []types.GitCommit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		commits = append(commits, convertCommit(conn, repoURL, branch, c))
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return commits, types.Transient("git log "+repoURL, err)
	}

	g.logger.Debug().
		Str("repo", repoURL).
		Str("branch", branch).
		Int("commits", len(commits)).
		Msg("Synced repository history")
	return commits, nil
}

// isBranchNotFound reports whether a sync failure means the requested
// branch does not exist, either locally after fetch or on the remote
// during a single-branch clone.
func isBranchNotFound(err error) bool {
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "couldn't find remote ref")
}

func (g *GitRemote) openOrClone(ctx context.Context, conn *types.Connection, repoURL, branch string) (*git.Repository, error) {
	dir := g.localPath(repoURL)

	repo, err := git.PlainOpen(dir)
	if err == nil {
		fetchErr := repo.FetchContext(ctx, &git.FetchOptions{
			Auth:  gitAuth(conn),
			Depth: g.depth,
			Force: true,
		})
		if fetchErr != nil && !errors.Is(fetchErr, git.NoErrAlreadyUpToDate) {
			return nil, classifyGitErr("git fetch "+repoURL, fetchErr)
		}
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, types.Permanent("git open "+dir, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.Permanent("git clone dir", err)
	}
	repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           repoURL,
		Auth:          gitAuth(conn),
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         g.depth,
		NoCheckout:    true,
	})
	if err != nil {
		return nil, classifyGitErr("git clone "+repoURL, err)
	}
	return repo, nil
}

// localPath maps a repository URL onto a stable cache directory.
func (g *GitRemote) localPath(repoURL string) string {
	sum := sha256.Sum256([]byte(repoURL))
	return filepath.Join(g.cloneDir, hex.EncodeToString(sum[:8]))
}

func convertCommit(conn *types.Connection, repoURL, branch string, c *object.Commit) types.GitCommit {
	commit := types.GitCommit{
		ArtifactMeta: types.ArtifactMeta{
			ConnectionID:      conn.ID,
			SourceKey:         c.Hash.String(),
			ExternalUpdatedAt: c.Committer.When,
		},
		Hash:        c.Hash.String(),
		Author:      c.Author.Name,
		AuthorEmail: c.Author.Email,
		Message:     c.Message,
		CommittedAt: c.Committer.When,
		Branch:      branch,
		RepoURL:     repoURL,
	}

	if stats, err := c.Stats(); err == nil {
		for _, stat := range stats {
			commit.Files = append(commit.Files, stat.Name)
		}
	}
	return commit
}

func gitAuth(conn *types.Connection) transport.AuthMethod {
	if conn == nil || conn.HTTP == nil {
		return nil
	}
	h := conn.HTTP
	switch h.AuthType {
	case types.AuthBasic:
		return &githttp.BasicAuth{Username: h.Username, Password: h.Secret}
	case types.AuthBearer, types.AuthAPIKey:
		return &githttp.TokenAuth{Token: h.Secret}
	}
	return nil
}

func classifyGitErr(op string, err error) error {
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return types.Unauthorized(op, 0, err)
	}
	if errors.Is(err, transport.ErrRepositoryNotFound) {
		return types.Permanent(op, err)
	}
	return types.Transient(op, err)
}
