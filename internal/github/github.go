// Package github wraps the code-host collaborators: OAuth token exchange,
// repository browsing, and pull-request submission. Every call authenticates
// with the caller's bearer token; the service itself holds no tokens.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

// OAuthConfig builds the OAuth app configuration for the web authorization
// flow (code-for-token exchange).
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"repo", "user"},
		Endpoint:     githuboauth.Endpoint,
	}
}

// Client talks to the GitHub REST API on behalf of a user token.
type Client struct{}

func (Client) api(token string) *gh.Client {
	return gh.NewClient(nil).WithAuthToken(token)
}

// ListRepos returns the authenticated user's repositories, most recently
// updated first.
func (c Client) ListRepos(ctx context.Context, token string) ([]*gh.Repository, error) {
	repos, _, err := c.api(token).Repositories.ListByAuthenticatedUser(ctx,
		&gh.RepositoryListByAuthenticatedUserOptions{
			Sort:        "updated",
			ListOptions: gh.ListOptions{PerPage: 20},
		})
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}

// ListContents returns the entries of a directory in the repository. The
// repository root is path "".
func (c Client) ListContents(ctx context.Context, token, owner, repo, path string) ([]*gh.RepositoryContent, error) {
	file, dir, _, err := c.api(token).Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		return nil, fmt.Errorf("get contents: %w", err)
	}
	if file != nil {
		return []*gh.RepositoryContent{file}, nil
	}
	return dir, nil
}

// GetBlob fetches a git blob by SHA and decodes its content.
func (c Client) GetBlob(ctx context.Context, token, owner, repo, sha string) (string, error) {
	blob, _, err := c.api(token).Git.GetBlob(ctx, owner, repo, sha)
	if err != nil {
		return "", fmt.Errorf("get blob: %w", err)
	}
	raw := blob.GetContent()
	if blob.GetEncoding() == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw, "\n", ""))
		if err != nil {
			return "", fmt.Errorf("decode blob: %w", err)
		}
		return string(decoded), nil
	}
	return raw, nil
}

// PullRequestInput describes a change proposal: one generated test file
// committed to a fresh branch with a pull request against the default branch.
type PullRequestInput struct {
	Owner         string `json:"owner" validate:"required"`
	Repo          string `json:"repo" validate:"required"`
	FilePath      string `json:"filePath" validate:"required"`
	FileContent   string `json:"fileContent" validate:"required"`
	CommitMessage string `json:"commitMessage" validate:"required"`
	Title         string `json:"title" validate:"required"`
	Body          string `json:"body"`
}

// CreatePullRequest creates a branch from the default branch head, commits
// the file, and opens a pull request. Returns the PR's HTML URL.
func (c Client) CreatePullRequest(ctx context.Context, token string, in PullRequestInput) (string, error) {
	api := c.api(token)

	repository, _, err := api.Repositories.Get(ctx, in.Owner, in.Repo)
	if err != nil {
		return "", fmt.Errorf("get repository: %w", err)
	}
	base := repository.GetDefaultBranch()

	branch, _, err := api.Repositories.GetBranch(ctx, in.Owner, in.Repo, base, 0)
	if err != nil {
		return "", fmt.Errorf("get base branch: %w", err)
	}

	branchName := fmt.Sprintf("ai-test-%d", time.Now().UnixMilli())
	_, _, err = api.Git.CreateRef(ctx, in.Owner, in.Repo, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branchName),
		Object: &gh.GitObject{SHA: branch.Commit.SHA},
	})
	if err != nil {
		return "", fmt.Errorf("create branch: %w", err)
	}

	_, _, err = api.Repositories.CreateFile(ctx, in.Owner, in.Repo, in.FilePath,
		&gh.RepositoryContentFileOptions{
			Message: gh.String(in.CommitMessage),
			Content: []byte(in.FileContent),
			Branch:  gh.String(branchName),
		})
	if err != nil {
		return "", fmt.Errorf("commit file: %w", err)
	}

	pr, _, err := api.PullRequests.Create(ctx, in.Owner, in.Repo, &gh.NewPullRequest{
		Title: gh.String(in.Title),
		Head:  gh.String(branchName),
		Base:  gh.String(base),
		Body:  gh.String(in.Body),
	})
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}
