package collaborators

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nvdpsingh/DevPilot/internal/config"
	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
)

const publishRemote = "origin"

// Publisher creates a GitHub repository for a completed project and pushes
// the project's git history to it.
type Publisher struct {
	gh      *github.Client
	token   config.Secret
	owner   string
	private bool
	logger  *logging.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(l *logging.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// WithGitHubClient replaces the API client.
func WithGitHubClient(c *github.Client) PublisherOption {
	return func(p *Publisher) { p.gh = c }
}

// NewPublisher creates a Publisher authenticated with the configured token.
func NewPublisher(ctx context.Context, cfg config.PublisherConfig, opts ...PublisherOption) (*Publisher, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	p := &Publisher{
		gh:      github.NewClient(oauth2.NewClient(ctx, ts)),
		token:   cfg.Token,
		owner:   cfg.Owner,
		private: cfg.Private,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish implements orchestrator.Publisher and returns the repository URL.
func (p *Publisher) Publish(ctx context.Context, name string, fileset orchestrator.FilesetRef) (string, error) {
	repo, err := p.ensureRepo(ctx, name)
	if err != nil {
		return "", err
	}
	if err := p.push(ctx, fileset.Dir, repo.GetCloneURL()); err != nil {
		return "", err
	}
	p.logger.Info(ctx, "project published",
		zap.String("repository", repo.GetFullName()),
		zap.String("commit", fileset.Commit),
	)
	return repo.GetHTMLURL(), nil
}

// ensureRepo creates the repository, reusing it when it already exists.
func (p *Publisher) ensureRepo(ctx context.Context, name string) (*github.Repository, error) {
	repo, resp, err := p.gh.Repositories.Create(ctx, p.owner, &github.Repository{
		Name:        github.String(name),
		Description: github.String("Generated by devpilot"),
		Private:     github.Bool(p.private),
	})
	if err == nil {
		return repo, nil
	}
	if resp == nil || resp.StatusCode != http.StatusUnprocessableEntity {
		return nil, githubError("create repository", resp, err)
	}

	owner := p.owner
	if owner == "" {
		user, uresp, uerr := p.gh.Users.Get(ctx, "")
		if uerr != nil {
			return nil, githubError("resolve user", uresp, uerr)
		}
		owner = user.GetLogin()
	}
	repo, resp, err = p.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, githubError("get repository", resp, err)
	}
	return repo, nil
}

func (p *Publisher) push(ctx context.Context, dir, url string) error {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	_, err = r.CreateRemote(&gitconfig.RemoteConfig{Name: publishRemote, URLs: []string{url}})
	if err != nil && !errors.Is(err, git.ErrRemoteExists) {
		return fmt.Errorf("add remote: %w", err)
	}

	opts := &git.PushOptions{
		RemoteName: publishRemote,
		RemoteURL:  url,
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/*:refs/heads/*"},
	}
	if strings.HasPrefix(url, "https://") {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: p.token.Value()}
	}
	err = r.PushContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return orchestrator.Retryable(fmt.Errorf("push: %w", err))
	}
	return nil
}

// githubError marks rate limits and server errors retryable.
func githubError(op string, resp *github.Response, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if resp == nil || resp.Response == nil {
		return orchestrator.Retryable(wrapped)
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests, code >= 500:
		return orchestrator.Retryable(wrapped)
	case code == http.StatusForbidden && resp.Rate.Remaining == 0 && resp.Rate.Limit > 0:
		return orchestrator.Retryable(wrapped)
	default:
		return wrapped
	}
}
