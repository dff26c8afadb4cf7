// Package github talks to the GitHub Actions API on behalf of the
// fleet: one-time registration tokens for new runners, the registered
// runner listing the reconciler polls, and best-effort deregistration
// when instances are torn down.
//
// The scope (organization or repository) is derived from the
// configured URL: one path segment is an org, two are owner/repo.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v57/github"
)

// Config selects the target and the auth strategy.  Exactly one of
// Token or the App fields must be set; config validation enforces that
// before New is called.
type Config struct {
	// URL is https://github.com/<org> or https://github.com/<org>/<repo>.
	URL string

	// Token is a PAT with admin:org (org scope) or repo (repo scope).
	Token string

	// App auth: application ID, installation ID, PEM-encoded private key.
	AppID          int64
	InstallationID int64
	PrivateKey     []byte
}

// Runner is the platform's view of a registered runner.
type Runner struct {
	ID     int64
	Name   string
	Online bool
	Busy   bool
}

// RegistrationToken is a one-time runner registration credential.
type RegistrationToken struct {
	Token     string
	ExpiresAt time.Time
}

// Client wraps the go-github Actions API for a single org or repo.
type Client struct {
	gh     *gogithub.Client
	target string // original URL, handed to runners as their registration URL
	owner  string
	repo   string // empty for org scope
	logger *slog.Logger
}

// New builds a Client with PAT or GitHub App installation auth.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	var gh *gogithub.Client
	switch {
	case cfg.Token != "":
		gh = gogithub.NewClient(nil).WithAuthToken(cfg.Token)
	case cfg.AppID != 0:
		transport, err := ghinstallation.New(http.DefaultTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("github app transport: %w", err)
		}
		gh = gogithub.NewClient(&http.Client{Transport: transport})
	default:
		return nil, errors.New("github auth: neither token nor app credentials configured")
	}

	return newWithClient(gh, cfg.URL, logger)
}

// newWithClient finishes construction from an already-authenticated
// go-github client.  Split from New so tests can point the client at an
// httptest server.
func newWithClient(gh *gogithub.Client, target string, logger *slog.Logger) (*Client, error) {
	owner, repo, err := parseTarget(target)
	if err != nil {
		return nil, err
	}

	return &Client{
		gh:     gh,
		target: target,
		owner:  owner,
		repo:   repo,
		logger: logger,
	}, nil
}

// URL returns the registration URL runners point their agent at.
func (c *Client) URL() string { return c.target }

// CreateRegistrationToken fetches a fresh one-time registration token.
// Tokens are runner-specific by convention: the caller requests one per
// runner it provisions.
func (c *Client) CreateRegistrationToken(ctx context.Context) (RegistrationToken, error) {
	var (
		token *gogithub.RegistrationToken
		err   error
	)
	if c.repo == "" {
		token, _, err = c.gh.Actions.CreateOrganizationRegistrationToken(ctx, c.owner)
	} else {
		token, _, err = c.gh.Actions.CreateRegistrationToken(ctx, c.owner, c.repo)
	}
	if err != nil {
		return RegistrationToken{}, fmt.Errorf("create registration token: %w", err)
	}

	return RegistrationToken{
		Token:     token.GetToken(),
		ExpiresAt: token.GetExpiresAt().Time,
	}, nil
}

// ListRunners returns every runner registered under the target,
// following pagination.
func (c *Client) ListRunners(ctx context.Context) ([]Runner, error) {
	opts := &gogithub.ListOptions{PerPage: 100}

	var all []Runner
	for {
		var (
			page *gogithub.Runners
			resp *gogithub.Response
			err  error
		)
		if c.repo == "" {
			page, resp, err = c.gh.Actions.ListOrganizationRunners(ctx, c.owner, opts)
		} else {
			page, resp, err = c.gh.Actions.ListRunners(ctx, c.owner, c.repo, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("list runners: %w", err)
		}

		for _, r := range page.Runners {
			all = append(all, Runner{
				ID:     r.GetID(),
				Name:   r.GetName(),
				Online: r.GetStatus() == "online",
				Busy:   r.GetBusy(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// RemoveRunner deregisters the named runner from the platform.  An
// unknown name is a no-op: the runner either never registered or was
// already removed, and deregistration is best-effort by contract.
func (c *Client) RemoveRunner(ctx context.Context, name string) error {
	runners, err := c.ListRunners(ctx)
	if err != nil {
		return err
	}

	var id int64
	found := false
	for _, r := range runners {
		if r.Name == name {
			id = r.ID
			found = true
			break
		}
	}
	if !found {
		c.logger.Debug("runner not registered, nothing to deregister",
			slog.String("runner", name))
		return nil
	}

	if c.repo == "" {
		_, err = c.gh.Actions.RemoveOrganizationRunner(ctx, c.owner, id)
	} else {
		_, err = c.gh.Actions.RemoveRunner(ctx, c.owner, c.repo, id)
	}
	if err != nil {
		return fmt.Errorf("remove runner %s: %w", name, err)
	}

	c.logger.Info("runner deregistered", slog.String("runner", name))
	return nil
}

// IsRetryable classifies API errors: rate limits and server errors
// clear on their own, 4xx rejections do not.  Unknown errors (usually
// network trouble) count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		return code >= 500 || code == http.StatusTooManyRequests
	}

	return true
}

// parseTarget splits a GitHub URL into owner and optional repo.
func parseTarget(target string) (owner, repo string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("github url %q: %w", target, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return parts[0], "", nil
	case len(parts) == 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("github url %q: want /<org> or /<org>/<repo>", target)
	}
}
