package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/assesshub/backend/internal/config"
	"github.com/assesshub/backend/internal/metrics"
	"github.com/assesshub/backend/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GitHubClient provisions working copies through a GitHub App installation.
// Template generation gives each candidate a single squashed commit, and the
// short-lived installation tokens double as clone credentials.
type GitHubClient struct {
	cfg        config.GitHubConfig
	httpClient *http.Client
	privateKey *rsa.PrivateKey
}

// APIError carries the GitHub response status for callers that care.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api: status %d: %s", e.Status, e.Message)
}

func NewGitHubClient(cfg config.GitHubConfig) (*GitHubClient, error) {
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("github app private key: %w", err)
	}

	return &GitHubClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		privateKey: key,
	}, nil
}

// The key arrives raw PEM or base64-wrapped depending on how the deployment
// injects it.
func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty key")
	}
	if !strings.Contains(raw, "PRIVATE KEY") {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("key is neither PEM nor base64: %w", err)
		}
		raw = string(decoded)
	}
	return jwt.ParseRSAPrivateKeyFromPEM([]byte(raw))
}

func (g *GitHubClient) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    g.cfg.AppID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.privateKey)
}

type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (g *GitHubClient) installationToken(ctx context.Context) (*installationToken, error) {
	appJWT, err := g.appJWT()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", g.cfg.APIBaseURL, g.cfg.InstallationID)
	var token installationToken
	if err := g.doJSON(ctx, http.MethodPost, url, "Bearer "+appJWT, map[string]interface{}{}, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (g *GitHubClient) doJSON(ctx context.Context, method, url, authorization string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		message := resp.Status
		var ghErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &ghErr) == nil && ghErr.Message != "" {
			message = ghErr.Message
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}

	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (g *GitHubClient) installationAuth(ctx context.Context) (string, error) {
	token, err := g.installationToken(ctx)
	if err != nil {
		return "", err
	}
	return "token " + token.Token, nil
}

// CreateWorkingCopy generates a private repository from the template. GitHub's
// template generation squashes history to a single initial commit.
func (g *GitHubClient) CreateWorkingCopy(ctx context.Context, templateRef, branch, name string) (*WorkingCopy, error) {
	start := time.Now()
	copyRepo, err := g.createWorkingCopy(ctx, templateRef, branch, name)
	metrics.ObserveProviderCall("create_working_copy", start, err)
	return copyRepo, err
}

func (g *GitHubClient) createWorkingCopy(ctx context.Context, templateRef, branch, name string) (*WorkingCopy, error) {
	auth, err := g.installationAuth(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/generate", g.cfg.APIBaseURL, templateRef)
	payload := map[string]interface{}{
		"owner":                g.cfg.Org,
		"name":                 name,
		"private":              true,
		"include_all_branches": false,
	}

	var created struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	}
	if err := g.doJSON(ctx, http.MethodPost, url, auth, payload, &created); err != nil {
		return nil, err
	}

	// Template generation always copies the template's default branch; keep
	// the copy's default aligned with the challenge branch.
	if branch != "" && branch != "main" {
		patchURL := fmt.Sprintf("%s/repos/%s", g.cfg.APIBaseURL, created.FullName)
		if err := g.doJSON(ctx, http.MethodPatch, patchURL, auth, map[string]interface{}{"default_branch": branch}, nil); err != nil {
			logger.Warn("github_default_branch_update_failed", map[string]interface{}{
				"repo":   created.FullName,
				"branch": branch,
				"error":  err.Error(),
			})
		}
	}

	return &WorkingCopy{FullName: created.FullName, HTMLURL: created.HTMLURL}, nil
}

// IssueCredential mints a fresh installation token scoped clone URL. The
// returned Ref is a local identifier only; the secret never leaves CloneURL.
func (g *GitHubClient) IssueCredential(ctx context.Context, copyRef string) (*Credential, error) {
	start := time.Now()
	cred, err := g.issueCredential(ctx, copyRef)
	metrics.ObserveProviderCall("issue_credential", start, err)
	return cred, err
}

func (g *GitHubClient) issueCredential(ctx context.Context, copyRef string) (*Credential, error) {
	token, err := g.installationToken(ctx)
	if err != nil {
		return nil, err
	}

	return &Credential{
		Ref:       uuid.New().String(),
		CloneURL:  fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token.Token, copyRef),
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// RevokeCredential is a no-op for GitHub: installation tokens cannot be
// revoked individually and expire within the hour on their own.
func (g *GitHubClient) RevokeCredential(ctx context.Context, credentialRef string) error {
	logger.Info("github_credential_revocation_skipped", map[string]interface{}{
		"credential_ref": credentialRef,
		"reason":         "installation tokens expire on their own",
	})
	return nil
}

func (g *GitHubClient) ArchiveRepo(ctx context.Context, repoFullName string) error {
	start := time.Now()
	err := g.archiveRepo(ctx, repoFullName)
	metrics.ObserveProviderCall("archive_repo", start, err)
	return err
}

func (g *GitHubClient) archiveRepo(ctx context.Context, repoFullName string) error {
	auth, err := g.installationAuth(ctx)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/repos/%s", g.cfg.APIBaseURL, repoFullName)
	return g.doJSON(ctx, http.MethodPatch, url, auth, map[string]interface{}{"archived": true}, nil)
}

func (g *GitHubClient) GetBranchHeadSHA(ctx context.Context, repoFullName, branch string) (string, error) {
	start := time.Now()
	sha, err := g.getBranchHeadSHA(ctx, repoFullName, branch)
	metrics.ObserveProviderCall("branch_head_sha", start, err)
	return sha, err
}

func (g *GitHubClient) getBranchHeadSHA(ctx context.Context, repoFullName, branch string) (string, error) {
	auth, err := g.installationAuth(ctx)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/repos/%s/branches/%s", g.cfg.APIBaseURL, repoFullName, branch)
	var out struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := g.doJSON(ctx, http.MethodGet, url, auth, nil, &out); err != nil {
		return "", err
	}
	return out.Commit.SHA, nil
}

func (g *GitHubClient) ListTree(ctx context.Context, repoFullName, sha string) ([]TreeEntry, error) {
	start := time.Now()
	entries, err := g.listTree(ctx, repoFullName, sha)
	metrics.ObserveProviderCall("list_tree", start, err)
	return entries, err
}

func (g *GitHubClient) listTree(ctx context.Context, repoFullName, sha string) ([]TreeEntry, error) {
	auth, err := g.installationAuth(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/git/trees/%s?recursive=1", g.cfg.APIBaseURL, repoFullName, sha)
	var out struct {
		Tree []TreeEntry `json:"tree"`
	}
	if err := g.doJSON(ctx, http.MethodGet, url, auth, nil, &out); err != nil {
		return nil, err
	}
	return out.Tree, nil
}

const (
	importPollInterval = 5 * time.Second
	importMaxWait      = 5 * time.Minute
)

// PrepareSeed makes sure the org-side seed repository for a challenge exists,
// is populated from the upstream URL, and is usable as a template. Hosting
// problems are collected as warnings so challenge creation still succeeds.
func (g *GitHubClient) PrepareSeed(ctx context.Context, slug, seedURL string) (*SeedRepo, error) {
	start := time.Now()
	seed, err := g.prepareSeed(ctx, slug, seedURL)
	metrics.ObserveProviderCall("prepare_seed", start, err)
	return seed, err
}

func (g *GitHubClient) prepareSeed(ctx context.Context, slug, seedURL string) (*SeedRepo, error) {
	auth, err := g.installationAuth(ctx)
	if err != nil {
		return nil, err
	}

	repoName := fmt.Sprintf("challenges-%s-seed", slug)
	repoFull := fmt.Sprintf("%s/%s", g.cfg.Org, repoName)
	seed := &SeedRepo{FullName: repoFull}

	exists, err := g.repoExists(ctx, auth, repoFull)
	if err != nil {
		seed.Warnings = append(seed.Warnings, fmt.Sprintf("could not check seed repository %s: %v", repoFull, err))
		return seed, nil
	}

	if !exists {
		createURL := fmt.Sprintf("%s/orgs/%s/repos", g.cfg.APIBaseURL, g.cfg.Org)
		payload := map[string]interface{}{
			"name":        repoName,
			"private":     false,
			"description": fmt.Sprintf("Seed for challenge %s", slug),
		}
		if err := g.doJSON(ctx, http.MethodPost, createURL, auth, payload, nil); err != nil {
			var apiErr *APIError
			if !(errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity) {
				seed.Warnings = append(seed.Warnings, fmt.Sprintf("could not create seed repository %s: %v", repoFull, err))
				return seed, nil
			}
			// 422 means the name is taken; use the existing repository.
		}

		if err := g.importRepo(ctx, auth, repoFull, seedURL); err != nil {
			seed.Warnings = append(seed.Warnings, fmt.Sprintf("seed import into %s failed: %v", repoFull, err))
			return seed, nil
		}
	}

	patchURL := fmt.Sprintf("%s/repos/%s", g.cfg.APIBaseURL, repoFull)
	if err := g.doJSON(ctx, http.MethodPatch, patchURL, auth, map[string]interface{}{"is_template": true}, nil); err != nil {
		seed.Warnings = append(seed.Warnings, fmt.Sprintf("could not mark %s as template: %v", repoFull, err))
	}

	sha, err := g.getBranchHeadSHA(ctx, repoFull, "main")
	if err != nil {
		seed.Warnings = append(seed.Warnings, fmt.Sprintf("could not read head of %s: %v", repoFull, err))
	} else {
		seed.HeadSHA = &sha
	}

	return seed, nil
}

func (g *GitHubClient) repoExists(ctx context.Context, auth, repoFull string) (bool, error) {
	url := fmt.Sprintf("%s/repos/%s", g.cfg.APIBaseURL, repoFull)
	err := g.doJSON(ctx, http.MethodGet, url, auth, nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (g *GitHubClient) importRepo(ctx context.Context, auth, repoFull, seedURL string) error {
	importURL := fmt.Sprintf("%s/repos/%s/import", g.cfg.APIBaseURL, repoFull)
	vcsURL := seedURL
	if !strings.HasSuffix(vcsURL, ".git") {
		vcsURL = strings.TrimSuffix(vcsURL, "/") + ".git"
	}

	payload := map[string]interface{}{"vcs": "git", "vcs_url": vcsURL}
	if err := g.doJSON(ctx, http.MethodPut, importURL, auth, payload, nil); err != nil {
		return err
	}

	deadline := time.Now().Add(importMaxWait)
	for {
		var status struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := g.doJSON(ctx, http.MethodGet, importURL, auth, nil, &status); err != nil {
			return err
		}

		switch strings.ToLower(status.Status) {
		case "complete":
			return nil
		case "failed", "error", "auth_failed":
			return fmt.Errorf("import failed: %s", status.Message)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("import did not complete within %s", importMaxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(importPollInterval):
		}
	}
}
