// Package provider defines the narrow source-control hosting contract the
// assignment lifecycle depends on, plus the GitHub App implementation.
package provider

import (
	"context"
	"time"
)

// WorkingCopy is an isolated per-candidate repository created from a
// challenge template, with history squashed to a single commit.
type WorkingCopy struct {
	FullName string `json:"fullName"`
	HTMLURL  string `json:"htmlURL"`
}

// Credential is a time-limited clone grant scoped to one working copy.
// Ref is an opaque local identifier; the secret only appears inside CloneURL.
type Credential struct {
	Ref       string    `json:"ref"`
	CloneURL  string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RepositoryProvider is everything the lifecycle engine is allowed to ask of
// the hosting side. All three calls are fallible remote I/O and must be
// invoked under a bounded context.
type RepositoryProvider interface {
	CreateWorkingCopy(ctx context.Context, templateRef, branch, name string) (*WorkingCopy, error)
	IssueCredential(ctx context.Context, copyRef string) (*Credential, error)
	// RevokeCredential is best-effort; providers whose grants expire on their
	// own may treat it as a no-op.
	RevokeCredential(ctx context.Context, credentialRef string) error
}

type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// RepoInspector serves the admin review surface: head pinning on submit and
// the seed-vs-candidate tree compare.
type RepoInspector interface {
	GetBranchHeadSHA(ctx context.Context, repoFullName, branch string) (string, error)
	ListTree(ctx context.Context, repoFullName, sha string) ([]TreeEntry, error)
}

// Archiver freezes a working copy after submission.
type Archiver interface {
	ArchiveRepo(ctx context.Context, repoFullName string) error
}

// SeedRepo is the outcome of preparing a challenge's template repository.
// Setup problems are reported as warnings rather than failures so challenge
// creation never blocks on hosting hiccups.
type SeedRepo struct {
	FullName string   `json:"fullName"`
	HeadSHA  *string  `json:"headSHA,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type SeedPreparer interface {
	PrepareSeed(ctx context.Context, slug, seedURL string) (*SeedRepo, error)
}
