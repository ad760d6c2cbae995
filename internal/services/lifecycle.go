package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/assesshub/backend/internal/metrics"
	"github.com/assesshub/backend/internal/models"
	"github.com/assesshub/backend/internal/provider"
	"github.com/assesshub/backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LifecycleService owns the per-invite state machine:
//
//	pending -> started -> submitted
//	pending -> expired            (start deadline passed)
//	started -> expired            (complete deadline passed)
//
// Expiry is evaluated lazily on every candidate action; no background
// scheduler is required, though Sweep exposes the same transition for one.
type LifecycleService struct {
	DB       *gorm.DB
	Provider provider.RepositoryProvider
	Audit    *AuditService

	// Inspector and Archiver are optional review-side extras; when nil,
	// submit skips head pinning and working-copy archival.
	Inspector provider.RepoInspector
	Archiver  provider.Archiver

	// Timeout bounds every provider call made on a candidate's behalf.
	Timeout time.Duration

	locks sync.Map // invite ID -> *sync.Mutex
	now   func() time.Time
}

func NewLifecycleService(db *gorm.DB, repos provider.RepositoryProvider, audit *AuditService, timeout time.Duration) *LifecycleService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LifecycleService{
		DB:       db,
		Provider: repos,
		Audit:    audit,
		Timeout:  timeout,
		now:      time.Now,
	}
}

type AssignmentView struct {
	Title               string              `json:"title"`
	Description         *string             `json:"description"`
	Instructions        *string             `json:"instructions"`
	Branch              string              `json:"branch"`
	Status              models.InviteStatus `json:"status"`
	StartDeadlineAt     time.Time           `json:"start_deadline_at"`
	CompleteWindowHours int                 `json:"complete_window_hours"`
	CompleteDeadlineAt  *time.Time          `json:"complete_deadline_at,omitempty"`
	StartedAt           *time.Time          `json:"started_at,omitempty"`
	SubmittedAt         *time.Time          `json:"submitted_at,omitempty"`
	RepoHTMLURL         *string             `json:"repo_html_url,omitempty"`
}

type StartResult struct {
	CloneURL    string `json:"clone_url"`
	RepoHTMLURL string `json:"repo_html_url"`
	Branch      string `json:"branch"`
}

type RefreshResult struct {
	CloneURL string `json:"clone_url"`
}

type SubmitResult struct {
	SubmittedAt time.Time `json:"submitted_at"`
}

func (s *LifecycleService) lockFor(id uuid.UUID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *LifecycleService) loadByToken(ctx context.Context, token string) (*models.Invite, error) {
	var invite models.Invite
	err := s.DB.WithContext(ctx).Preload("Challenge").First(&invite, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

// applyLazyExpiry transitions an overdue invite to expired before any guard
// runs. The write is a compare-and-swap on the expected prior state, so
// concurrent evaluations converge on the same terminal row.
func (s *LifecycleService) applyLazyExpiry(ctx context.Context, invite *models.Invite) (*ExpiredError, error) {
	now := s.now()

	switch invite.Status {
	case models.InviteStatusPending:
		if !Expired(now, invite.StartDeadlineAt) {
			return nil, nil
		}
		if err := s.expire(ctx, invite, models.InviteStatusPending); err != nil {
			return nil, err
		}
		return &ExpiredError{Deadline: DeadlineStart}, nil

	case models.InviteStatusStarted:
		if invite.CompleteDeadlineAt == nil || !Expired(now, *invite.CompleteDeadlineAt) {
			return nil, nil
		}
		if err := s.expire(ctx, invite, models.InviteStatusStarted); err != nil {
			return nil, err
		}
		return &ExpiredError{Deadline: DeadlineComplete}, nil
	}

	return nil, nil
}

func (s *LifecycleService) expire(ctx context.Context, invite *models.Invite, from models.InviteStatus) error {
	res := s.DB.WithContext(ctx).Model(&models.Invite{}).
		Where("id = ? AND status = ?", invite.ID, from).
		Updates(map[string]interface{}{
			"status":         models.InviteStatusExpired,
			"clone_url":      nil,
			"credential_ref": nil,
		})
	if res.Error != nil {
		return res.Error
	}

	invite.Status = models.InviteStatusExpired
	invite.CloneURL = nil
	invite.CredentialRef = nil

	if res.RowsAffected > 0 {
		metrics.RecordTransition(string(from), string(models.InviteStatusExpired))
		s.audit("invite.expired", invite, map[string]interface{}{"from": string(from)})
	}
	return nil
}

// View resolves a token read-only, applying lazy expiry first. No provider
// calls happen here.
func (s *LifecycleService) View(ctx context.Context, token string) (*AssignmentView, error) {
	invite, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if _, err := s.applyLazyExpiry(ctx, invite); err != nil {
		return nil, err
	}

	challenge := invite.Challenge
	return &AssignmentView{
		Title:               challenge.Title,
		Description:         challenge.Description,
		Instructions:        challenge.Instructions,
		Branch:              challenge.Branch,
		Status:              invite.Status,
		StartDeadlineAt:     invite.StartDeadlineAt,
		CompleteWindowHours: challenge.CompleteWindowHours,
		CompleteDeadlineAt:  invite.CompleteDeadlineAt,
		StartedAt:           invite.StartedAt,
		SubmittedAt:         invite.SubmittedAt,
		RepoHTMLURL:         invite.RepoHTMLURL,
	}, nil
}

// Start provisions the candidate's working copy and flips pending -> started.
// Not idempotent on purpose: provisioning is a one-shot boundary, and a
// second call fails with ErrInvalidState. The per-invite lock plus the
// conditional write guarantee at most one successful provisioning even under
// concurrent calls.
func (s *LifecycleService) Start(ctx context.Context, token string) (*StartResult, error) {
	invite, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(invite.ID)
	mu.Lock()
	defer mu.Unlock()

	// Reload under the lock; a concurrent racer may have won already.
	invite, err = s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	expiredErr, err := s.applyLazyExpiry(ctx, invite)
	if err != nil {
		return nil, err
	}
	if expiredErr != nil {
		return nil, expiredErr
	}

	if invite.Status != models.InviteStatusPending {
		return nil, ErrInvalidState
	}

	challenge := invite.Challenge
	copyName := fmt.Sprintf("challenges-%s-candidate-%d", challenge.Slug, s.now().UTC().Unix())

	pctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	// Provider calls come first; the state write only happens after both
	// succeed, so a failure leaves the invite pending and retryable.
	workingCopy, err := s.Provider.CreateWorkingCopy(pctx, challenge.SeedRepoFullName, challenge.Branch, copyName)
	if err != nil {
		return nil, &ProviderError{Op: "create_working_copy", Err: err}
	}

	credential, err := s.Provider.IssueCredential(pctx, workingCopy.FullName)
	if err != nil {
		return nil, &ProviderError{Op: "issue_credential", Err: err}
	}

	now := s.now().UTC()
	completeDeadline := CompleteDeadline(now, challenge.CompleteWindowHours)

	res := s.DB.WithContext(ctx).Model(&models.Invite{}).
		Where("id = ? AND status = ?", invite.ID, models.InviteStatusPending).
		Updates(map[string]interface{}{
			"status":               models.InviteStatusStarted,
			"started_at":           now,
			"complete_deadline_at": completeDeadline,
			"repo_full_name":       workingCopy.FullName,
			"repo_html_url":        workingCopy.HTMLURL,
			"clone_url":            credential.CloneURL,
			"credential_ref":       credential.Ref,
			"pinned_seed_sha":      challenge.SeedHeadSHA,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the provisioning race to another writer.
		return nil, ErrInvalidState
	}

	metrics.RecordTransition(string(models.InviteStatusPending), string(models.InviteStatusStarted))
	s.audit("invite.started", invite, map[string]interface{}{
		"repo_full_name":       workingCopy.FullName,
		"complete_deadline_at": completeDeadline,
	})

	logger.Info("assignment_started", map[string]interface{}{
		"invite_id":            invite.ID.String(),
		"challenge_id":         challenge.ID.String(),
		"repo_full_name":       workingCopy.FullName,
		"complete_deadline_at": completeDeadline,
	})

	return &StartResult{
		CloneURL:    credential.CloneURL,
		RepoHTMLURL: workingCopy.HTMLURL,
		Branch:      challenge.Branch,
	}, nil
}

// Refresh supersedes the current clone credential with a fresh one. Safe to
// call repeatedly while started; deadlines and state are untouched.
func (s *LifecycleService) Refresh(ctx context.Context, token string) (*RefreshResult, error) {
	invite, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(invite.ID)
	mu.Lock()
	defer mu.Unlock()

	invite, err = s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	expiredErr, err := s.applyLazyExpiry(ctx, invite)
	if err != nil {
		return nil, err
	}
	if expiredErr != nil {
		return nil, expiredErr
	}

	if invite.Status != models.InviteStatusStarted || invite.RepoFullName == nil {
		return nil, ErrInvalidState
	}

	pctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	s.revokeBestEffort(pctx, invite)

	credential, err := s.Provider.IssueCredential(pctx, *invite.RepoFullName)
	if err != nil {
		return nil, &ProviderError{Op: "issue_credential", Err: err}
	}

	res := s.DB.WithContext(ctx).Model(&models.Invite{}).
		Where("id = ? AND status = ?", invite.ID, models.InviteStatusStarted).
		Updates(map[string]interface{}{
			"clone_url":      credential.CloneURL,
			"credential_ref": credential.Ref,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrInvalidState
	}

	s.audit("invite.credential_refreshed", invite, map[string]interface{}{
		"credential_ref": credential.Ref,
	})

	return &RefreshResult{CloneURL: credential.CloneURL}, nil
}

// Submit finalizes the assignment exactly once. The state flip is the last
// required effect; credential revocation and working-copy archival afterwards
// are best-effort and never undo a submission.
func (s *LifecycleService) Submit(ctx context.Context, token string) (*SubmitResult, error) {
	invite, err := s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(invite.ID)
	mu.Lock()
	defer mu.Unlock()

	invite, err = s.loadByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	expiredErr, err := s.applyLazyExpiry(ctx, invite)
	if err != nil {
		return nil, err
	}
	if expiredErr != nil {
		return nil, expiredErr
	}

	if invite.Status != models.InviteStatusStarted {
		return nil, ErrInvalidState
	}

	pctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	// Pin the final head for review. A provider outage here must not stop a
	// candidate from submitting inside their window.
	var finalSHA *string
	if s.Inspector != nil && invite.RepoFullName != nil {
		if sha, err := s.Inspector.GetBranchHeadSHA(pctx, *invite.RepoFullName, invite.Challenge.Branch); err != nil {
			logger.Warn("final_sha_capture_failed", map[string]interface{}{
				"invite_id": invite.ID.String(),
				"error":     err.Error(),
			})
		} else {
			finalSHA = &sha
		}
	}

	now := s.now().UTC()
	res := s.DB.WithContext(ctx).Model(&models.Invite{}).
		Where("id = ? AND status = ?", invite.ID, models.InviteStatusStarted).
		Updates(map[string]interface{}{
			"status":           models.InviteStatusSubmitted,
			"submitted_at":     now,
			"final_commit_sha": finalSHA,
			"clone_url":        nil,
			"credential_ref":   nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrInvalidState
	}

	metrics.RecordTransition(string(models.InviteStatusStarted), string(models.InviteStatusSubmitted))
	s.audit("invite.submitted", invite, map[string]interface{}{
		"submitted_at":     now,
		"final_commit_sha": finalSHA,
	})

	s.revokeBestEffort(pctx, invite)
	if s.Archiver != nil && invite.RepoFullName != nil {
		if err := s.Archiver.ArchiveRepo(pctx, *invite.RepoFullName); err != nil {
			logger.Warn("working_copy_archive_failed", map[string]interface{}{
				"invite_id":      invite.ID.String(),
				"repo_full_name": *invite.RepoFullName,
				"error":          err.Error(),
			})
		}
	}

	logger.Info("assignment_submitted", map[string]interface{}{
		"invite_id":    invite.ID.String(),
		"submitted_at": now,
	})

	return &SubmitResult{SubmittedAt: now}, nil
}

func (s *LifecycleService) revokeBestEffort(ctx context.Context, invite *models.Invite) {
	if invite.CredentialRef == nil {
		return
	}
	if err := s.Provider.RevokeCredential(ctx, *invite.CredentialRef); err != nil {
		logger.Warn("credential_revocation_failed", map[string]interface{}{
			"invite_id":      invite.ID.String(),
			"credential_ref": *invite.CredentialRef,
			"error":          err.Error(),
		})
	}
}

// Sweep applies the same lazy-expiry transition across all overdue invites.
// Meant for an external periodic caller; candidates hitting their own routes
// expire lazily regardless.
func (s *LifecycleService) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	var overdue []models.Invite
	err := s.DB.WithContext(ctx).
		Where("(status = ? AND start_deadline_at < ?) OR (status = ? AND complete_deadline_at < ?)",
			models.InviteStatusPending, now, models.InviteStatusStarted, now).
		Find(&overdue).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range overdue {
		if err := s.expire(ctx, &overdue[i], overdue[i].Status); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *LifecycleService) audit(action string, invite *models.Invite, details map[string]interface{}) {
	if s.Audit == nil {
		return
	}
	id := invite.ID
	s.Audit.LogAsync(AuditEntry{
		Action:       action,
		ResourceType: "invite",
		ResourceID:   &id,
		Details:      details,
	})
}
