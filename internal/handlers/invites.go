package handlers

import (
	"context"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/assesshub/backend/internal/middleware"
	"github.com/assesshub/backend/internal/models"
	"github.com/assesshub/backend/internal/provider"
	"github.com/assesshub/backend/internal/services"
	"github.com/assesshub/backend/pkg/logger"
	"github.com/assesshub/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type InvitesHandler struct {
	DB            *gorm.DB
	Invites       *services.InviteService
	Notifications *services.NotificationService
	Inspector     provider.RepoInspector
	Audit         *services.AuditService
	Timeout       time.Duration
}

func NewInvitesHandler(
	db *gorm.DB,
	invites *services.InviteService,
	notifications *services.NotificationService,
	inspector provider.RepoInspector,
	audit *services.AuditService,
	timeout time.Duration,
) *InvitesHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &InvitesHandler{
		DB:            db,
		Invites:       invites,
		Notifications: notifications,
		Inspector:     inspector,
		Audit:         audit,
		Timeout:       timeout,
	}
}

type createInviteRequest struct {
	Email string  `json:"email"`
	Name  *string `json:"name"`
}

// Create mints an invite against a challenge and queues the invitation
// email. The email is best-effort; the invite exists either way and its
// token can be re-sent.
func (h *InvitesHandler) Create(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)

	challengeID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid challenge id")
	}

	var req createInviteRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid email")
	}

	invite, err := h.Invites.Create(c.UserContext(), challengeID, req.Email, req.Name)
	if err != nil {
		if err == services.ErrNotFound {
			return utils.Error(c, fiber.StatusNotFound, "challenge not found")
		}
		if err == services.ErrChallengeArchived {
			return utils.Error(c, fiber.StatusConflict, "challenge is archived")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating invite")
	}

	h.Notifications.EnqueueInvite(invite)

	if currentUser != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &currentUser.ID,
			Action:       "invite.create",
			ResourceType: "invite",
			ResourceID:   &invite.ID,
			Details: map[string]interface{}{
				"challenge_id":    challengeID.String(),
				"candidate_email": req.Email,
			},
			IPAddress: c.IP(),
			RequestID: getRequestID(c),
		})
	}

	// Token is write-only in the model; the admin response includes it once
	// so the invite link can be copied out-of-band.
	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"invite": invite,
		"token":  invite.Token,
	})
}

func (h *InvitesHandler) Get(c *fiber.Ctx) error {
	inviteID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid invite id")
	}

	var invite models.Invite
	if err := h.DB.Preload("Challenge").Preload("Candidate").
		First(&invite, "id = ?", inviteID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "invite not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching invite")
	}

	return utils.Success(c, fiber.StatusOK, invite)
}

// Compare diffs the candidate's working copy against the challenge seed by
// tree paths: which files were added, which removed, and how many survived
// untouched in place. A cheap review signal, not a content diff.
func (h *InvitesHandler) Compare(c *fiber.Ctx) error {
	inviteID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid invite id")
	}

	var invite models.Invite
	if err := h.DB.Preload("Challenge").First(&invite, "id = ?", inviteID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "invite not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching invite")
	}

	if invite.RepoFullName == nil {
		return utils.Error(c, fiber.StatusConflict, "assignment has no working copy yet")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.Timeout)
	defer cancel()

	// Diff at the SHAs recorded on the invite so the result stays stable even
	// after the seed branch moves on. Fall back to the branch head when a SHA
	// was never captured.
	branch := invite.Challenge.Branch

	seedRef := branch
	if invite.PinnedSeedSHA != nil && *invite.PinnedSeedSHA != "" {
		seedRef = *invite.PinnedSeedSHA
	}

	workRef := branch
	if invite.FinalCommitSHA != nil && *invite.FinalCommitSHA != "" {
		workRef = *invite.FinalCommitSHA
	}

	seedTree, err := h.Inspector.ListTree(ctx, invite.Challenge.SeedRepoFullName, seedRef)
	if err != nil {
		logger.Error("compare_seed_tree_failed", err, map[string]interface{}{
			"invite_id": invite.ID.String(),
		})
		return utils.Error(c, fiber.StatusBadGateway, "failed listing seed repository tree")
	}

	workTree, err := h.Inspector.ListTree(ctx, *invite.RepoFullName, workRef)
	if err != nil {
		logger.Error("compare_working_tree_failed", err, map[string]interface{}{
			"invite_id": invite.ID.String(),
		})
		return utils.Error(c, fiber.StatusBadGateway, "failed listing working copy tree")
	}

	added, removed, unchanged := diffTrees(seedTree, workTree)

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"added":          added,
		"removed":        removed,
		"unchangedCount": unchanged,
		"finalCommitSHA": invite.FinalCommitSHA,
		"pinnedSeedSHA":  invite.PinnedSeedSHA,
	})
}

func diffTrees(seed, work []provider.TreeEntry) (added, removed []string, unchanged int) {
	seedPaths := make(map[string]bool, len(seed))
	for _, entry := range seed {
		if entry.Type == "blob" {
			seedPaths[entry.Path] = true
		}
	}

	workPaths := make(map[string]bool, len(work))
	for _, entry := range work {
		if entry.Type != "blob" {
			continue
		}
		workPaths[entry.Path] = true
		if seedPaths[entry.Path] {
			unchanged++
		} else {
			added = append(added, entry.Path)
		}
	}

	for path := range seedPaths {
		if !workPaths[path] {
			removed = append(removed, path)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed, unchanged
}

type followUpRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// FollowUp queues an admin-authored email to the invite's candidate.
func (h *InvitesHandler) FollowUp(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)

	inviteID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid invite id")
	}

	var req followUpRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" || strings.TrimSpace(req.Body) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "subject and body are required")
	}

	var invite models.Invite
	if err := h.DB.Preload("Challenge").Preload("Candidate").
		First(&invite, "id = ?", inviteID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "invite not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching invite")
	}

	h.Notifications.EnqueueFollowUp(&invite, req.Subject, req.Body)

	if currentUser != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &currentUser.ID,
			Action:       "invite.follow_up",
			ResourceType: "invite",
			ResourceID:   &invite.ID,
			Details: map[string]interface{}{
				"subject": req.Subject,
			},
			IPAddress: c.IP(),
			RequestID: getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "follow-up queued"})
}
