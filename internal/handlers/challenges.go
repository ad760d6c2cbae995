package handlers

import (
	"context"
	"regexp"
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

type ChallengesHandler struct {
	DB      *gorm.DB
	Seeds   provider.SeedPreparer
	Audit   *services.AuditService
	Timeout time.Duration
}

func NewChallengesHandler(db *gorm.DB, seeds provider.SeedPreparer, audit *services.AuditService, timeout time.Duration) *ChallengesHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChallengesHandler{DB: db, Seeds: seeds, Audit: audit, Timeout: timeout}
}

type createChallengeRequest struct {
	Title               string  `json:"title"`
	Slug                string  `json:"slug"`
	Description         *string `json:"description"`
	Instructions        *string `json:"instructions"`
	SeedGithubURL       string  `json:"seedGithubURL"`
	Branch              string  `json:"branch"`
	StartWindowHours    int     `json:"startWindowHours"`
	CompleteWindowHours int     `json:"completeWindowHours"`
	EmailSubject        *string `json:"emailSubject"`
	EmailBody           *string `json:"emailBody"`
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(value string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	return strings.Trim(slug, "-")
}

// Create registers a challenge and prepares its seed repository through the
// provider. Seed preparation problems are reported as warnings, not errors:
// an admin can fix the template on the provider side without re-creating the
// challenge.
func (h *ChallengesHandler) Create(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)

	var req createChallengeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Title = strings.TrimSpace(req.Title)
	req.SeedGithubURL = strings.TrimSpace(req.SeedGithubURL)

	if req.Title == "" {
		return utils.Error(c, fiber.StatusBadRequest, "title is required")
	}
	if req.SeedGithubURL == "" {
		return utils.Error(c, fiber.StatusBadRequest, "seedGithubURL is required")
	}
	if req.StartWindowHours <= 0 || req.CompleteWindowHours <= 0 {
		return utils.Error(c, fiber.StatusBadRequest, "startWindowHours and completeWindowHours must be positive")
	}

	slug := slugify(req.Slug)
	if slug == "" {
		slug = slugify(req.Title)
	}
	if slug == "" {
		return utils.Error(c, fiber.StatusBadRequest, "slug could not be derived from title")
	}

	var existing models.Challenge
	if err := h.DB.First(&existing, "slug = ?", slug).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "slug already in use")
	} else if err != gorm.ErrRecordNotFound {
		return utils.Error(c, fiber.StatusInternalServerError, "failed checking existing challenge")
	}

	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = "main"
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.Timeout)
	defer cancel()

	seed, err := h.Seeds.PrepareSeed(ctx, slug, req.SeedGithubURL)
	if err != nil {
		logger.Error("seed_preparation_failed", err, map[string]interface{}{
			"slug":            slug,
			"seed_github_url": req.SeedGithubURL,
		})
		return utils.Error(c, fiber.StatusBadGateway, "failed preparing seed repository")
	}

	challenge := models.Challenge{
		Title:               req.Title,
		Slug:                slug,
		Description:         req.Description,
		Instructions:        req.Instructions,
		SeedGithubURL:       req.SeedGithubURL,
		SeedRepoFullName:    seed.FullName,
		SeedHeadSHA:         seed.HeadSHA,
		Branch:              branch,
		StartWindowHours:    req.StartWindowHours,
		CompleteWindowHours: req.CompleteWindowHours,
		EmailSubject:        req.EmailSubject,
		EmailBody:           req.EmailBody,
	}

	if err := h.DB.Create(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating challenge")
	}

	if currentUser != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &currentUser.ID,
			Action:       "challenge.create",
			ResourceType: "challenge",
			ResourceID:   &challenge.ID,
			Details: map[string]interface{}{
				"slug":           slug,
				"seed_full_name": seed.FullName,
			},
			IPAddress: c.IP(),
			RequestID: getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"challenge": challenge,
		"warnings":  seed.Warnings,
	})
}

func (h *ChallengesHandler) List(c *fiber.Ctx) error {
	p := utils.ParsePagination(c)

	query := h.DB.Model(&models.Challenge{})
	if !c.QueryBool("includeArchived", false) {
		query = query.Where("archived_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting challenges")
	}

	var challenges []models.Challenge
	if err := utils.ApplyPagination(query.Order("created_at DESC"), p).Find(&challenges).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing challenges")
	}

	return utils.Paginated(c, challenges, p, total)
}

func (h *ChallengesHandler) Get(c *fiber.Ctx) error {
	challengeID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid challenge id")
	}

	var challenge models.Challenge
	if err := h.DB.First(&challenge, "id = ?", challengeID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "challenge not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed fetching challenge")
	}

	var inviteCounts []struct {
		Status models.InviteStatus
		Count  int64
	}
	if err := h.DB.Model(&models.Invite{}).
		Select("status, COUNT(*) as count").
		Where("challenge_id = ?", challengeID).
		Group("status").
		Scan(&inviteCounts).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting invites")
	}

	counts := fiber.Map{}
	for _, row := range inviteCounts {
		counts[string(row.Status)] = row.Count
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"challenge":    challenge,
		"inviteCounts": counts,
	})
}

// Archive soft-deletes a challenge. Existing invites keep running to their
// deadlines; only new invites are blocked.
func (h *ChallengesHandler) Archive(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)

	challengeID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid challenge id")
	}

	result := h.DB.Model(&models.Challenge{}).
		Where("id = ? AND archived_at IS NULL", challengeID).
		Update("archived_at", time.Now().UTC())
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed archiving challenge")
	}
	if result.RowsAffected == 0 {
		var challenge models.Challenge
		if err := h.DB.First(&challenge, "id = ?", challengeID).Error; err != nil {
			return utils.Error(c, fiber.StatusNotFound, "challenge not found")
		}
		return utils.Error(c, fiber.StatusConflict, "challenge is archived")
	}

	if currentUser != nil {
		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &currentUser.ID,
			Action:       "challenge.archive",
			ResourceType: "challenge",
			ResourceID:   &challengeID,
			IPAddress:    c.IP(),
			RequestID:    getRequestID(c),
		})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "challenge archived"})
}
