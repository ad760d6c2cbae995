package services

import (
	"context"
	"errors"
	"time"

	"github.com/assesshub/backend/internal/models"
	"github.com/assesshub/backend/pkg/logger"
	"github.com/assesshub/backend/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InviteService is the invite registry: it mints assignment records keyed by
// an unguessable token, which is the candidate's only credential.
type InviteService struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewInviteService(db *gorm.DB) *InviteService {
	return &InviteService{DB: db, now: time.Now}
}

func (s *InviteService) Create(ctx context.Context, challengeID uuid.UUID, candidateEmail string, candidateName *string) (*models.Invite, error) {
	var challenge models.Challenge
	if err := s.DB.WithContext(ctx).First(&challenge, "id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if challenge.Archived() {
		return nil, ErrChallengeArchived
	}

	candidate, err := s.upsertCandidate(ctx, candidateEmail, candidateName)
	if err != nil {
		return nil, err
	}

	token, err := utils.GenerateInviteToken()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	invite := models.Invite{
		ChallengeID:     challenge.ID,
		CandidateID:     candidate.ID,
		Token:           token,
		Status:          models.InviteStatusPending,
		InvitedAt:       now,
		StartDeadlineAt: StartDeadline(now, challenge.StartWindowHours),
	}

	if err := s.DB.WithContext(ctx).Create(&invite).Error; err != nil {
		return nil, err
	}

	invite.Challenge = challenge
	invite.Candidate = *candidate

	logger.Info("invite_created", map[string]interface{}{
		"invite_id":         invite.ID.String(),
		"challenge_id":      challenge.ID.String(),
		"candidate_email":   candidateEmail,
		"start_deadline_at": invite.StartDeadlineAt,
	})

	return &invite, nil
}

func (s *InviteService) upsertCandidate(ctx context.Context, email string, name *string) (*models.Candidate, error) {
	var candidate models.Candidate
	err := s.DB.WithContext(ctx).Where("email = ?", email).First(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		candidate = models.Candidate{Email: email, Name: name}
		if err := s.DB.WithContext(ctx).Create(&candidate).Error; err != nil {
			return nil, err
		}
		return &candidate, nil
	}
	if err != nil {
		return nil, err
	}

	if name != nil && (candidate.Name == nil || *candidate.Name != *name) {
		if err := s.DB.WithContext(ctx).Model(&candidate).Update("name", name).Error; err != nil {
			return nil, err
		}
		candidate.Name = name
	}

	return &candidate, nil
}

// Lookup resolves a candidate token to its invite with the owning challenge
// preloaded.
func (s *InviteService) Lookup(ctx context.Context, token string) (*models.Invite, error) {
	var invite models.Invite
	err := s.DB.WithContext(ctx).Preload("Challenge").Preload("Candidate").
		First(&invite, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invite, nil
}
