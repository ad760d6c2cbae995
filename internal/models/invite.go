package models

import (
	"time"

	"github.com/google/uuid"
)

type InviteStatus string

const (
	InviteStatusPending   InviteStatus = "pending"
	InviteStatusStarted   InviteStatus = "started"
	InviteStatusSubmitted InviteStatus = "submitted"
	InviteStatusExpired   InviteStatus = "expired"
)

// Invite is one candidate's assignment to one challenge. The token is the
// candidate's only credential; rows are never deleted so submissions stay
// reviewable after the fact.
type Invite struct {
	BaseModel
	ChallengeID uuid.UUID    `json:"challengeID" gorm:"type:uuid;not null;index"`
	Challenge   Challenge    `json:"challenge,omitempty" gorm:"foreignKey:ChallengeID;references:ID"`
	CandidateID uuid.UUID    `json:"candidateID" gorm:"type:uuid;not null;index"`
	Candidate   Candidate    `json:"candidate,omitempty" gorm:"foreignKey:CandidateID;references:ID"`
	Token       string       `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	Status      InviteStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`

	InvitedAt          time.Time  `json:"invitedAt" gorm:"not null"`
	StartDeadlineAt    time.Time  `json:"startDeadlineAt" gorm:"not null;index"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompleteDeadlineAt *time.Time `json:"completeDeadlineAt,omitempty" gorm:"index"`
	SubmittedAt        *time.Time `json:"submittedAt,omitempty"`

	RepoFullName   *string `json:"repoFullName,omitempty" gorm:"type:varchar(255)"`
	RepoHTMLURL    *string `json:"repoHTMLURL,omitempty" gorm:"type:text"`
	CloneURL       *string `json:"-" gorm:"type:text"`
	CredentialRef  *string `json:"-" gorm:"type:varchar(64)"`
	PinnedSeedSHA  *string `json:"pinnedSeedSHA,omitempty" gorm:"type:varchar(64)"`
	FinalCommitSHA *string `json:"finalCommitSHA,omitempty" gorm:"type:varchar(64)"`
}

func (Invite) TableName() string {
	return "challenge_invites"
}

// Terminal reports whether the invite can no longer change state.
func (i *Invite) Terminal() bool {
	return i.Status == InviteStatusSubmitted || i.Status == InviteStatusExpired
}
