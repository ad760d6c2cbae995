package models

import "time"

// Challenge is the template configuration candidates are assessed against.
// Once invites exist the row is treated as immutable except for archival.
type Challenge struct {
	BaseModel
	Title               string     `json:"title" gorm:"type:varchar(255);not null"`
	Slug                string     `json:"slug" gorm:"type:varchar(100);uniqueIndex;not null"`
	Description         *string    `json:"description,omitempty" gorm:"type:text"`
	Instructions        *string    `json:"instructions,omitempty" gorm:"type:text"`
	SeedGithubURL       string     `json:"seedGithubURL" gorm:"type:text;not null"`
	SeedRepoFullName    string     `json:"seedRepoFullName" gorm:"type:varchar(255);not null"`
	SeedHeadSHA         *string    `json:"seedHeadSHA,omitempty" gorm:"type:varchar(64)"`
	Branch              string     `json:"branch" gorm:"type:varchar(100);not null;default:'main'"`
	StartWindowHours    int        `json:"startWindowHours" gorm:"not null"`
	CompleteWindowHours int        `json:"completeWindowHours" gorm:"not null"`
	EmailSubject        *string    `json:"emailSubject,omitempty" gorm:"type:varchar(255)"`
	EmailBody           *string    `json:"emailBody,omitempty" gorm:"type:text"`
	ArchivedAt          *time.Time `json:"archivedAt,omitempty" gorm:"index"`
	Invites             []Invite   `json:"-" gorm:"foreignKey:ChallengeID"`
}

func (Challenge) TableName() string {
	return "challenges"
}

func (c *Challenge) Archived() bool {
	return c.ArchivedAt != nil
}
