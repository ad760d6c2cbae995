package models

type Candidate struct {
	BaseModel
	Email   string   `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Name    *string  `json:"name,omitempty" gorm:"type:varchar(255)"`
	Invites []Invite `json:"-" gorm:"foreignKey:CandidateID"`
}

func (Candidate) TableName() string {
	return "candidates"
}
