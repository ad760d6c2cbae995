package models

type UserRole string

const (
	UserRoleAdmin    UserRole = "admin"
	UserRoleReviewer UserRole = "reviewer"
)

type User struct {
	BaseModel
	Email        string   `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string   `json:"-" gorm:"type:text;not null"`
	FirstName    string   `json:"firstName" gorm:"type:varchar(100);not null"`
	LastName     string   `json:"lastName" gorm:"type:varchar(100);not null"`
	Role         UserRole `json:"role" gorm:"type:varchar(20);not null;default:'reviewer'"`
}

func (User) TableName() string {
	return "users"
}
