package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names match the schema of the
// deployed SQLite database so existing data keeps working.
type UserModel struct {
	ID           int64  `gorm:"primaryKey"`
	Username     string `gorm:"size:80;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:128;not null"`
	IsAdmin      bool   `gorm:"not null;default:false"`
}

func (UserModel) TableName() string { return "users" }

type HouseModel struct {
	ID     int64  `gorm:"primaryKey"`
	Name   string `gorm:"size:255;not null;index"`
	CanBuy bool   `gorm:"not null;default:false"`
}

func (HouseModel) TableName() string { return "houses" }

type EventModel struct {
	ID           int64   `gorm:"primaryKey"`
	URL          string  `gorm:"column:url;size:255;uniqueIndex;not null"`
	HouseID      *int64  `gorm:"index"`
	OldHouseID   *string `gorm:"size:100"`
	Flat         *string `gorm:"size:100"`
	CustomerName *string `gorm:"size:200"`
	CreatedAt    time.Time

	House    *HouseModel        `gorm:"foreignKey:HouseID"`
	Problems []ProblemModel     `gorm:"foreignKey:EventID"`
	Messages []ChatMessageModel `gorm:"foreignKey:EventID"`
}

func (EventModel) TableName() string { return "events" }

type ProblemModel struct {
	ID          int64          `gorm:"primaryKey"`
	EventID     int64          `gorm:"not null;index"`
	Image       datatypes.JSON `gorm:"column:image"`
	Description string         `gorm:"type:text"`
	Important   bool           `gorm:"not null;default:false"`
	Category    string         `gorm:"size:100"`
	CreatedAt   time.Time
}

func (ProblemModel) TableName() string { return "problems" }

type ChatMessageModel struct {
	ID        int64     `gorm:"primaryKey"`
	EventID   int64     `gorm:"not null;index"`
	User      string    `gorm:"column:user;size:80;not null"`
	Message   string    `gorm:"type:text;not null"`
	System    bool      `gorm:"not null;default:false"`
	Timestamp time.Time `gorm:"not null;index"`
}

func (ChatMessageModel) TableName() string { return "chat_messages" }
