package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type GroupModel struct {
	ID        int64     `gorm:"primaryKey;column:group_id;autoIncrement:false"`
	CreatedAt time.Time `gorm:"not null"`
}

func (GroupModel) TableName() string { return "groups" }

type KhetmaModel struct {
	ID             int64     `gorm:"primaryKey;column:khetma_id"`
	GroupID        int64     `gorm:"not null;index;uniqueIndex:idx_group_sequence"`
	SequenceNumber int       `gorm:"not null;uniqueIndex:idx_group_sequence"`
	Status         string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time
}

func (KhetmaModel) TableName() string { return "khetmas" }

type ChapterModel struct {
	ID        int64   `gorm:"primaryKey;column:chapter_id"`
	KhetmaID  int64   `gorm:"not null;uniqueIndex:idx_khetma_number"`
	Number    int     `gorm:"not null;uniqueIndex:idx_khetma_number"`
	Status    string  `gorm:"not null"`
	OwnerID   *int64  `gorm:"index"`
	OwnerName *string
	UpdatedAt time.Time
}

func (ChapterModel) TableName() string { return "chapters" }

type KhetmaEventModel struct {
	ID            string `gorm:"primaryKey"`
	KhetmaID      int64  `gorm:"not null;index"`
	ChapterNumber int
	Kind          string         `gorm:"not null"`
	Payload       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null;index"`
}

func (KhetmaEventModel) TableName() string { return "khetma_events" }
