package store

import "time"

// Estimate is the subject a room collaborates on.
type Estimate struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	CustomerID string `gorm:"index;type:varchar(64)"`
	Name       string `gorm:"type:varchar(255)"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CalculationRecord is one applied calculation result.
type CalculationRecord struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement"`
	RoomID             string `gorm:"type:varchar(128);uniqueIndex:uk_room_comp_ver,priority:1"`
	ComputationID      string `gorm:"type:varchar(128);uniqueIndex:uk_room_comp_ver,priority:2"`
	CalculationVersion int64  `gorm:"uniqueIndex:uk_room_comp_ver,priority:3"`
	SubjectID          string `gorm:"index;type:varchar(64)"`
	RequesterID        string `gorm:"type:varchar(64)"`
	Inputs             []byte `gorm:"type:json"`
	Result             []byte `gorm:"type:json"`
	Cached             bool
	AppliedAt          time.Time
	CreatedAt          time.Time
}
