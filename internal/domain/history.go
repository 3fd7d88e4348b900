package domain

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrImmutableEntry is returned when code attempts to update a stored entry.
	ErrImmutableEntry = errors.New("history entries are immutable")
	// ErrEntryNotFound is returned for entries that do not exist or belong
	// to another user.
	ErrEntryNotFound = errors.New("history entry not found")
)

// HistoryEntry is one persisted meal analysis. The numeric columns mirror
// the embedded record so aggregates can be computed in SQL.
type HistoryEntry struct {
	ID            string                              `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID        string                              `gorm:"type:varchar(64);not null;index:idx_history_user_created,priority:1" json:"user_id"`
	CreatedAt     time.Time                           `gorm:"not null;index:idx_history_user_created,priority:2" json:"created_at"`
	MealName      string                              `gorm:"type:text" json:"meal_name"`
	TotalCalories float64                             `json:"total_calories"`
	ProteinG      float64                             `json:"protein_g"`
	CarbsG        float64                             `json:"carbs_g"`
	FatG          float64                             `json:"fat_g"`
	Score         float64                             `json:"score"`
	Status        HealthStatus                        `gorm:"type:varchar(16)" json:"status"`
	ImageRef      string                              `gorm:"type:text" json:"image_ref,omitempty"`
	Nutrition     datatypes.JSONType[NutritionRecord] `gorm:"not null" json:"nutrition"`
	HealthScore   datatypes.JSONType[HealthScore]     `gorm:"not null" json:"health_score"`
}

// TableName returns the database table name for HistoryEntry.
func (HistoryEntry) TableName() string {
	return "history_entries"
}

// BeforeUpdate rejects every update; corrections are new entries.
func (HistoryEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutableEntry
}

// Record returns a copy of the stored nutrition record.
func (e *HistoryEntry) Record() NutritionRecord {
	return e.Nutrition.Data().Clone()
}

// Scored returns the stored health score.
func (e *HistoryEntry) Scored() HealthScore {
	return e.HealthScore.Data()
}

// NewHistoryEntry builds an unsaved entry from a scored analysis.
func NewHistoryEntry(id, userID string, createdAt time.Time, rec NutritionRecord, score HealthScore, imageRef string) *HistoryEntry {
	return &HistoryEntry{
		ID:            id,
		UserID:        userID,
		CreatedAt:     createdAt,
		MealName:      rec.MealName,
		TotalCalories: rec.TotalCalories,
		ProteinG:      rec.TotalMacros.ProteinG,
		CarbsG:        rec.TotalMacros.CarbsG,
		FatG:          rec.TotalMacros.FatG,
		Score:         score.Score,
		Status:        score.Status,
		ImageRef:      imageRef,
		Nutrition:     datatypes.NewJSONType(rec.Clone()),
		HealthScore:   datatypes.NewJSONType(score),
	}
}

// HistorySummary aggregates a user's entries over a time window.
type HistorySummary struct {
	Since         time.Time `json:"since"`
	Entries       int64     `json:"entries"`
	TotalCalories float64   `json:"total_calories"`
	ProteinG      float64   `json:"protein_g"`
	CarbsG        float64   `json:"carbs_g"`
	FatG          float64   `json:"fat_g"`
	AverageScore  float64   `json:"average_score"`
}

// Page bounds a history listing.
type Page struct {
	Limit  int
	Offset int
}
