package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/nutrify/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileRepository reads the personalization profile written by the host
// application. The analysis path only ever reads it.
type ProfileRepository struct {
	db *gorm.DB
}

// NewProfileRepository creates a new ProfileRepository.
func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Get returns the profile for userID, or nil when the user has none.
func (r *ProfileRepository) Get(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	err := r.db.WithContext(ctx).First(&profile, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return &profile, nil
}

// Upsert stores a profile. Profiles belong to the host application; its
// account service calls this when a user edits their settings. The
// analysis pipeline only reads them.
func (r *ProfileRepository) Upsert(ctx context.Context, profile *domain.UserProfile) error {
	// Empty fields mean "not provided".
	if (profile.AgeBand != "" && !domain.ValidAgeBand(profile.AgeBand)) ||
		(profile.ActivityLevel != "" && !domain.ValidActivityLevel(profile.ActivityLevel)) ||
		(profile.DietaryGoal != "" && !domain.ValidDietaryGoal(profile.DietaryGoal)) {
		return fmt.Errorf("invalid profile for %s", profile.UserID)
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(profile).Error
}
