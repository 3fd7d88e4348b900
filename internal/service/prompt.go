package service

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/timmy/nutrify/internal/domain"
	"github.com/timmy/nutrify/internal/prompts"
)

// PromptRequest is everything a model client needs for one analysis call.
type PromptRequest struct {
	SchemaVersion string
	SystemPrompt  string
	UserPrompt    string
	ImageMIME     string
	ImageData     []byte
}

// DataURL returns the image as a base64 data URL.
func (r *PromptRequest) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", r.ImageMIME, base64.StdEncoding.EncodeToString(r.ImageData))
}

// PromptBuilder assembles the schema-constrained request for the model.
type PromptBuilder struct{}

// NewPromptBuilder creates a prompt builder.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// Build creates the request for one asset. The profile is optional; only
// its coarse attributes are used and unknown values are skipped.
// Parameters:
//   - asset: validated image from the preprocessor.
//   - profile: optional personalization inputs.
//
// Returns:
//   - *PromptRequest: request carrying the versioned schema contract.
//   - error: non-nil if asset is missing.
func (b *PromptBuilder) Build(asset *domain.ImageAsset, profile *domain.UserProfile) (*PromptRequest, error) {
	if asset == nil || len(asset.Data) == 0 {
		return nil, domain.Errorf(domain.KindUnsupportedFormat, "no image to analyze")
	}

	user := prompts.MealUserPrompt
	if hint := personalizationHint(profile); hint != "" {
		user += "\n\n" + fmt.Sprintf(prompts.PersonalizationTemplate, hint)
	}

	return &PromptRequest{
		SchemaVersion: prompts.NutritionSchemaVersion,
		SystemPrompt:  prompts.MealSystemPrompt,
		UserPrompt:    user,
		ImageMIME:     asset.MIMEType,
		ImageData:     asset.Data,
	}, nil
}

func personalizationHint(profile *domain.UserProfile) string {
	if profile == nil {
		return ""
	}
	var parts []string
	if domain.ValidAgeBand(profile.AgeBand) {
		parts = append(parts, "age group "+string(profile.AgeBand))
	}
	if domain.ValidActivityLevel(profile.ActivityLevel) {
		parts = append(parts, string(profile.ActivityLevel)+" activity level")
	}
	if domain.ValidDietaryGoal(profile.DietaryGoal) {
		parts = append(parts, "goal is to "+strings.ReplaceAll(string(profile.DietaryGoal), "_", " "))
	}
	return strings.Join(parts, ", ")
}
