package domain

// AgeBand is a coarse age bracket, never an exact age.
type AgeBand string

const (
	AgeBandChild  AgeBand = "child"
	AgeBandTeen   AgeBand = "teen"
	AgeBandAdult  AgeBand = "adult"
	AgeBandSenior AgeBand = "senior"
)

// ActivityLevel describes typical physical activity.
type ActivityLevel string

const (
	ActivitySedentary ActivityLevel = "sedentary"
	ActivityLight     ActivityLevel = "light"
	ActivityModerate  ActivityLevel = "moderate"
	ActivityActive    ActivityLevel = "active"
)

// DietaryGoal is the user's stated nutrition goal.
type DietaryGoal string

const (
	GoalLoseWeight  DietaryGoal = "lose_weight"
	GoalMaintain    DietaryGoal = "maintain"
	GoalGainMuscle  DietaryGoal = "gain_muscle"
	GoalLowerSodium DietaryGoal = "lower_sodium"
	GoalLowerSugar  DietaryGoal = "lower_sugar"
)

// UserProfile carries the personalization inputs owned by the host
// application. It is read-only here.
type UserProfile struct {
	UserID        string        `gorm:"primaryKey;type:varchar(64)" json:"-"`
	AgeBand       AgeBand       `gorm:"type:varchar(16)" json:"age_band,omitempty"`
	ActivityLevel ActivityLevel `gorm:"type:varchar(16)" json:"activity_level,omitempty"`
	DietaryGoal   DietaryGoal   `gorm:"type:varchar(32)" json:"dietary_goal,omitempty"`
}

// TableName specifies the table name for UserProfile.
func (UserProfile) TableName() string {
	return "user_profiles"
}

// ValidAgeBand reports whether b is a known age band.
func ValidAgeBand(b AgeBand) bool {
	switch b {
	case AgeBandChild, AgeBandTeen, AgeBandAdult, AgeBandSenior:
		return true
	}
	return false
}

// ValidActivityLevel reports whether a is a known activity level.
func ValidActivityLevel(a ActivityLevel) bool {
	switch a {
	case ActivitySedentary, ActivityLight, ActivityModerate, ActivityActive:
		return true
	}
	return false
}

// ValidDietaryGoal reports whether g is a known dietary goal.
func ValidDietaryGoal(g DietaryGoal) bool {
	switch g {
	case GoalLoseWeight, GoalMaintain, GoalGainMuscle, GoalLowerSodium, GoalLowerSugar:
		return true
	}
	return false
}
