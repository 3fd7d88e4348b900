package domain

// HealthStatus is the coarse band derived from a score.
type HealthStatus string

const (
	StatusGood     HealthStatus = "good"
	StatusModerate HealthStatus = "moderate"
	StatusBad      HealthStatus = "bad"
)

// ScoreFactor is one rule's contribution to a HealthScore.
type ScoreFactor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail,omitempty"`
}

// HealthScore is the explainable outcome of scoring a NutritionRecord.
type HealthScore struct {
	Score          float64       `json:"score"`
	Base           float64       `json:"base"`
	Factors        []ScoreFactor `json:"factors"`
	Status         HealthStatus  `json:"status"`
	RuleSetVersion string        `json:"rule_set_version"`
}
