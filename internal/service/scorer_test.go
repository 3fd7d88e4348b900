package service

import (
	"reflect"
	"testing"

	"github.com/timmy/nutrify/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func meal(kcal, protein, carbs, fat float64, names ...string) *domain.NutritionRecord {
	rec := &domain.NutritionRecord{
		MealName:      "test meal",
		TotalCalories: kcal,
		TotalMacros:   domain.Macros{ProteinG: protein, CarbsG: carbs, FatG: fat},
		TotalSource:   domain.TotalFromProvider,
	}
	for _, n := range names {
		rec.Ingredients = append(rec.Ingredients, domain.Ingredient{Name: n})
	}
	return rec
}

func factorNames(s domain.HealthScore) []string {
	names := make([]string, 0, len(s.Factors))
	for _, f := range s.Factors {
		names = append(names, f.Name)
	}
	return names
}

func TestScoreBalancedMealClampsAtHundred(t *testing.T) {
	rec := meal(500, 30, 60, 15, "grilled chicken", "brown rice", "broccoli")
	rec.SugarG, rec.SodiumMg, rec.FiberG = ptr(5), ptr(300), ptr(10)

	got := NewHealthScorer().Score(rec)

	if got.Score != 100 {
		t.Errorf("Score = %v, want 100 (clamped)", got.Score)
	}
	if got.Status != domain.StatusGood {
		t.Errorf("Status = %s", got.Status)
	}
	want := []string{"protein_share", "carb_share", "fat_share", "calorie_load", "sugar_share", "sodium_share", "fiber_density", "vegetables", "whole_grain"}
	if !reflect.DeepEqual(factorNames(got), want) {
		t.Errorf("factors = %v, want %v", factorNames(got), want)
	}
	if got.RuleSetVersion != RuleSetVersion || got.Base != 50 {
		t.Errorf("metadata = %s/%v", got.RuleSetVersion, got.Base)
	}
}

func TestScoreHeavyMealClampsAtZero(t *testing.T) {
	rec := meal(1400, 20, 150, 80, "bacon", "french fries", "cola")
	rec.SugarG, rec.SodiumMg = ptr(60), ptr(2000)

	got := NewHealthScorer().Score(rec)

	if got.Score != 0 || got.Status != domain.StatusBad {
		t.Errorf("Score = %v status %s, want 0 bad", got.Score, got.Status)
	}
	weights := map[string]float64{}
	for _, f := range got.Factors {
		weights[f.Name] = f.Weight
	}
	want := map[string]float64{
		"protein_share":          -10,
		"carb_share":             -3,
		"fat_share":              -10,
		"calorie_load":           -15,
		"sugar_share":            -8,
		"sodium_share":           -15,
		"added_sugar_ingredient": -8,
		"processed_meat":         -8,
		"fried":                  -6,
	}
	if !reflect.DeepEqual(weights, want) {
		t.Errorf("weights = %v, want %v", weights, want)
	}
}

func TestScoreModerateMeal(t *testing.T) {
	got := NewHealthScorer().Score(meal(800, 40, 90, 30, "pasta", "parmesan cheese"))
	if got.Score != 67 {
		t.Errorf("Score = %v, want 67", got.Score)
	}
	if got.Status != domain.StatusModerate {
		t.Errorf("Status = %s", got.Status)
	}
}

func TestScoreZeroEnergy(t *testing.T) {
	for name, rec := range map[string]*domain.NutritionRecord{
		"zero calories": meal(0, 0, 0, 0, "water"),
		"nil record":    nil,
	} {
		t.Run(name, func(t *testing.T) {
			got := NewHealthScorer().Score(rec)
			if got.Score != 0 || got.Status != domain.StatusBad {
				t.Errorf("got %v/%s, want 0/bad", got.Score, got.Status)
			}
			if len(got.Factors) != 1 || got.Factors[0].Name != "zero_energy" {
				t.Errorf("factors = %v", factorNames(got))
			}
		})
	}
}

func TestScoreIsPure(t *testing.T) {
	scorer := NewHealthScorer()
	recs := []*domain.NutritionRecord{
		meal(500, 30, 60, 15, "salad"),
		meal(1400, 20, 150, 80, "bacon"),
		meal(0, 0, 0, 0),
		meal(300, 0, 0, 0, "mystery"),
	}
	recs[0].SodiumMg = ptr(900)

	for i, rec := range recs {
		before := rec.Clone()
		first := scorer.Score(rec)
		second := NewHealthScorer().Score(rec)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("record %d: scores differ:\n%+v\n%+v", i, first, second)
		}
		if !reflect.DeepEqual(before, *rec) {
			t.Errorf("record %d was mutated by scoring", i)
		}
	}
}

func TestScoreForProfileAdjustsReferenceMeal(t *testing.T) {
	rec := meal(800, 40, 90, 30, "pasta", "parmesan cheese")
	scorer := NewHealthScorer()

	tests := []struct {
		name    string
		profile *domain.UserProfile
		want    float64
	}{
		{"default", nil, 67},
		{"active adult", &domain.UserProfile{AgeBand: domain.AgeBandAdult, ActivityLevel: domain.ActivityActive}, 82},
		{"sedentary, losing weight", &domain.UserProfile{ActivityLevel: domain.ActivitySedentary, DietaryGoal: domain.GoalLoseWeight}, 57},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scorer.ScoreFor(rec, tt.profile).Score; got != tt.want {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreForChildUsesLowerSodiumLimit(t *testing.T) {
	rec := meal(500, 30, 60, 15)
	rec.SodiumMg = ptr(400)
	scorer := NewHealthScorer()

	weight := func(s domain.HealthScore) float64 {
		for _, f := range s.Factors {
			if f.Name == "sodium_share" {
				return f.Weight
			}
		}
		t.Fatal("sodium_share factor missing")
		return 0
	}

	if w := weight(scorer.Score(rec)); w != 4 {
		t.Errorf("adult sodium weight = %v, want 4", w)
	}
	if w := weight(scorer.ScoreFor(rec, &domain.UserProfile{AgeBand: domain.AgeBandChild})); w != -6 {
		t.Errorf("child sodium weight = %v, want -6", w)
	}
}

func TestMatchIngredients(t *testing.T) {
	ings := []domain.Ingredient{{Name: "Ham sandwich"}, {Name: "Graham crackers"}, {Name: "Deep-fried tofu"}, {Name: "Whole grain toast"}}

	if got := matchIngredients(ings, []string{"ham"}); !reflect.DeepEqual(got, []string{"Ham sandwich"}) {
		t.Errorf("ham matches = %v", got)
	}
	if got := matchIngredients(ings, []string{"deep-fried"}); !reflect.DeepEqual(got, []string{"Deep-fried tofu"}) {
		t.Errorf("fried matches = %v", got)
	}
	if got := matchIngredients(ings, []string{"whole grain"}); !reflect.DeepEqual(got, []string{"Whole grain toast"}) {
		t.Errorf("whole grain matches = %v", got)
	}
}
