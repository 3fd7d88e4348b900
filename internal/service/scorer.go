package service

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/timmy/nutrify/internal/domain"
)

// RuleSetVersion identifies the scoring rules below. Change it whenever a
// threshold or weight changes so stored scores stay interpretable.
const RuleSetVersion = "dga-2020/v1"

const (
	baseScore              = 50.0
	defaultReferenceMeal   = 700.0 // kcal, one third of a 2100 kcal day
	defaultSodiumLimitMg   = 2300.0
	childSodiumLimitMg     = 1500.0
	goodScoreThreshold     = 70.0
	moderateScoreThreshold = 40.0
)

// keywordRule flags ingredients by name. Each rule applies at most once
// per meal regardless of how many ingredients match.
type keywordRule struct {
	name     string
	weight   float64
	keywords []string
}

// Ingredient keyword rules, evaluated in this order.
var keywordRules = []keywordRule{
	{"added_sugar_ingredient", -8, []string{
		"soda", "cola", "candy", "syrup", "frosting", "donut", "doughnut", "cake", "cookie", "cookies",
		"ice cream", "milkshake", "sweetened", "chocolate bar", "brownie", "pastry",
	}},
	{"processed_meat", -8, []string{
		"bacon", "sausage", "sausages", "hot dog", "salami", "pepperoni", "ham", "jerky", "spam", "chorizo",
	}},
	{"high_sodium_ingredient", -6, []string{
		"soy sauce", "instant noodles", "instant ramen", "pickle", "pickles", "chips", "crisps", "bouillon", "fish sauce",
	}},
	{"fried", -6, []string{
		"fried", "deep-fried", "fries", "tempura", "battered", "nuggets", "fritter", "fritters",
	}},
	{"high_saturated_fat", -4, []string{
		"butter", "ghee", "cream", "cheese", "lard", "shortening", "palm oil", "coconut oil",
	}},
	{"vegetables", 8, []string{
		"broccoli", "spinach", "salad", "greens", "kale", "carrot", "carrots", "tomato", "tomatoes",
		"pepper", "peppers", "cucumber", "lettuce", "cabbage", "zucchini", "beans", "lentils", "lentil",
		"chickpeas", "vegetables", "asparagus", "cauliflower", "peas", "mushrooms", "onion", "onions",
	}},
	{"whole_grain", 5, []string{
		"whole wheat", "whole-grain", "whole grain", "brown rice", "oat", "oats", "oatmeal", "quinoa",
		"bulgur", "rye", "wholemeal", "barley", "buckwheat",
	}},
	{"fruit", 4, []string{
		"apple", "banana", "berries", "blueberries", "strawberries", "orange", "pear", "grapes", "mango", "kiwi",
	}},
}

// HealthScorer computes an explainable score from a nutrition record.
// It holds no mutable state; the same input always yields the same score.
type HealthScorer struct{}

// NewHealthScorer creates a scorer using rule set RuleSetVersion.
func NewHealthScorer() *HealthScorer {
	return &HealthScorer{}
}

// Score rates a record against the default reference meal.
func (s *HealthScorer) Score(rec *domain.NutritionRecord) domain.HealthScore {
	return s.ScoreFor(rec, nil)
}

// ScoreFor rates a record for a profile. The profile only changes the
// reference meal size and the daily sodium limit.
// Parameters:
//   - rec: validated nutrition record.
//   - profile: optional personalization inputs.
//
// Returns:
//   - domain.HealthScore: clamped score with every applied rule listed.
func (s *HealthScorer) ScoreFor(rec *domain.NutritionRecord, profile *domain.UserProfile) domain.HealthScore {
	out := domain.HealthScore{Base: baseScore, RuleSetVersion: RuleSetVersion, Factors: []domain.ScoreFactor{}}

	if rec == nil || rec.TotalCalories <= 0 {
		out.Factors = append(out.Factors, domain.ScoreFactor{
			Name:   "zero_energy",
			Weight: -baseScore,
			Detail: "meal has no energy content; minimum score applied",
		})
		out.Score = 0
		out.Status = domain.StatusBad
		return out
	}

	add := func(name string, weight float64, format string, args ...interface{}) {
		out.Factors = append(out.Factors, domain.ScoreFactor{Name: name, Weight: weight, Detail: fmt.Sprintf(format, args...)})
	}

	kcal := rec.TotalCalories
	m := rec.TotalMacros

	// Macronutrient distribution against the AMDR ranges.
	macroKcal := 4*m.ProteinG + 4*m.CarbsG + 9*m.FatG
	if macroKcal > 0 {
		p := 4 * m.ProteinG / macroKcal
		c := 4 * m.CarbsG / macroKcal
		f := 9 * m.FatG / macroKcal
		switch {
		case p < 0.10:
			add("protein_share", -10, "protein %.0f%% of macro energy, below 10-35%%", p*100)
		case p > 0.35:
			add("protein_share", -5, "protein %.0f%% of macro energy, above 10-35%%", p*100)
		default:
			add("protein_share", 10, "protein %.0f%% of macro energy, within 10-35%%", p*100)
		}
		switch {
		case c < 0.45:
			add("carb_share", -3, "carbohydrate %.0f%% of macro energy, below 45-65%%", c*100)
		case c > 0.65:
			add("carb_share", -8, "carbohydrate %.0f%% of macro energy, above 45-65%%", c*100)
		default:
			add("carb_share", 8, "carbohydrate %.0f%% of macro energy, within 45-65%%", c*100)
		}
		switch {
		case f < 0.20:
			add("fat_share", -2, "fat %.0f%% of macro energy, below 20-35%%", f*100)
		case f > 0.35:
			add("fat_share", -10, "fat %.0f%% of macro energy, above 20-35%%", f*100)
		default:
			add("fat_share", 8, "fat %.0f%% of macro energy, within 20-35%%", f*100)
		}
	} else {
		add("macros_unavailable", 0, "no macronutrient grams reported")
	}

	// Energy relative to a reference meal.
	ref := referenceMealKcal(profile)
	ratio := kcal / ref
	switch {
	case ratio > 1.5:
		add("calorie_load", -15, "%.0f kcal is %.1fx the %.0f kcal reference meal", kcal, ratio, ref)
	case ratio > 1.0:
		add("calorie_load", -5, "%.0f kcal is %.1fx the %.0f kcal reference meal", kcal, ratio, ref)
	case ratio >= 0.4:
		add("calorie_load", 10, "%.0f kcal is within the %.0f kcal reference meal", kcal, ref)
	default:
		add("calorie_load", 4, "%.0f kcal is a light meal against %.0f kcal", kcal, ref)
	}

	if rec.SugarG != nil {
		share := *rec.SugarG * 4 / kcal
		switch {
		case share >= 0.25:
			add("sugar_share", -15, "sugar supplies %.0f%% of energy", share*100)
		case share >= 0.10:
			add("sugar_share", -8, "sugar supplies %.0f%% of energy, limit is 10%%", share*100)
		default:
			add("sugar_share", 3, "sugar supplies %.0f%% of energy", share*100)
		}
	}

	if rec.SodiumMg != nil {
		limit := sodiumLimitMg(profile)
		share := *rec.SodiumMg / limit
		switch {
		case share >= 0.40:
			add("sodium_share", -15, "%.0f mg sodium is %.0f%% of the %.0f mg daily limit", *rec.SodiumMg, share*100, limit)
		case share >= 0.20:
			add("sodium_share", -6, "%.0f mg sodium is %.0f%% of the %.0f mg daily limit", *rec.SodiumMg, share*100, limit)
		default:
			add("sodium_share", 4, "%.0f mg sodium is %.0f%% of the %.0f mg daily limit", *rec.SodiumMg, share*100, limit)
		}
	}

	if rec.FiberG != nil {
		per100 := *rec.FiberG / kcal * 100
		switch {
		case per100 >= 2.5:
			add("fiber_density", 8, "%.1f g fiber per 100 kcal", per100)
		case per100 >= 1.0:
			add("fiber_density", 2, "%.1f g fiber per 100 kcal", per100)
		default:
			add("fiber_density", -4, "%.1f g fiber per 100 kcal, below 1 g", per100)
		}
	}

	for _, rule := range keywordRules {
		if hits := matchIngredients(rec.Ingredients, rule.keywords); len(hits) > 0 {
			add(rule.name, rule.weight, "%s", strings.Join(hits, ", "))
		}
	}

	total := out.Base
	for _, f := range out.Factors {
		total += f.Weight
	}
	out.Score = round2(math.Max(0, math.Min(100, total)))
	out.Status = statusFor(out.Score)
	return out
}

func statusFor(score float64) domain.HealthStatus {
	switch {
	case score >= goodScoreThreshold:
		return domain.StatusGood
	case score >= moderateScoreThreshold:
		return domain.StatusModerate
	default:
		return domain.StatusBad
	}
}

func referenceMealKcal(profile *domain.UserProfile) float64 {
	if profile == nil {
		return defaultReferenceMeal
	}
	ref := defaultReferenceMeal
	switch profile.ActivityLevel {
	case domain.ActivitySedentary:
		ref = 600
	case domain.ActivityLight:
		ref = 650
	case domain.ActivityActive:
		ref = 850
	}
	switch profile.AgeBand {
	case domain.AgeBandChild:
		ref *= 0.75
	case domain.AgeBandSenior:
		ref *= 0.9
	}
	switch profile.DietaryGoal {
	case domain.GoalLoseWeight:
		ref *= 0.85
	case domain.GoalGainMuscle:
		ref *= 1.15
	}
	return ref
}

func sodiumLimitMg(profile *domain.UserProfile) float64 {
	if profile != nil && profile.AgeBand == domain.AgeBandChild {
		return childSodiumLimitMg
	}
	return defaultSodiumLimitMg
}

// matchIngredients returns the names of ingredients containing any
// keyword as a whole word or phrase.
func matchIngredients(ingredients []domain.Ingredient, keywords []string) []string {
	var hits []string
	for _, ing := range ingredients {
		words := " " + strings.Join(strings.FieldsFunc(strings.ToLower(ing.Name), func(r rune) bool {
			return !unicode.IsLetter(r) && r != '-'
		}), " ") + " "
		for _, kw := range keywords {
			if strings.Contains(words, " "+kw+" ") {
				hits = append(hits, ing.Name)
				break
			}
		}
	}
	return hits
}
