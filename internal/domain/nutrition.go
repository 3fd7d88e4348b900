package domain

// TotalSource records where a NutritionRecord's totals came from.
type TotalSource string

const (
	// TotalFromIngredients means the totals are the sums of itemized ingredients.
	TotalFromIngredients TotalSource = "ingredients"
	// TotalFromProvider means no ingredient carried nutrition and the model's
	// own totals were used.
	TotalFromProvider TotalSource = "provider"
)

// Macros holds macronutrient grams.
type Macros struct {
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbs_g"`
	FatG     float64 `json:"fat_g"`
}

// Add returns the element-wise sum of m and o.
func (m Macros) Add(o Macros) Macros {
	return Macros{
		ProteinG: m.ProteinG + o.ProteinG,
		CarbsG:   m.CarbsG + o.CarbsG,
		FatG:     m.FatG + o.FatG,
	}
}

// ItemNutrition is the itemized estimate for a single ingredient.
type ItemNutrition struct {
	Calories float64 `json:"calories"`
	Macros
}

// Ingredient is one detected component of a meal.
type Ingredient struct {
	Name      string         `json:"name"`
	Quantity  string         `json:"quantity,omitempty"`
	Nutrition *ItemNutrition `json:"nutrition,omitempty"`
}

// NutritionRecord is the validated result of one meal analysis.
// Values are produced only by the response parser and are never modified
// afterwards; use Clone before handing a record to code that may mutate it.
type NutritionRecord struct {
	SchemaVersion string       `json:"schema_version"`
	MealName      string       `json:"meal_name"`
	Description   string       `json:"description,omitempty"`
	Ingredients   []Ingredient `json:"ingredients"`
	TotalCalories float64      `json:"total_calories"`
	TotalMacros   Macros       `json:"total_macros"`
	SugarG        *float64     `json:"sugar_g,omitempty"`
	SodiumMg      *float64     `json:"sodium_mg,omitempty"`
	FiberG        *float64     `json:"fiber_g,omitempty"`
	TotalSource   TotalSource  `json:"total_source"`
	// Notes lists repairs the parser applied, for example a provider total
	// replaced by the ingredient sum.
	Notes []string `json:"notes,omitempty"`
}

// Clone returns a deep copy of the record.
func (r NutritionRecord) Clone() NutritionRecord {
	out := r
	if r.Ingredients != nil {
		out.Ingredients = make([]Ingredient, len(r.Ingredients))
		for i, ing := range r.Ingredients {
			out.Ingredients[i] = ing
			if ing.Nutrition != nil {
				n := *ing.Nutrition
				out.Ingredients[i].Nutrition = &n
			}
		}
	}
	out.SugarG = cloneFloat(r.SugarG)
	out.SodiumMg = cloneFloat(r.SodiumMg)
	out.FiberG = cloneFloat(r.FiberG)
	if r.Notes != nil {
		out.Notes = append([]string(nil), r.Notes...)
	}
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
