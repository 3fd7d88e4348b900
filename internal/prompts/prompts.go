package prompts

import "fmt"

// ============================================================================
// Schema Contract
// ============================================================================

// NutritionSchemaVersion is the version of the JSON contract the model is
// asked to produce. The parser rejects any other declared version.
const NutritionSchemaVersion = "meal-nutrition/v1"

// Field names of the nutrition contract. The prompt text below and the
// response parser both refer to these.
const (
	FieldSchemaVersion = "schema_version"
	FieldMealName      = "meal_name"
	FieldDescription   = "description"
	FieldIngredients   = "ingredients"
	FieldName          = "name"
	FieldQuantity      = "quantity"
	FieldCalories      = "calories"
	FieldProteinG      = "protein_g"
	FieldCarbsG        = "carbs_g"
	FieldFatG          = "fat_g"
	FieldTotalCalories = "total_calories"
	FieldTotalMacros   = "total_macros"
	FieldSugarG        = "total_sugar_g"
	FieldSodiumMg      = "total_sodium_mg"
	FieldFiberG        = "total_fiber_g"
	FieldError         = "error"
	FieldErrorReason   = "reason"
	FieldSuggestion    = "suggestion"
)

// ============================================================================
// Meal Analysis Prompts
// ============================================================================

// MealSystemPrompt fixes the model's role and output discipline.
const MealSystemPrompt = `You are a registered dietitian who estimates the nutritional content of meals from photographs.

Rules:
- Reply with a single JSON object and nothing else. No markdown, no commentary.
- Estimate portion sizes from visual cues such as plate size and utensils.
- Use grams for macronutrients, kilocalories for energy and milligrams for sodium.
- All numbers are non-negative decimals. Never use ranges or units inside numeric fields.
- If the photo does not show food, fill only the "error" object.`

// MealUserPrompt embeds the versioned schema the reply must follow.
var MealUserPrompt = fmt.Sprintf(mealUserTemplate, NutritionSchemaVersion)

const mealUserTemplate = `Analyze the meal in this photo and return JSON matching schema "%[1]s":

{
  "schema_version": "%[1]s",
  "meal_name": "short name of the dish",
  "description": "one sentence describing the meal",
  "ingredients": [
    {
      "name": "ingredient name",
      "quantity": "estimated amount, e.g. 150 g or 1 cup",
      "calories": number,
      "protein_g": number,
      "carbs_g": number,
      "fat_g": number
    }
  ],
  "total_calories": number,
  "total_macros": {"protein_g": number, "carbs_g": number, "fat_g": number},
  "total_sugar_g": number,
  "total_sodium_mg": number,
  "total_fiber_g": number
}

List every visible ingredient, largest portion first. total_calories and total_macros must equal the sums over ingredients.

If the image is not a meal, reply instead with:
{"error": {"reason": "why the photo cannot be analyzed", "suggestion": "how to take a better photo"}}`

// PersonalizationTemplate frames the estimate for the eater. Only coarse
// profile attributes are substituted; identifiers are never included.
const PersonalizationTemplate = "Context about the person eating this meal: %s. Use it only to phrase the description; do not change the nutrient estimates."
