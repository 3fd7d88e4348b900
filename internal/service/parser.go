package service

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/timmy/nutrify/internal/domain"
	"github.com/timmy/nutrify/internal/prompts"
)

const retrySuggestion = "Try the analysis again; the model may describe the meal differently on a new attempt."

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	// numericStringRe accepts "250", "12.5 g", "300kcal" as numeric strings.
	numericStringRe = regexp.MustCompile(`(?i)^(-?\d+(?:\.\d+)?)\s*(g|grams?|mg|milligrams?|kcal|cal|calories)?$`)
)

// ResponseParser turns raw model text into a validated NutritionRecord.
// It is stateless and safe for concurrent use.
type ResponseParser struct{}

// NewResponseParser creates a response parser.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{}
}

// Parse extracts, decodes and validates a model reply.
// Parameters:
//   - out: raw model output.
//
// Returns:
//   - *domain.NutritionRecord: fully typed record.
//   - error: *domain.Error of kind parse.malformed, parse.schema_mismatch,
//     parse.incomplete, or ai.provider when the model declined the image.
func (p *ResponseParser) Parse(out *RawModelOutput) (*domain.NutritionRecord, error) {
	if out == nil {
		return nil, parseError(domain.KindMalformed, "model returned no output", nil)
	}

	segment, err := extractJSON(out.Text)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(segment))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return nil, parseError(domain.KindMalformed, "model output is not valid JSON", err)
	}

	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, parseError(domain.KindSchemaMismatch,
			fmt.Sprintf("top-level value is %s, expected object", jsonTypeName(decoded)), nil)
	}

	if reason, suggestion, declined := declineReason(top); declined {
		e := domain.Errorf(domain.KindProvider, "model declined the image: %s", reason)
		e.Suggestion = suggestion
		return nil, e
	}
	if success, ok := top["success"].(map[string]interface{}); ok && top[prompts.FieldMealName] == nil {
		top = success
	}

	return buildRecord(object{fields: top})
}

func buildRecord(top object) (*domain.NutritionRecord, error) {
	if version, present, err := top.str(prompts.FieldSchemaVersion); err != nil {
		return nil, err
	} else if present && version != prompts.NutritionSchemaVersion {
		return nil, parseError(domain.KindSchemaMismatch,
			fmt.Sprintf("schema_version %q, expected %q", version, prompts.NutritionSchemaVersion), nil)
	}

	mealName, present, err := top.str(prompts.FieldMealName)
	if err != nil {
		return nil, err
	}
	if !present || mealName == "" {
		return nil, parseError(domain.KindIncomplete, "meal_name is missing", nil)
	}
	description, _, err := top.str(prompts.FieldDescription)
	if err != nil {
		return nil, err
	}

	ingredients, itemized, err := parseIngredients(top)
	if err != nil {
		return nil, err
	}

	rec := &domain.NutritionRecord{
		SchemaVersion: prompts.NutritionSchemaVersion,
		MealName:      mealName,
		Description:   description,
		Ingredients:   ingredients,
	}

	providerCalories, hasCalories, err := top.number(prompts.FieldTotalCalories)
	if err != nil {
		return nil, err
	}
	providerMacros, hasMacros, err := parseMacros(top)
	if err != nil {
		return nil, err
	}

	if itemized {
		rec.TotalSource = domain.TotalFromIngredients
		rec.TotalCalories, rec.TotalMacros = sumIngredients(ingredients)
		if hasCalories && disagrees(providerCalories, rec.TotalCalories) {
			rec.Notes = append(rec.Notes, fmt.Sprintf(
				"total_calories %.2f replaced by ingredient sum %.2f", providerCalories, rec.TotalCalories))
		}
		if hasMacros && macrosDisagree(providerMacros, rec.TotalMacros) {
			rec.Notes = append(rec.Notes, "total_macros replaced by ingredient sums")
		}
	} else {
		if !hasCalories {
			return nil, parseError(domain.KindIncomplete,
				"total_calories is missing and ingredients carry no nutrition", nil)
		}
		if !hasMacros {
			return nil, parseError(domain.KindIncomplete,
				"total_macros is missing and ingredients carry no nutrition", nil)
		}
		rec.TotalSource = domain.TotalFromProvider
		rec.TotalCalories = providerCalories
		rec.TotalMacros = providerMacros
	}

	for _, opt := range []struct {
		key string
		dst **float64
	}{
		{prompts.FieldSugarG, &rec.SugarG},
		{prompts.FieldSodiumMg, &rec.SodiumMg},
		{prompts.FieldFiberG, &rec.FiberG},
	} {
		v, present, err := top.number(opt.key)
		if err != nil {
			return nil, err
		}
		if present {
			val := v
			*opt.dst = &val
		}
	}

	return rec, nil
}

// parseIngredients validates the ingredient array. itemized is true when
// every ingredient carries all four nutrition fields; a mix of itemized
// and bare ingredients is Incomplete.
func parseIngredients(top object) ([]domain.Ingredient, bool, error) {
	raw, present := top.get(prompts.FieldIngredients)
	if !present {
		return nil, false, parseError(domain.KindIncomplete, "ingredients are missing", nil)
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, false, parseError(domain.KindSchemaMismatch,
			fmt.Sprintf("ingredients is %s, expected array", jsonTypeName(raw)), nil)
	}
	if len(list) == 0 {
		return nil, false, parseError(domain.KindIncomplete, "ingredients list is empty", nil)
	}

	nutritionKeys := []string{prompts.FieldCalories, prompts.FieldProteinG, prompts.FieldCarbsG, prompts.FieldFatG}
	ingredients := make([]domain.Ingredient, 0, len(list))
	withNutrition := 0

	for i, item := range list {
		path := fmt.Sprintf("ingredients[%d]", i)
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, false, parseError(domain.KindSchemaMismatch,
				fmt.Sprintf("%s is %s, expected object", path, jsonTypeName(item)), nil)
		}
		obj := object{fields: fields, path: path}

		name, present, err := obj.str(prompts.FieldName)
		if err != nil {
			return nil, false, err
		}
		if !present || name == "" {
			return nil, false, parseError(domain.KindIncomplete, path+".name is missing", nil)
		}
		quantity, err := obj.quantity(prompts.FieldQuantity)
		if err != nil {
			return nil, false, err
		}

		values := make([]float64, len(nutritionKeys))
		var missing []string
		for k, key := range nutritionKeys {
			v, present, err := obj.number(key)
			if err != nil {
				return nil, false, err
			}
			if !present {
				missing = append(missing, key)
				continue
			}
			values[k] = v
		}

		ing := domain.Ingredient{Name: name, Quantity: quantity}
		switch len(missing) {
		case 0:
			ing.Nutrition = &domain.ItemNutrition{
				Calories: values[0],
				Macros:   domain.Macros{ProteinG: values[1], CarbsG: values[2], FatG: values[3]},
			}
			withNutrition++
		case len(nutritionKeys):
		default:
			return nil, false, parseError(domain.KindIncomplete,
				fmt.Sprintf("%s (%s) is missing %s", path, name, strings.Join(missing, ", ")), nil)
		}
		ingredients = append(ingredients, ing)
	}

	if withNutrition > 0 && withNutrition < len(ingredients) {
		return nil, false, parseError(domain.KindIncomplete,
			fmt.Sprintf("only %d of %d ingredients carry nutrition", withNutrition, len(ingredients)), nil)
	}
	return ingredients, withNutrition > 0, nil
}

func parseMacros(top object) (domain.Macros, bool, error) {
	raw, present := top.get(prompts.FieldTotalMacros)
	if !present {
		return domain.Macros{}, false, nil
	}
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return domain.Macros{}, false, parseError(domain.KindSchemaMismatch,
			fmt.Sprintf("total_macros is %s, expected object", jsonTypeName(raw)), nil)
	}
	obj := object{fields: fields, path: prompts.FieldTotalMacros}

	var m domain.Macros
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{prompts.FieldProteinG, &m.ProteinG},
		{prompts.FieldCarbsG, &m.CarbsG},
		{prompts.FieldFatG, &m.FatG},
	} {
		v, present, err := obj.number(f.key)
		if err != nil {
			return domain.Macros{}, false, err
		}
		if !present {
			return domain.Macros{}, false, nil
		}
		*f.dst = v
	}
	return m, true, nil
}

func sumIngredients(ingredients []domain.Ingredient) (float64, domain.Macros) {
	var kcal float64
	var macros domain.Macros
	for _, ing := range ingredients {
		if ing.Nutrition == nil {
			continue
		}
		kcal += ing.Nutrition.Calories
		macros = macros.Add(ing.Nutrition.Macros)
	}
	return round2(kcal), domain.Macros{
		ProteinG: round2(macros.ProteinG),
		CarbsG:   round2(macros.CarbsG),
		FatG:     round2(macros.FatG),
	}
}

// disagrees reports a provider total off by more than 0.5 plus 2% of the sum.
func disagrees(provider, sum float64) bool {
	return math.Abs(provider-sum) > 0.5+0.02*sum
}

func macrosDisagree(a, b domain.Macros) bool {
	return disagrees(a.ProteinG, b.ProteinG) || disagrees(a.CarbsG, b.CarbsG) || disagrees(a.FatG, b.FatG)
}

// declineReason detects the {"error": {...}} envelope the prompt allows.
func declineReason(top map[string]interface{}) (string, string, bool) {
	switch e := top[prompts.FieldError].(type) {
	case string:
		if s := strings.TrimSpace(e); s != "" {
			return s, "", true
		}
	case map[string]interface{}:
		reason := firstString(e, prompts.FieldErrorReason, "error_reason", "message")
		suggestion := firstString(e, prompts.FieldSuggestion, "suggestion_for_better_results")
		if reason != "" {
			return reason, suggestion, true
		}
	}
	return "", "", false
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// extractJSON finds the JSON payload in model text. It tries the whole
// text, then the text without <think> blocks, then fenced code blocks,
// then balanced {...} segments in order of appearance.
func extractJSON(text string) (string, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return "", parseError(domain.KindMalformed, "model output is empty", nil)
	}
	if json.Valid([]byte(t)) {
		return t, nil
	}

	t = strings.TrimSpace(thinkBlockRe.ReplaceAllString(t, ""))
	if json.Valid([]byte(t)) {
		return t, nil
	}

	for _, m := range codeFenceRe.FindAllStringSubmatch(t, -1) {
		if c := strings.TrimSpace(m[1]); json.Valid([]byte(c)) {
			return c, nil
		}
	}

	// Prose may quote small objects before the payload; prefer the first
	// object that carries a contract field.
	var firstValid string
	var firstErr error
	for i := strings.IndexByte(t, '{'); i != -1; {
		candidate, ok := balancedObject(t, i)
		if !ok {
			break
		}
		if json.Valid([]byte(candidate)) {
			if hasContractField(candidate) {
				return candidate, nil
			}
			if firstValid == "" {
				firstValid = candidate
			}
		} else if firstErr == nil {
			var v interface{}
			firstErr = json.Unmarshal([]byte(candidate), &v)
		}
		end := i + len(candidate)
		next := strings.IndexByte(t[end:], '{')
		if next == -1 {
			break
		}
		i = end + next
	}

	if firstValid != "" {
		return firstValid, nil
	}
	if firstErr != nil {
		return "", parseError(domain.KindMalformed, "embedded JSON is invalid", firstErr)
	}
	return "", parseError(domain.KindMalformed, "no JSON object found in model output", nil)
}

// hasContractField reports whether a JSON object has a top-level key the
// reply contract defines.
func hasContractField(candidate string) bool {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &top); err != nil {
		return false
	}
	for _, key := range []string{prompts.FieldMealName, prompts.FieldIngredients, prompts.FieldError, "success"} {
		if _, ok := top[key]; ok {
			return true
		}
	}
	return false
}

// balancedObject returns the {...} segment starting at s[start], skipping
// braces inside string literals.
func balancedObject(s string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// object is a decoded JSON object with the path used in error messages.
type object struct {
	fields map[string]interface{}
	path   string
}

func (o object) at(key string) string {
	if o.path == "" {
		return key
	}
	return o.path + "." + key
}

// get returns the value for key; JSON null counts as absent.
func (o object) get(key string) (interface{}, bool) {
	v, ok := o.fields[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (o object) str(key string) (string, bool, error) {
	v, ok := o.get(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, parseError(domain.KindSchemaMismatch,
			fmt.Sprintf("%s is %s, expected string", o.at(key), jsonTypeName(v)), nil)
	}
	return strings.TrimSpace(s), true, nil
}

// quantity accepts free text or a bare number.
func (o object) quantity(key string) (string, error) {
	v, ok := o.get(key)
	if !ok {
		return "", nil
	}
	switch q := v.(type) {
	case string:
		return strings.TrimSpace(q), nil
	case json.Number:
		return q.String(), nil
	}
	return "", parseError(domain.KindSchemaMismatch,
		fmt.Sprintf("%s is %s, expected string", o.at(key), jsonTypeName(v)), nil)
}

// number reads a non-negative number, repairing numeric strings with an
// optional unit suffix. Values are rounded to two decimals.
func (o object) number(key string) (float64, bool, error) {
	v, ok := o.get(key)
	if !ok {
		return 0, false, nil
	}

	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false, parseError(domain.KindSchemaMismatch, o.at(key)+" is not a finite number", err)
		}
		f = parsed
	case string:
		m := numericStringRe.FindStringSubmatch(strings.TrimSpace(n))
		if m == nil {
			return 0, false, parseError(domain.KindSchemaMismatch,
				fmt.Sprintf("%s is %q, expected a number", o.at(key), n), nil)
		}
		f, _ = strconv.ParseFloat(m[1], 64)
		converted, ok := convertUnit(f, m[2], fieldUnit(key))
		if !ok {
			return 0, false, parseError(domain.KindSchemaMismatch,
				fmt.Sprintf("%s is %q, expected %s", o.at(key), n, fieldUnit(key)), nil)
		}
		f = converted
	default:
		return 0, false, parseError(domain.KindSchemaMismatch,
			fmt.Sprintf("%s is %s, expected number", o.at(key), jsonTypeName(v)), nil)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, parseError(domain.KindSchemaMismatch, o.at(key)+" is not a finite number", nil)
	}
	if f < 0 {
		return 0, false, parseError(domain.KindSchemaMismatch,
			fmt.Sprintf("%s is negative (%g)", o.at(key), f), nil)
	}
	return round2(f), true, nil
}

// fieldUnit is the unit a numeric contract field is expressed in.
func fieldUnit(key string) string {
	switch {
	case strings.HasSuffix(key, "_mg"):
		return "mg"
	case strings.HasSuffix(key, "_g"):
		return "g"
	default:
		return "kcal"
	}
}

// convertUnit maps a value with the unit written in a numeric string to
// the field's unit. Mass and energy never convert into each other.
func convertUnit(v float64, written, want string) (float64, bool) {
	switch strings.ToLower(written) {
	case "":
		return v, true
	case "g", "gram", "grams":
		switch want {
		case "g":
			return v, true
		case "mg":
			return v * 1000, true
		}
	case "mg", "milligram", "milligrams":
		switch want {
		case "mg":
			return v, true
		case "g":
			return v / 1000, true
		}
	case "kcal", "cal", "calories":
		return v, want == "kcal"
	}
	return 0, false
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func parseError(kind domain.ErrorKind, msg string, cause error) *domain.Error {
	e := domain.NewError(kind, msg, cause)
	e.Suggestion = retrySuggestion
	return e
}

// round2 rounds to two decimal places.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
