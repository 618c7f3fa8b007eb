package crm

import (
	"fmt"
	"strconv"
	"strings"
)

// buildFieldValues renders accepted answer values into the external
// custom-field payload shape for one question. Text-like types join raw
// strings with newlines; select resolves the first matching enum and
// falls back to free text; multiselect resolves each candidate
// independently, deduped, enum matches first.
func buildFieldValues(q Question, rawValues []any) []map[string]any {
	switch q.Type {
	case "select":
		var fallback string
		for _, v := range rawValues {
			if enumID, ok := resolveEnumID(q, v); ok {
				return []map[string]any{{"enum_id": enumID}}
			}
			if fallback == "" {
				fallback = normalizeFreeValue(v)
			}
		}
		if fallback != "" {
			return []map[string]any{{"value": fallback}}
		}
		return nil
	case "multiselect":
		var enumValues, freeValues []map[string]any
		seenIDs := make(map[int64]bool)
		seenTexts := make(map[string]bool)
		for _, v := range rawValues {
			if enumID, ok := resolveEnumID(q, v); ok {
				if !seenIDs[enumID] {
					seenIDs[enumID] = true
					enumValues = append(enumValues, map[string]any{"enum_id": enumID})
				}
				continue
			}
			normalized := normalizeFreeValue(v)
			if normalized != "" && !seenTexts[normalized] {
				seenTexts[normalized] = true
				freeValues = append(freeValues, map[string]any{"value": normalized})
			}
		}
		return append(enumValues, freeValues...)
	default:
		// text, textarea, numeric, url and anything unknown.
		var parts []string
		for _, v := range rawValues {
			if s := strings.TrimSpace(anyToString(v)); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return []map[string]any{{"value": strings.Join(parts, "\n")}}
	}
}

// renderAnswer turns stored custom-field values into a display string.
type fieldValue struct {
	Value  any    `json:"value"`
	EnumID *int64 `json:"enum_id"`
}

func renderAnswer(q Question, values []fieldValue) string {
	if q.Type == "select" || q.Type == "multiselect" {
		lookup := make(map[int64]string, len(q.Enums))
		for _, e := range q.Enums {
			lookup[e.ID] = e.Value
		}
		var labels []string
		for _, v := range values {
			if v.EnumID != nil {
				if label, ok := lookup[*v.EnumID]; ok {
					labels = append(labels, label)
					continue
				}
			}
			if s := anyToString(v.Value); s != "" {
				labels = append(labels, s)
			}
		}
		return strings.Join(labels, ", ")
	}

	var parts []string
	for _, v := range values {
		if s := anyToString(v.Value); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// resolveEnumID maps one candidate value to a known enum id. Accepts
// numeric ids, numeric strings and case-insensitive exact text matches,
// recursing through nested map/list shapes the model may produce.
func resolveEnumID(q Question, raw any) (int64, bool) {
	switch v := raw.(type) {
	case nil:
		return 0, false
	case map[string]any:
		for _, key := range []string{"enum_id", "id", "value_id"} {
			if candidate, ok := v[key]; ok && candidate != nil {
				if enumID, ok := resolveEnumID(q, candidate); ok {
					return enumID, true
				}
			}
		}
		if nested, ok := v["value"]; ok {
			return resolveEnumID(q, nested)
		}
		return 0, false
	case []any:
		for _, item := range v {
			if enumID, ok := resolveEnumID(q, item); ok {
				return enumID, true
			}
		}
		return 0, false
	}

	if candidate, ok := numericCandidate(raw); ok {
		for _, e := range q.Enums {
			if e.ID == candidate {
				return e.ID, true
			}
		}
		return 0, false
	}

	text := strings.TrimSpace(anyToString(raw))
	if text == "" {
		return 0, false
	}
	lower := strings.ToLower(text)
	for _, e := range q.Enums {
		if strings.ToLower(strings.TrimSpace(e.Value)) == lower {
			return e.ID, true
		}
	}
	return 0, false
}

// numericCandidate extracts an integer enum id candidate from ints,
// whole floats and digit-only strings.
func numericCandidate(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// normalizeFreeValue extracts trimmed free text from a candidate value,
// recursing through nested shapes.
func normalizeFreeValue(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case map[string]any:
		for _, key := range []string{"value", "text", "label"} {
			if nested, ok := v[key]; ok {
				if s := normalizeFreeValue(nested); s != "" {
					return s
				}
			}
		}
		return ""
	case []any:
		for _, item := range v {
			if s := normalizeFreeValue(item); s != "" {
				return s
			}
		}
		return ""
	}
	return strings.TrimSpace(anyToString(raw))
}

func anyToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	}
	return fmt.Sprintf("%v", v)
}
