package crm

import (
	"reflect"
	"testing"
)

func yesNoQuestion() Question {
	return Question{
		ID:   42,
		Name: "Interested?",
		Type: "select",
		Enums: []EnumOption{
			{ID: 10, Value: "Yes"},
			{ID: 11, Value: "No"},
		},
	}
}

func TestResolveEnumID(t *testing.T) {
	q := yesNoQuestion()

	cases := []struct {
		name  string
		input any
		want  int64
		ok    bool
	}{
		{"numeric id", 10, 10, true},
		{"float id", float64(10), 10, true},
		{"numeric string", "10", 10, true},
		{"case-insensitive text", "yes", 10, true},
		{"exact text", "No", 11, true},
		{"padded text", "  Yes  ", 10, true},
		{"unknown id", 99, 0, false},
		{"unknown text", "maybe", 0, false},
		{"nested map enum_id", map[string]any{"enum_id": float64(11)}, 11, true},
		{"nested map value", map[string]any{"value": "yes"}, 10, true},
		{"nested list", []any{"maybe", "no"}, 11, true},
		{"empty string", "", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := resolveEnumID(q, tc.input)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("resolveEnumID(%v) = (%d, %v), want (%d, %v)", tc.input, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestBuildFieldValuesSelectFallsBackToFreeText(t *testing.T) {
	q := yesNoQuestion()

	got := buildFieldValues(q, []any{"maybe later"})
	want := []map[string]any{{"value": "maybe later"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBuildFieldValuesSelectPrefersEnum(t *testing.T) {
	q := yesNoQuestion()

	got := buildFieldValues(q, []any{"something else", "yes"})
	want := []map[string]any{{"enum_id": int64(10)}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBuildFieldValuesMultiselectDedupesAndOrders(t *testing.T) {
	q := Question{
		ID:   7,
		Type: "multiselect",
		Enums: []EnumOption{
			{ID: 1, Value: "Red"},
			{ID: 2, Value: "Blue"},
		},
	}

	got := buildFieldValues(q, []any{"custom", "red", "Red", "blue", "custom", "green"})
	want := []map[string]any{
		{"enum_id": int64(1)},
		{"enum_id": int64(2)},
		{"value": "custom"},
		{"value": "green"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBuildFieldValuesTextJoinsWithNewline(t *testing.T) {
	q := Question{ID: 3, Type: "textarea"}

	got := buildFieldValues(q, []any{"line one", " ", "line two"})
	want := []map[string]any{{"value": "line one\nline two"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBuildFieldValuesEmpty(t *testing.T) {
	if got := buildFieldValues(Question{Type: "text"}, nil); got != nil {
		t.Fatalf("expected nil payload for empty values, got %v", got)
	}
	if got := buildFieldValues(yesNoQuestion(), []any{""}); got != nil {
		t.Fatalf("expected nil payload for blank select, got %v", got)
	}
}

func TestRenderAnswer(t *testing.T) {
	q := yesNoQuestion()
	enumID := int64(10)

	got := renderAnswer(q, []fieldValue{{EnumID: &enumID}, {Value: "free text"}})
	if got != "Yes, free text" {
		t.Fatalf("got %q", got)
	}

	text := Question{Type: "text"}
	got = renderAnswer(text, []fieldValue{{Value: "a"}, {Value: "b"}})
	if got != "a, b" {
		t.Fatalf("got %q", got)
	}
}
