package crm

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFunnelFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFunnel(t *testing.T) {
	dir := t.TempDir()
	writeFunnelFile(t, dir, "stages.json", `[
		{"id": 100, "name": "Qualification"},
		{"status_id": 200, "name": "Budget"},
		300
	]`)
	writeFunnelFile(t, dir, "questions.json", `[
		{"name": "Qualification", "questions": [
			{"id": 1001, "name": "Interested?", "type": "select",
			 "enums": [{"id": 5, "value": "Да"}, {"id": 6, "value": "Нет"}]}
		]},
		{"questions": [
			{"id": 2001, "name": "Budget", "type": "numeric"}
		]}
	]`)
	writeFunnelFile(t, dir, "contact_field_map.json", `{
		"phone": {"field_id": 75},
		"telegram_id": {"field_id": 71},
		"email": {"field_id": 0}
	}`)

	funnel, contactFields, err := LoadFunnel(dir)
	if err != nil {
		t.Fatal(err)
	}

	stages := funnel.Stages()
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	// Third stage is padded from the extra status id.
	if stages[2].StatusID == nil || *stages[2].StatusID != 300 {
		t.Fatalf("padded stage lost status id: %+v", stages[2])
	}
	if stages[1].Name != "Stage 2" {
		t.Fatalf("unnamed question block should fall back: %q", stages[1].Name)
	}

	q, ok := funnel.QuestionByID(1001)
	if !ok || q.Name != "Interested?" || len(q.Enums) != 2 {
		t.Fatalf("question 1001 = %+v, ok=%v", q, ok)
	}
	if idx, ok := funnel.QuestionStageIndex(2001); !ok || idx != 1 {
		t.Fatalf("question 2001 stage = %d, ok=%v", idx, ok)
	}

	status := int64(200)
	if idx, ok := funnel.StageIndexFromStatus(&status); !ok || idx != 1 {
		t.Fatalf("status 200 stage = %d, ok=%v", idx, ok)
	}
	unknown := int64(9999)
	if _, ok := funnel.StageIndexFromStatus(&unknown); ok {
		t.Fatal("unknown status must not resolve")
	}

	if _, ok := contactFields["phone"]; !ok {
		t.Fatal("phone mapping lost")
	}
	// Zero field ids are dropped.
	if _, ok := contactFields["email"]; ok {
		t.Fatal("zero field id must be dropped")
	}
}

func TestLoadFunnelMissingFiles(t *testing.T) {
	funnel, contactFields, err := LoadFunnel(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !funnel.Empty() {
		t.Fatal("expected empty funnel")
	}
	if len(contactFields) != 0 {
		t.Fatalf("expected no contact fields, got %v", contactFields)
	}
}

func TestLoadFunnelRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeFunnelFile(t, dir, "stages.json", `{"not": "a list"}`)
	if _, _, err := LoadFunnel(dir); err == nil {
		t.Fatal("expected parse error")
	}
}
