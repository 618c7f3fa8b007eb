// Package crm implements the amoCRM funnel engine: stage-gated field
// writes, idempotent contact/lead creation and stage-transition checks.
package crm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Question is one funnel question mapped to a lead custom field.
type Question struct {
	ID    int64        `json:"id"`
	Name  string       `json:"name"`
	Type  string       `json:"type"`
	Enums []EnumOption `json:"enums,omitempty"`
}

// EnumOption is one allowed choice for a select/multiselect question.
type EnumOption struct {
	ID    int64  `json:"id"`
	Value string `json:"value"`
}

// Stage is one ordered step of the funnel. StatusID is the external
// pipeline status the stage maps to; nil when not configured.
type Stage struct {
	Index     int        `json:"index"`
	Name      string     `json:"name"`
	StatusID  *int64     `json:"status_id,omitempty"`
	Questions []Question `json:"questions"`
}

// ContactField maps a logical contact attribute to an external field id.
type ContactField struct {
	FieldID int64  `json:"field_id"`
	EnumID  *int64 `json:"enum_id,omitempty"`
}

// Funnel is the immutable funnel definition, loaded once at startup.
type Funnel struct {
	stages         []Stage
	stageIDs       []int64
	questionsByID  map[int64]Question
	questionStage  map[int64]int
	stagesByStatus map[int64]int
}

// requiredContactFieldKeys are the attributes the contact field map is
// expected to cover. Missing keys are logged, not fatal.
var requiredContactFieldKeys = []string{
	"phone", "email", "telegram_id", "telegram_username",
	"telegram_login", "profile_link", "whatsapp_group",
}

// NewFunnel builds the derived lookup tables from an ordered stage list.
func NewFunnel(stages []Stage, stageIDs []int64) *Funnel {
	f := &Funnel{
		stages:         stages,
		stageIDs:       stageIDs,
		questionsByID:  make(map[int64]Question),
		questionStage:  make(map[int64]int),
		stagesByStatus: make(map[int64]int),
	}
	for _, stage := range stages {
		if stage.StatusID != nil {
			f.stagesByStatus[*stage.StatusID] = stage.Index
		}
		for _, q := range stage.Questions {
			f.questionsByID[q.ID] = q
			f.questionStage[q.ID] = stage.Index
		}
	}
	return f
}

// LoadFunnel reads stages.json, questions.json and contact_field_map.json
// from dir. Every file is optional; an empty funnel is valid but inert.
func LoadFunnel(dir string) (*Funnel, map[string]ContactField, error) {
	stageIDs, nameOverrides, err := loadStageIDs(filepath.Join(dir, "stages.json"))
	if err != nil {
		return nil, nil, err
	}

	stages, err := loadStages(filepath.Join(dir, "questions.json"), stageIDs)
	if err != nil {
		return nil, nil, err
	}

	// Pad stages for status ids that have no question block.
	for idx := len(stages); idx < len(stageIDs); idx++ {
		statusID := stageIDs[idx]
		name := nameOverrides[statusID]
		if name == "" {
			name = fmt.Sprintf("Stage %d", idx+1)
		}
		stages = append(stages, Stage{Index: idx, Name: name, StatusID: &statusID})
	}
	if len(stageIDs) < len(stages) {
		slog.Warn("Fewer stage ids than question stages; trailing stages have no status",
			"stage_ids", len(stageIDs), "stages", len(stages))
	}

	contactFields, err := loadContactFields(filepath.Join(dir, "contact_field_map.json"))
	if err != nil {
		return nil, nil, err
	}
	for _, key := range requiredContactFieldKeys {
		if _, ok := contactFields[key]; !ok {
			slog.Warn("Contact field map is missing a key", "key", key)
		}
	}

	return NewFunnel(stages, stageIDs), contactFields, nil
}

func loadStageIDs(path string) ([]int64, map[int64]string, error) {
	names := make(map[int64]string)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("stages.json not found", "path", path)
			return nil, names, nil
		}
		return nil, nil, fmt.Errorf("read stages.json: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse stages.json: %w", err)
	}

	var ids []int64
	for _, entry := range raw {
		var obj struct {
			ID       *int64 `json:"id"`
			StatusID *int64 `json:"status_id"`
			Name     string `json:"name"`
		}
		if err := json.Unmarshal(entry, &obj); err == nil && (obj.ID != nil || obj.StatusID != nil) {
			id := obj.StatusID
			if obj.ID != nil {
				id = obj.ID
			}
			ids = append(ids, *id)
			if obj.Name != "" {
				names[*id] = obj.Name
			}
			continue
		}
		var id int64
		if err := json.Unmarshal(entry, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		slog.Warn("Unparseable stage entry in stages.json", "entry", string(entry))
	}
	return ids, names, nil
}

func loadStages(path string, stageIDs []int64) ([]Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("questions.json not found", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read questions.json: %w", err)
	}

	var blocks []struct {
		Name      string     `json:"name"`
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("parse questions.json: %w", err)
	}

	stages := make([]Stage, 0, len(blocks))
	for idx, block := range blocks {
		name := block.Name
		if name == "" {
			name = fmt.Sprintf("Stage %d", idx+1)
		}
		stage := Stage{Index: idx, Name: name, Questions: block.Questions}
		if idx < len(stageIDs) {
			statusID := stageIDs[idx]
			stage.StatusID = &statusID
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func loadContactFields(path string) (map[string]ContactField, error) {
	fields := make(map[string]ContactField)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("contact_field_map.json not found", "path", path)
			return fields, nil
		}
		return nil, fmt.Errorf("read contact_field_map.json: %w", err)
	}

	var raw map[string]ContactField
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse contact_field_map.json: %w", err)
	}
	for key, field := range raw {
		if field.FieldID != 0 {
			fields[key] = field
		}
	}
	return fields, nil
}

// Stages returns a copy of the ordered stage list.
func (f *Funnel) Stages() []Stage {
	out := make([]Stage, len(f.stages))
	copy(out, f.stages)
	return out
}

// StageIDs returns the configured external status ids in stage order.
func (f *Funnel) StageIDs() []int64 {
	out := make([]int64, len(f.stageIDs))
	copy(out, f.stageIDs)
	return out
}

// Questions returns every question across all stages in stage order.
func (f *Funnel) Questions() []Question {
	var out []Question
	for _, stage := range f.stages {
		out = append(out, stage.Questions...)
	}
	return out
}

// QuestionByID looks a question up by its external field id.
func (f *Funnel) QuestionByID(id int64) (Question, bool) {
	q, ok := f.questionsByID[id]
	return q, ok
}

// QuestionStageIndex returns the stage index owning a question.
func (f *Funnel) QuestionStageIndex(id int64) (int, bool) {
	idx, ok := f.questionStage[id]
	return idx, ok
}

// StageIndexFromStatus maps an external status id to its stage index.
func (f *Funnel) StageIndexFromStatus(statusID *int64) (int, bool) {
	if statusID == nil {
		return 0, false
	}
	if idx, ok := f.stagesByStatus[*statusID]; ok {
		return idx, true
	}
	for i, id := range f.stageIDs {
		if id == *statusID {
			return i, true
		}
	}
	return 0, false
}

// Empty reports whether the funnel has no stages.
func (f *Funnel) Empty() bool {
	return len(f.stages) == 0
}
