package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/amohub/amohub/internal/crm"
	"github.com/amohub/amohub/internal/session"
)

// UpdateLeadFieldsTool writes accepted funnel answers to the user's
// lead. Its schema is generated from the live funnel so the model sees
// the real question ids and enum options.
type UpdateLeadFieldsTool struct {
	service *crm.Service
}

// NewUpdateLeadFieldsTool builds the tool over the CRM engine.
func NewUpdateLeadFieldsTool(service *crm.Service) *UpdateLeadFieldsTool {
	return &UpdateLeadFieldsTool{service: service}
}

func (t *UpdateLeadFieldsTool) Name() string { return "amocrm_update_lead_fields" }

func (t *UpdateLeadFieldsTool) Description() string {
	var b strings.Builder
	b.WriteString("Save the user's confirmed answers to their CRM lead. ")
	b.WriteString("Only questions of the current stage are accepted. Questions:\n")
	for _, q := range t.service.Funnel().Questions() {
		fmt.Fprintf(&b, "- %d: %s (%s)", q.ID, q.Name, q.Type)
		if len(q.Enums) > 0 {
			var opts []string
			for _, e := range q.Enums {
				opts = append(opts, fmt.Sprintf("%d=%s", e.ID, e.Value))
			}
			fmt.Fprintf(&b, " options: %s", strings.Join(opts, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (t *UpdateLeadFieldsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answers": map[string]any{
				"type":        "array",
				"description": "Confirmed answers to write.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question_id": map[string]any{
							"type":        "integer",
							"description": "Funnel question id.",
						},
						"values": map[string]any{
							"type":        "array",
							"description": "Answer values: enum ids, option labels or free text.",
							"items":       map[string]any{"type": "string"},
						},
					},
					"required":             []string{"question_id", "values"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"answers"},
		"additionalProperties": false,
	}
}

func (t *UpdateLeadFieldsTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	sess, ok := session.From(ctx)
	if !ok {
		return "session_not_found", nil
	}

	var answers []map[string]any
	for _, item := range GetList(params, "answers") {
		if m, ok := item.(map[string]any); ok {
			answers = append(answers, m)
		}
	}
	return t.service.UpdateLeadFields(ctx, sess.GlobalUserID, answers)
}

// SetLeadStageTool advances the user's lead one funnel stage forward.
type SetLeadStageTool struct {
	service *crm.Service
}

// NewSetLeadStageTool builds the tool over the CRM engine.
func NewSetLeadStageTool(service *crm.Service) *SetLeadStageTool {
	return &SetLeadStageTool{service: service}
}

func (t *SetLeadStageTool) Name() string { return "amocrm_set_lead_stage" }

func (t *SetLeadStageTool) Description() string {
	var b strings.Builder
	b.WriteString("Move the user's lead to the next funnel stage once its questions are answered. ")
	b.WriteString("Stages in order:\n")
	for _, stage := range t.service.Funnel().Stages() {
		if stage.StatusID != nil {
			fmt.Fprintf(&b, "- %d: %s\n", *stage.StatusID, stage.Name)
		}
	}
	return b.String()
}

func (t *SetLeadStageTool) Parameters() map[string]any {
	var stageIDs []any
	for _, id := range t.service.Funnel().StageIDs() {
		stageIDs = append(stageIDs, id)
	}
	schema := map[string]any{
		"type":        "integer",
		"description": "Target stage status id.",
	}
	if len(stageIDs) > 0 {
		schema["enum"] = stageIDs
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"stage_id": schema,
		},
		"required":             []string{"stage_id"},
		"additionalProperties": false,
	}
}

func (t *SetLeadStageTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	sess, ok := session.From(ctx)
	if !ok {
		return "session_not_found", nil
	}
	stageID := GetInt64(params, "stage_id", 0)
	if stageID == 0 {
		return crm.OutcomeInvalidStage, nil
	}
	return t.service.ChangeLeadStage(ctx, sess.GlobalUserID, stageID)
}
