package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/amohub/amohub/internal/bus"
	"github.com/amohub/amohub/internal/session"
	"github.com/amohub/amohub/internal/storage"
)

// Outcome sentinels returned to the model-facing tool layer.
const (
	OutcomeOK              = "ok"
	OutcomeLeadNotFound    = "lead_not_found"
	OutcomeNoFields        = "no_fields"
	OutcomeStageNotReached = "stage_not_reached"
	OutcomeInvalidStage    = "invalid_stage"
	OutcomeStageOutOfOrder = "stage_out_of_order"
	OutcomeStageRegression = "stage_regression_not_allowed"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetCRMBinding(globalUserID string) (*storage.CRMBinding, error)
	SetCRMBinding(globalUserID string, contactID, leadID, leadStatusID *int64) error
}

// Service owns the funnel definition and drives all CRM-side effects.
type Service struct {
	client        *Client
	store         Store
	funnel        *Funnel
	contactFields map[string]ContactField

	// Per-user locks serialize contact/lead creation so a burst of
	// messages cannot create duplicate leads. Lazily created, never
	// evicted; accepted at this scale.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService wires the engine together.
func NewService(client *Client, store Store, funnel *Funnel, contactFields map[string]ContactField) *Service {
	return &Service{
		client:        client,
		store:         store,
		funnel:        funnel,
		contactFields: contactFields,
		locks:         make(map[string]*sync.Mutex),
	}
}

// Funnel exposes the immutable funnel definition (for tool schemas).
func (s *Service) Funnel() *Funnel {
	return s.funnel
}

func (s *Service) userLock(globalUserID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[globalUserID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[globalUserID] = lock
	}
	return lock
}

// EnsureContactAndLead makes sure an external contact and lead exist for
// the user, idempotently. Any external failure aborts the step and
// returns the prior binding unchanged; retries live in the client.
func (s *Service) EnsureContactAndLead(ctx context.Context, sess *session.Session, msg *bus.InboundMessage) (*storage.CRMBinding, error) {
	lock := s.userLock(sess.GlobalUserID)
	lock.Lock()
	defer lock.Unlock()

	binding, err := s.store.GetCRMBinding(sess.GlobalUserID)
	if err != nil {
		return nil, err
	}

	var contactID, leadID, leadStatusID *int64
	if binding != nil {
		contactID = binding.ContactID
		leadID = binding.LeadID
		leadStatusID = binding.LeadStatusID
	}

	if contactID == nil {
		id, err := s.createContact(ctx, sess, msg)
		if err != nil {
			slog.Error("Failed to create CRM contact", "global_user_id", sess.GlobalUserID, "error", err)
			return binding, nil
		}
		contactID = id
	}
	if leadID == nil && contactID != nil {
		id, statusID, err := s.createLead(ctx, *contactID, sess)
		if err != nil {
			slog.Error("Failed to create CRM lead", "global_user_id", sess.GlobalUserID, "error", err)
			return binding, nil
		}
		leadID = id
		leadStatusID = statusID
	}

	if err := s.store.SetCRMBinding(sess.GlobalUserID, contactID, leadID, leadStatusID); err != nil {
		return nil, err
	}
	return s.store.GetCRMBinding(sess.GlobalUserID)
}

// UpdateLeadFields writes accepted answers to the lead, gating out any
// question whose stage the lead has not reached yet.
func (s *Service) UpdateLeadFields(ctx context.Context, globalUserID string, answers []map[string]any) (string, error) {
	binding, err := s.store.GetCRMBinding(globalUserID)
	if err != nil || binding == nil || binding.LeadID == nil {
		return OutcomeLeadNotFound, nil
	}

	currentStageIdx := s.currentStageIndex(binding)

	skippedFuture := false
	var fieldsPayload []map[string]any
	for _, item := range answers {
		questionID, ok := numericCandidate(item["question_id"])
		if !ok {
			continue
		}
		question, ok := s.funnel.QuestionByID(questionID)
		if !ok {
			continue
		}
		if stageIdx, ok := s.funnel.QuestionStageIndex(questionID); ok && stageIdx > currentStageIdx {
			skippedFuture = true
			slog.Info("Skipping question: stage not reached",
				"question_id", questionID, "question_stage", stageIdx, "current_stage", currentStageIdx)
			continue
		}
		values, _ := item["values"].([]any)
		if cfValues := buildFieldValues(question, values); len(cfValues) > 0 {
			fieldsPayload = append(fieldsPayload, map[string]any{
				"field_id": question.ID,
				"values":   cfValues,
			})
		}
	}

	if len(fieldsPayload) == 0 {
		if skippedFuture {
			return OutcomeStageNotReached, nil
		}
		return OutcomeNoFields, nil
	}

	_, err = s.client.Request(ctx, "PATCH", fmt.Sprintf("/api/v4/leads/%d", *binding.LeadID),
		map[string]any{"custom_fields_values": fieldsPayload})
	if err != nil {
		return "", err
	}
	return OutcomeOK, nil
}

// ChangeLeadStage advances the lead at most one stage forward.
func (s *Service) ChangeLeadStage(ctx context.Context, globalUserID string, stageID int64) (string, error) {
	binding, err := s.store.GetCRMBinding(globalUserID)
	if err != nil || binding == nil || binding.LeadID == nil {
		return OutcomeLeadNotFound, nil
	}

	targetIdx, ok := s.funnel.StageIndexFromStatus(&stageID)
	if !ok {
		return OutcomeInvalidStage, nil
	}

	currentIdx := -1
	if idx, ok := s.funnel.StageIndexFromStatus(binding.LeadStatusID); ok {
		currentIdx = idx
	}

	if targetIdx > currentIdx+1 {
		return OutcomeStageOutOfOrder, nil
	}
	if currentIdx >= 0 && targetIdx < currentIdx {
		return OutcomeStageRegression, nil
	}

	_, err = s.client.Request(ctx, "PATCH", fmt.Sprintf("/api/v4/leads/%d", *binding.LeadID),
		map[string]any{"status_id": stageID})
	if err != nil {
		return "", err
	}
	if err := s.store.SetCRMBinding(globalUserID, nil, nil, &stageID); err != nil {
		slog.Error("Failed to persist lead status", "global_user_id", globalUserID, "error", err)
	}
	return OutcomeOK, nil
}

// StageRef is a rendered view of one stage.
type StageRef struct {
	Index    int
	Name     string
	StatusID *int64
}

// QuestionContext is a rendered view of one question with its current answer.
type QuestionContext struct {
	ID          int64
	Name        string
	Type        string
	Answer      string
	EnumOptions []EnumOption
}

// LeadContext is the transient snapshot handed to the orchestrator.
type LeadContext struct {
	LeadPresent  bool
	LeadName     string
	CurrentStage *StageRef
	NextStage    *StageRef
	Questions    []QuestionContext
}

// GetLeadContext derives the current/next stage and the answers of the
// current stage's questions. Without a lead every answer renders as "—".
func (s *Service) GetLeadContext(ctx context.Context, globalUserID string) (*LeadContext, error) {
	if s.funnel.Empty() {
		return &LeadContext{}, nil
	}

	binding, err := s.store.GetCRMBinding(globalUserID)
	if err != nil {
		return nil, err
	}
	stages := s.funnel.Stages()
	stageIdx := s.currentStageIndex(binding)
	current := stages[stageIdx]

	result := &LeadContext{
		CurrentStage: &StageRef{Index: current.Index, Name: current.Name, StatusID: current.StatusID},
	}
	if stageIdx+1 < len(stages) {
		next := stages[stageIdx+1]
		result.NextStage = &StageRef{Index: next.Index, Name: next.Name, StatusID: next.StatusID}
	}

	answers := make(map[int64]string)
	if binding != nil && binding.LeadID != nil {
		result.LeadPresent = true
		leadData, err := s.fetchLead(ctx, *binding.LeadID)
		if err != nil {
			return nil, err
		}
		result.LeadName = strings.TrimSpace(leadData.Name)
		for _, cf := range leadData.CustomFieldsValues {
			if question, ok := s.funnel.QuestionByID(cf.FieldID); ok {
				answers[cf.FieldID] = renderAnswer(question, cf.Values)
			}
		}
	}

	for _, q := range current.Questions {
		answer := answers[q.ID]
		if answer == "" {
			answer = "—"
		}
		qc := QuestionContext{ID: q.ID, Name: q.Name, Type: q.Type, Answer: answer}
		if q.Type == "select" || q.Type == "multiselect" {
			qc.EnumOptions = append(qc.EnumOptions, q.Enums...)
		}
		result.Questions = append(result.Questions, qc)
	}
	return result, nil
}

// BuildStageSnapshot renders the stage context as prompt text.
func (s *Service) BuildStageSnapshot(ctx context.Context, globalUserID string) string {
	if s.funnel.Empty() {
		return "Funnel stages are not configured"
	}

	leadCtx, err := s.GetLeadContext(ctx, globalUserID)
	if err != nil || leadCtx.CurrentStage == nil {
		return "Funnel stages are not configured"
	}

	lines := []string{fmt.Sprintf("Stage %q (CRM):", leadCtx.CurrentStage.Name)}
	if !leadCtx.LeadPresent {
		lines = append(lines, "- lead not yet created")
		for _, q := range leadCtx.Questions {
			lines = append(lines, fmt.Sprintf("• %s: —", q.Name))
		}
		return strings.Join(lines, "\n")
	}

	for _, q := range leadCtx.Questions {
		answer := q.Answer
		if answer == "" {
			answer = "—"
		}
		lines = append(lines, fmt.Sprintf("• %s: %s", q.Name, answer))
	}
	if next := leadCtx.NextStage; next != nil {
		suffix := ""
		if next.StatusID != nil {
			suffix = fmt.Sprintf(" (status_id=%d)", *next.StatusID)
		}
		lines = append(lines, fmt.Sprintf("Next stage: %q%s", next.Name, suffix))
	}
	return strings.Join(lines, "\n")
}

// currentStageIndex derives the lead's stage from its last known status,
// defaulting to stage 0 when unknown, clamped to the funnel bounds.
func (s *Service) currentStageIndex(binding *storage.CRMBinding) int {
	if s.funnel.Empty() {
		return 0
	}
	if binding == nil || binding.LeadStatusID == nil {
		return 0
	}
	idx, ok := s.funnel.StageIndexFromStatus(binding.LeadStatusID)
	if !ok {
		return 0
	}
	if idx < 0 {
		return 0
	}
	if last := len(s.funnel.Stages()) - 1; idx > last {
		return last
	}
	return idx
}

type leadPayload struct {
	Name               string `json:"name"`
	CustomFieldsValues []struct {
		FieldID int64        `json:"field_id"`
		Values  []fieldValue `json:"values"`
	} `json:"custom_fields_values"`
}

func (s *Service) fetchLead(ctx context.Context, leadID int64) (*leadPayload, error) {
	body, err := s.client.Request(ctx, "GET", fmt.Sprintf("/api/v4/leads/%d", leadID), nil)
	if err != nil {
		return nil, err
	}
	var payload leadPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse lead: %w", err)
	}
	return &payload, nil
}

func (s *Service) createContact(ctx context.Context, sess *session.Session, msg *bus.InboundMessage) (*int64, error) {
	payload := s.buildContactPayload(sess, msg)
	body, err := s.client.Request(ctx, "POST", "/api/v4/contacts", []map[string]any{payload})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Embedded struct {
			Contacts []struct {
				ID int64 `json:"id"`
			} `json:"contacts"`
		} `json:"_embedded"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse contact response: %w", err)
	}
	if len(resp.Embedded.Contacts) == 0 {
		return nil, fmt.Errorf("contact response contained no contacts")
	}
	id := resp.Embedded.Contacts[0].ID
	return &id, nil
}

func (s *Service) createLead(ctx context.Context, contactID int64, sess *session.Session) (*int64, *int64, error) {
	stageIDs := s.funnel.StageIDs()
	var statusID *int64
	if len(stageIDs) > 0 {
		statusID = &stageIDs[0]
	}

	payload := map[string]any{
		"name": fmt.Sprintf("Inbound assistant chat via %s", sess.Channel),
		"_embedded": map[string]any{
			"contacts": []map[string]any{{"id": contactID, "is_main": true}},
		},
	}
	if statusID != nil {
		payload["status_id"] = *statusID
	}

	body, err := s.client.Request(ctx, "POST", "/api/v4/leads", []map[string]any{payload})
	if err != nil {
		return nil, nil, err
	}

	var resp struct {
		Embedded struct {
			Leads []struct {
				ID       int64  `json:"id"`
				StatusID *int64 `json:"status_id"`
			} `json:"leads"`
		} `json:"_embedded"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("parse lead response: %w", err)
	}
	if len(resp.Embedded.Leads) == 0 {
		return nil, statusID, fmt.Errorf("lead response contained no leads")
	}
	lead := resp.Embedded.Leads[0]
	actualStatus := statusID
	if lead.StatusID != nil {
		actualStatus = lead.StatusID
	}
	return &lead.ID, actualStatus, nil
}

// buildContactPayload derives the contact name and custom fields from
// channel-specific identity carried on the inbound message.
func (s *Service) buildContactPayload(sess *session.Session, msg *bus.InboundMessage) map[string]any {
	name := deriveContactName(sess.Channel, msg)
	payload := map[string]any{"name": name}

	var customValues []map[string]any
	add := func(key, value string) {
		if cf := s.makeCF(key, value); cf != nil {
			customValues = append(customValues, cf)
		}
	}

	switch sess.Channel {
	case "telegram":
		if username := rawString(msg, "username"); username != "" {
			add("telegram_login", "@"+username)
			add("telegram_username", username)
			add("profile_link", "https://t.me/"+username)
		}
		add("telegram_id", msg.UserID)
	case "vk":
		add("profile_link", "https://vk.com/id"+msg.UserID)
	case "whatsapp":
		if msg.UserID != "" {
			add("phone", msg.UserID)
			chat := msg.ChatID
			if chat == "" {
				chat = msg.UserID
			}
			add("whatsapp_group", chat)
		}
	}

	if len(customValues) > 0 {
		payload["custom_fields_values"] = customValues
	}
	return payload
}

func (s *Service) makeCF(key, value string) map[string]any {
	if value == "" {
		return nil
	}
	field, ok := s.contactFields[key]
	if !ok || field.FieldID == 0 {
		return nil
	}
	entry := map[string]any{"value": value}
	if field.EnumID != nil {
		entry["enum_id"] = *field.EnumID
	}
	return map[string]any{"field_id": field.FieldID, "values": []map[string]any{entry}}
}

func deriveContactName(channel string, msg *bus.InboundMessage) string {
	switch channel {
	case "telegram":
		first := rawString(msg, "first_name")
		last := rawString(msg, "last_name")
		if full := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last)); full != "" {
			return full
		}
		if username := rawString(msg, "username"); username != "" {
			return "@" + username
		}
		return "Telegram user " + msg.UserID
	case "vk":
		return "VK user " + msg.UserID
	case "whatsapp":
		return "WhatsApp contact " + msg.UserID
	}
	return "Customer " + msg.UserID
}

func rawString(msg *bus.InboundMessage, key string) string {
	if msg.Raw == nil {
		return ""
	}
	s, _ := msg.Raw[key].(string)
	return strings.TrimSpace(s)
}
