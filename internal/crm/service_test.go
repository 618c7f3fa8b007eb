package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amohub/amohub/internal/bus"
	"github.com/amohub/amohub/internal/session"
	"github.com/amohub/amohub/internal/storage"
)

// memStore is an in-memory Store with merge-upsert semantics.
type memStore struct {
	mu       sync.Mutex
	bindings map[string]*storage.CRMBinding
}

func newMemStore() *memStore {
	return &memStore{bindings: make(map[string]*storage.CRMBinding)}
}

func (m *memStore) GetCRMBinding(gid string) (*storage.CRMBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[gid]
	if !ok {
		return nil, nil
	}
	clone := *b
	return &clone, nil
}

func (m *memStore) SetCRMBinding(gid string, contactID, leadID, leadStatusID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[gid]
	if !ok {
		b = &storage.CRMBinding{GlobalUserID: gid, CreatedAt: time.Now()}
		m.bindings[gid] = b
	}
	if contactID != nil {
		b.ContactID = contactID
	}
	if leadID != nil {
		b.LeadID = leadID
	}
	if leadStatusID != nil {
		b.LeadStatusID = leadStatusID
	}
	b.UpdatedAt = time.Now()
	return nil
}

func testFunnel() *Funnel {
	s0, s1, s2 := int64(100), int64(200), int64(300)
	stages := []Stage{
		{Index: 0, Name: "Qualification", StatusID: &s0, Questions: []Question{
			{ID: 1001, Name: "Interested?", Type: "select", Enums: []EnumOption{
				{ID: 5, Value: "Да"},
				{ID: 6, Value: "Нет"},
			}},
			{ID: 1002, Name: "Comment", Type: "text"},
		}},
		{Index: 1, Name: "Budget", StatusID: &s1, Questions: []Question{
			{ID: 2001, Name: "Budget", Type: "numeric"},
		}},
		{Index: 2, Name: "Closing", StatusID: &s2},
	}
	return NewFunnel(stages, []int64{s0, s1, s2})
}

type crmCall struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeCRM records calls and answers like amoCRM v4.
func fakeCRM(t *testing.T) (*httptest.Server, *[]crmCall) {
	t.Helper()
	var calls []crmCall
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		var list []map[string]any
		dec := json.NewDecoder(r.Body)
		if r.Method == http.MethodPost {
			_ = dec.Decode(&list)
			if len(list) > 0 {
				body = list[0]
			}
		} else if r.Method == http.MethodPatch {
			_ = dec.Decode(&body)
		}
		mu.Lock()
		calls = append(calls, crmCall{Method: r.Method, Path: r.URL.Path, Body: body})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v4/contacts":
			_, _ = w.Write([]byte(`{"_embedded":{"contacts":[{"id":501}]}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v4/leads":
			_, _ = w.Write([]byte(`{"_embedded":{"leads":[{"id":901,"status_id":100}]}}`))
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"name":"Lead","custom_fields_values":[{"field_id":1001,"values":[{"enum_id":5}]}]}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestService(t *testing.T, store Store) (*Service, *[]crmCall) {
	t.Helper()
	server, calls := fakeCRM(t)
	client, err := NewClient(server.URL, "token")
	if err != nil {
		t.Fatal(err)
	}
	return NewService(client, store, testFunnel(), map[string]ContactField{
		"telegram_id":       {FieldID: 71},
		"telegram_username": {FieldID: 72},
		"telegram_login":    {FieldID: 73},
		"profile_link":      {FieldID: 74},
		"phone":             {FieldID: 75},
		"whatsapp_group":    {FieldID: 76},
	}), calls
}

func testSession() *session.Session {
	return &session.Session{GlobalUserID: "g1", Channel: "telegram", ChatID: "c1", UserID: "u1"}
}

func testMessage() *bus.InboundMessage {
	return &bus.InboundMessage{
		Channel: "telegram", ChatID: "c1", UserID: "u1", Text: "hi",
		Raw: map[string]any{"username": "alice", "first_name": "Alice"},
	}
}

func TestEnsureContactAndLeadCreatesOnce(t *testing.T) {
	store := newMemStore()
	svc, calls := newTestService(t, store)

	binding, err := svc.EnsureContactAndLead(context.Background(), testSession(), testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if binding == nil || binding.ContactID == nil || *binding.ContactID != 501 {
		t.Fatalf("contact not bound: %+v", binding)
	}
	if binding.LeadID == nil || *binding.LeadID != 901 {
		t.Fatalf("lead not bound: %+v", binding)
	}
	if binding.LeadStatusID == nil || *binding.LeadStatusID != 100 {
		t.Fatalf("lead status not bound: %+v", binding)
	}

	// Second call must not issue more external creates.
	before := len(*calls)
	if _, err := svc.EnsureContactAndLead(context.Background(), testSession(), testMessage()); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != before {
		t.Fatalf("repeat ensure issued %d extra calls", len(*calls)-before)
	}
}

func TestEnsureContactAndLeadConcurrent(t *testing.T) {
	store := newMemStore()
	svc, calls := newTestService(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.EnsureContactAndLead(context.Background(), testSession(), testMessage()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	creates := 0
	for _, c := range *calls {
		if c.Method == http.MethodPost {
			creates++
		}
	}
	if creates != 2 { // one contact, one lead
		t.Fatalf("expected exactly 2 creates under concurrency, got %d", creates)
	}
}

func TestUpdateLeadFieldsSelectEnumPayload(t *testing.T) {
	// Scenario: user answers a stage-0 select question with "Да".
	store := newMemStore()
	svc, calls := newTestService(t, store)
	if _, err := svc.EnsureContactAndLead(context.Background(), testSession(), testMessage()); err != nil {
		t.Fatal(err)
	}

	outcome, err := svc.UpdateLeadFields(context.Background(), "g1", []map[string]any{
		{"question_id": float64(1001), "values": []any{"Да"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeOK {
		t.Fatalf("outcome = %q", outcome)
	}

	patch := lastPatch(t, *calls)
	fields, _ := patch.Body["custom_fields_values"].([]any)
	if len(fields) != 1 {
		t.Fatalf("expected one field in PATCH, got %v", patch.Body)
	}
	field := fields[0].(map[string]any)
	if field["field_id"].(float64) != 1001 {
		t.Fatalf("wrong field id: %v", field)
	}
	values := field["values"].([]any)
	if values[0].(map[string]any)["enum_id"].(float64) != 5 {
		t.Fatalf("expected enum_id 5, got %v", values[0])
	}
}

func TestUpdateLeadFieldsGatesFutureStages(t *testing.T) {
	store := newMemStore()
	svc, calls := newTestService(t, store)
	if _, err := svc.EnsureContactAndLead(context.Background(), testSession(), testMessage()); err != nil {
		t.Fatal(err)
	}
	before := len(*calls)

	// Question 2001 belongs to stage 1; the lead is at stage 0.
	outcome, err := svc.UpdateLeadFields(context.Background(), "g1", []map[string]any{
		{"question_id": float64(2001), "values": []any{"50000"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeStageNotReached {
		t.Fatalf("outcome = %q", outcome)
	}
	if len(*calls) != before {
		t.Fatal("gated update must not reach the CRM")
	}
}

func TestUpdateLeadFieldsNoLead(t *testing.T) {
	svc, _ := newTestService(t, newMemStore())

	outcome, err := svc.UpdateLeadFields(context.Background(), "nobody", []map[string]any{
		{"question_id": float64(1001), "values": []any{"Да"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeLeadNotFound {
		t.Fatalf("outcome = %q", outcome)
	}
}

func TestChangeLeadStageOrdering(t *testing.T) {
	store := newMemStore()
	svc, calls := newTestService(t, store)
	if _, err := svc.EnsureContactAndLead(context.Background(), testSession(), testMessage()); err != nil {
		t.Fatal(err)
	}
	before := len(*calls)

	// Jump from stage 0 to stage 2 is rejected without a PATCH.
	outcome, err := svc.ChangeLeadStage(context.Background(), "g1", 300)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeStageOutOfOrder {
		t.Fatalf("outcome = %q", outcome)
	}
	if len(*calls) != before {
		t.Fatal("rejected transition must not reach the CRM")
	}

	// One stage forward is allowed.
	outcome, err = svc.ChangeLeadStage(context.Background(), "g1", 200)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeOK {
		t.Fatalf("outcome = %q", outcome)
	}
	b, _ := store.GetCRMBinding("g1")
	if b.LeadStatusID == nil || *b.LeadStatusID != 200 {
		t.Fatalf("status not persisted: %+v", b)
	}

	// Regression is rejected and leaves stored state unchanged.
	outcome, err = svc.ChangeLeadStage(context.Background(), "g1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeStageRegression {
		t.Fatalf("outcome = %q", outcome)
	}
	b, _ = store.GetCRMBinding("g1")
	if *b.LeadStatusID != 200 {
		t.Fatalf("regression changed stored status: %d", *b.LeadStatusID)
	}

	// Unknown stage id.
	outcome, err = svc.ChangeLeadStage(context.Background(), "g1", 9999)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeInvalidStage {
		t.Fatalf("outcome = %q", outcome)
	}
}

func TestGetLeadContextWithoutLead(t *testing.T) {
	svc, _ := newTestService(t, newMemStore())

	leadCtx, err := svc.GetLeadContext(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if leadCtx.LeadPresent {
		t.Fatal("no lead expected")
	}
	if leadCtx.CurrentStage == nil || leadCtx.CurrentStage.Index != 0 {
		t.Fatalf("expected stage 0, got %+v", leadCtx.CurrentStage)
	}
	for _, q := range leadCtx.Questions {
		if q.Answer != "—" {
			t.Fatalf("expected placeholder answer, got %q", q.Answer)
		}
	}
}

func TestBuildStageSnapshot(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, store)

	snapshot := svc.BuildStageSnapshot(context.Background(), "nobody")
	if !strings.Contains(snapshot, "lead not yet created") {
		t.Fatalf("missing no-lead marker: %q", snapshot)
	}

	if _, err := svc.EnsureContactAndLead(context.Background(), testSession(), testMessage()); err != nil {
		t.Fatal(err)
	}
	snapshot = svc.BuildStageSnapshot(context.Background(), "g1")
	if !strings.Contains(snapshot, "Interested?: Да") {
		t.Fatalf("missing resolved answer: %q", snapshot)
	}
	if !strings.Contains(snapshot, "Next stage") {
		t.Fatalf("missing next stage hint: %q", snapshot)
	}
}

func lastPatch(t *testing.T, calls []crmCall) crmCall {
	t.Helper()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == http.MethodPatch {
			return calls[i]
		}
	}
	t.Fatal("no PATCH issued")
	return crmCall{}
}
