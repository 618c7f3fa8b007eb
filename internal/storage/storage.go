// Package storage persists identity, history, CRM bindings and audit records.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Service wraps the SQLite database.
type Service struct {
	db *sql.DB

	// upsertMu serializes contact read-then-write so a race between two
	// messages from the same platform user cannot mint two global ids.
	upsertMu sync.Mutex
}

// New opens (and if needed creates) the database at dbPath.
func New(dbPath string) (*Service, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	slog.Info("Storage initialized", "path", dbPath)
	return &Service{db: db}, nil
}

// Close closes the underlying database.
func (s *Service) Close() error {
	return s.db.Close()
}

// UpsertContact resolves (channel, platformUserID) to a stable global user id,
// creating the binding on first contact. Repeat calls are idempotent and
// return created=false.
func (s *Service) UpsertContact(channel, platformUserID, platformChatID string) (string, bool, error) {
	s.upsertMu.Lock()
	defer s.upsertMu.Unlock()

	var gid string
	err := s.db.QueryRow(
		`SELECT global_user_id FROM contacts WHERE channel = ? AND platform_user_id = ?`,
		channel, platformUserID,
	).Scan(&gid)
	if err == nil {
		return gid, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("lookup contact: %w", err)
	}

	gid = uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO contacts(channel, platform_user_id, platform_chat_id, global_user_id, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		channel, platformUserID, platformChatID, gid, time.Now().Unix(),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert contact: %w", err)
	}

	slog.Debug("New contact binding", "channel", channel, "platform_user_id", platformUserID, "global_user_id", gid)
	return gid, true, nil
}

// SaveMessage appends a message record to the history.
func (s *Service) SaveMessage(rec *MessageRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages(global_user_id, channel, platform_chat_id, platform_user_id, direction, text, ts, correlation_id)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.GlobalUserID, rec.Channel, rec.ChatID, rec.UserID, string(rec.Direction), rec.Text, ts.Unix(), rec.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetAllMessages returns the full history for a user in timestamp order.
func (s *Service) GetAllMessages(globalUserID string) ([]MessageRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, channel, platform_chat_id, platform_user_id, direction, text, ts, COALESCE(correlation_id, '')
		 FROM messages WHERE global_user_id = ? ORDER BY ts ASC, id ASC`,
		globalUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var result []MessageRecord
	for rows.Next() {
		rec := MessageRecord{GlobalUserID: globalUserID}
		var ts int64
		var direction string
		if err := rows.Scan(&rec.ID, &rec.Channel, &rec.ChatID, &rec.UserID, &direction, &rec.Text, &ts, &rec.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.Direction = Direction(direction)
		rec.Timestamp = time.Unix(ts, 0).UTC()
		result = append(result, rec)
	}
	return result, rows.Err()
}

// SaveAIResponse persists one assistant reply.
func (s *Service) SaveAIResponse(globalUserID, text, providerID string) error {
	_, err := s.db.Exec(
		`INSERT INTO ai_responses(global_user_id, text, provider_id, ts) VALUES(?, ?, ?, ?)`,
		globalUserID, text, providerID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save ai response: %w", err)
	}
	return nil
}

// SaveToolInvocation persists the audit record of one completed tool call.
func (s *Service) SaveToolInvocation(rec *ToolInvocation) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO tool_invocations(global_user_id, channel, platform_chat_id, platform_user_id, tool_name, arguments, output, call_id, ts)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.GlobalUserID, rec.Channel, rec.ChatID, rec.UserID, rec.ToolName, rec.Arguments, rec.Output, rec.CallID, ts.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save tool invocation: %w", err)
	}
	return nil
}

// GetCRMBinding returns the CRM binding for a user, or nil when none exists.
func (s *Service) GetCRMBinding(globalUserID string) (*CRMBinding, error) {
	b := CRMBinding{GlobalUserID: globalUserID}
	var contactID, leadID, leadStatusID sql.NullInt64
	var createdAt, updatedAt int64
	err := s.db.QueryRow(
		`SELECT contact_id, lead_id, lead_status_id, created_at, updated_at FROM crm_bindings WHERE global_user_id = ?`,
		globalUserID,
	).Scan(&contactID, &leadID, &leadStatusID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query crm binding: %w", err)
	}
	if contactID.Valid {
		b.ContactID = &contactID.Int64
	}
	if leadID.Valid {
		b.LeadID = &leadID.Int64
	}
	if leadStatusID.Valid {
		b.LeadStatusID = &leadStatusID.Int64
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &b, nil
}

// SetCRMBinding merge-upserts the CRM binding: nil fields keep the stored
// value, they never clear it.
func (s *Service) SetCRMBinding(globalUserID string, contactID, leadID, leadStatusID *int64) error {
	existing, err := s.GetCRMBinding(globalUserID)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if existing == nil {
		_, err = s.db.Exec(
			`INSERT INTO crm_bindings(global_user_id, contact_id, lead_id, lead_status_id, created_at, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			globalUserID, nullable(contactID), nullable(leadID), nullable(leadStatusID), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert crm binding: %w", err)
		}
		return nil
	}

	merged := mergeField(contactID, existing.ContactID)
	mergedLead := mergeField(leadID, existing.LeadID)
	mergedStatus := mergeField(leadStatusID, existing.LeadStatusID)
	_, err = s.db.Exec(
		`UPDATE crm_bindings SET contact_id = ?, lead_id = ?, lead_status_id = ?, updated_at = ? WHERE global_user_id = ?`,
		nullable(merged), nullable(mergedLead), nullable(mergedStatus), now, globalUserID,
	)
	if err != nil {
		return fmt.Errorf("update crm binding: %w", err)
	}
	return nil
}

// ClearAll wipes every table. Administrative use only.
func (s *Service) ClearAll() error {
	for _, table := range []string{"contacts", "messages", "crm_bindings", "ai_responses", "tool_invocations"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	slog.Warn("Storage wiped")
	return nil
}

func mergeField(incoming, stored *int64) *int64 {
	if incoming != nil {
		return incoming
	}
	return stored
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
