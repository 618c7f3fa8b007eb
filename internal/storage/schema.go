package storage

import "time"

// Direction marks a message as received from or sent to a user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageRecord is one persisted message, inbound or outbound.
type MessageRecord struct {
	ID            int64     `json:"id"`
	GlobalUserID  string    `json:"global_user_id"`
	Channel       string    `json:"channel"`
	ChatID        string    `json:"chat_id"`
	UserID        string    `json:"user_id"`
	Direction     Direction `json:"direction"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// CRMBinding links a global user to their external CRM contact and lead.
// Updates are merge-upserts: a nil field never clears the stored value.
type CRMBinding struct {
	GlobalUserID string    `json:"global_user_id"`
	ContactID    *int64    `json:"contact_id,omitempty"`
	LeadID       *int64    `json:"lead_id,omitempty"`
	LeadStatusID *int64    `json:"lead_status_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AIResponse is one persisted assistant reply.
type AIResponse struct {
	ID           int64     `json:"id"`
	GlobalUserID string    `json:"global_user_id"`
	Text         string    `json:"text"`
	ProviderID   string    `json:"provider_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ToolInvocation is the audit record of one completed tool call.
type ToolInvocation struct {
	ID           int64     `json:"id"`
	GlobalUserID string    `json:"global_user_id"`
	Channel      string    `json:"channel"`
	ChatID       string    `json:"chat_id"`
	UserID       string    `json:"user_id"`
	ToolName     string    `json:"tool_name"`
	Arguments    string    `json:"arguments"`
	Output       string    `json:"output"`
	CallID       string    `json:"call_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Schema is the database schema, applied on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS contacts (
	channel TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	platform_chat_id TEXT NOT NULL,
	global_user_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(channel, platform_user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	global_user_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	platform_chat_id TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	text TEXT NOT NULL,
	ts INTEGER NOT NULL,
	correlation_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_user_ts ON messages(global_user_id, ts);

CREATE TABLE IF NOT EXISTS crm_bindings (
	global_user_id TEXT PRIMARY KEY,
	contact_id INTEGER,
	lead_id INTEGER,
	lead_status_id INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_responses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	global_user_id TEXT NOT NULL,
	text TEXT NOT NULL,
	provider_id TEXT,
	ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_invocations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	global_user_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	platform_chat_id TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	arguments TEXT NOT NULL,
	output TEXT NOT NULL,
	call_id TEXT,
	ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_invocations_user ON tool_invocations(global_user_id, ts);
`
