package models

import (
	"time"

	"gorm.io/datatypes"
)

// CallRecord is the persisted summary of a finished (or failed) call.
type CallRecord struct {
	ID                 string         `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CallID             string         `gorm:"column:call_id;type:text;uniqueIndex" json:"call_id"`
	TelephonySessionID string         `gorm:"column:telephony_session_id;type:text;index" json:"telephony_session_id"`
	PartyID            string         `gorm:"column:party_id;type:text" json:"party_id"`
	Transport          string         `gorm:"column:transport;type:text" json:"transport"` // webhook|sip
	Direction          string         `gorm:"column:direction;type:text" json:"direction"` // Inbound|Outbound
	FromNumber         string         `gorm:"column:from_number;type:text" json:"from_number"`
	ToNumber           string         `gorm:"column:to_number;type:text" json:"to_number"`
	Disposition        string         `gorm:"column:disposition;type:text" json:"disposition"` // answered|missed|voicemail|failed
	StartedAt          time.Time      `gorm:"column:started_at;type:timestamptz;index" json:"started_at"`
	EndedAt            *time.Time     `gorm:"column:ended_at;type:timestamptz" json:"ended_at,omitempty"`
	DurationSeconds    int64          `gorm:"column:duration_seconds" json:"duration_seconds"`
	Metadata           datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
}

func (CallRecord) TableName() string { return "call_records" }

// CallTranscript is one conversation turn of a call, written out when the
// call ends.
type CallTranscript struct {
	ID        string    `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CallID    string    `gorm:"column:call_id;type:text;index" json:"call_id"`
	Role      string    `gorm:"column:role;type:text" json:"role"` // "caller" | "assistant"
	Content   string    `gorm:"column:content;type:text" json:"content"`
	Timestamp time.Time `gorm:"column:timestamp;type:timestamptz;index" json:"timestamp"`
}

func (CallTranscript) TableName() string { return "call_transcripts" }
