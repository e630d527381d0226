package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CredentialStatus is the health state of an upstream credential.
type CredentialStatus string

const (
	StatusHealthy  CredentialStatus = "Healthy"
	StatusResting  CredentialStatus = "Resting"
	StatusDisabled CredentialStatus = "Disabled"
)

// Valid reports whether s is one of the known statuses.
func (s CredentialStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusResting, StatusDisabled:
		return true
	default:
		return false
	}
}

// MinKeyLength is the shortest secret accepted by the store.
const MinKeyLength = 10

// Credential is an upstream API key in the rotation pool.
type Credential struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	Name          string           `gorm:"not null;size:255;default:Unnamed" json:"name"`
	KeyValue      string           `gorm:"uniqueIndex;not null;size:512" json:"key_value"`
	Status        CredentialStatus `gorm:"not null;size:16;default:Healthy;index" json:"status"`
	DisabledUntil *time.Time       `json:"disabled_until,omitempty"`
	Note          string           `gorm:"type:text" json:"note"`
	LastRotatedAt time.Time        `gorm:"not null;index" json:"last_rotated_at"`
	Stats         []DailyStat      `gorm:"foreignKey:KeyID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Credential) TableName() string {
	return "credentials"
}

// MaskedKey returns the last four characters of the secret for logs.
func (c *Credential) MaskedKey() string {
	if len(c.KeyValue) <= 4 {
		return "..." + c.KeyValue
	}
	return "..." + c.KeyValue[len(c.KeyValue)-4:]
}

// CredentialWithIndex is a list row carrying today's performance index.
type CredentialWithIndex struct {
	ID       uint             `json:"id"`
	Name     string           `json:"name"`
	KeyValue string           `json:"key_value"`
	Status   CredentialStatus `json:"status"`
	KPI      int              `json:"kpi"`
}

// CredentialDetails is the single-credential admin view.
type CredentialDetails struct {
	ID       uint             `json:"id"`
	Name     string           `json:"name"`
	KeyValue string           `json:"key_value"`
	Status   CredentialStatus `json:"status"`
	Note     string           `json:"note"`
}

// ExportedCredential is the portable export/import shape.
type ExportedCredential struct {
	Name     string `json:"name"`
	KeyValue string `json:"key_value"`
	Note     string `json:"note"`
	Status   string `json:"status,omitempty"`
}

// CredentialCreateRequest is the body of POST /keys.
type CredentialCreateRequest struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Note string `json:"note"`
}

// CredentialUpdateRequest is the body of PUT /keys/:id. Nil fields are left untouched.
type CredentialUpdateRequest struct {
	Name   *string `json:"name"`
	Key    *string `json:"key"`
	Status *string `json:"status"`
	Note   *string `json:"note"`
}

// BulkActionRequest is the body of POST /keys/bulk-action.
type BulkActionRequest struct {
	KeyIDs []uint `json:"key_ids"`
	Status string `json:"status"`
}

// DailyStat aggregates one credential's traffic for one UTC calendar day.
type DailyStat struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	KeyID          uint       `gorm:"not null;uniqueIndex:idx_daily_stats_key_date" json:"key_id"`
	Date           string     `gorm:"not null;size:10;uniqueIndex:idx_daily_stats_key_date;index" json:"date"`
	Requests       int64      `gorm:"not null;default:0" json:"requests"`
	Successes      int64      `gorm:"not null;default:0" json:"successes"`
	Errors         int64      `gorm:"not null;default:0" json:"errors"`
	TokensIn       int64      `gorm:"not null;default:0" json:"tokens_in"`
	TokensOut      int64      `gorm:"not null;default:0" json:"tokens_out"`
	TotalLatencyMs int64      `gorm:"not null;default:0" json:"total_latency_ms"`
	ErrorCodes     CounterMap `gorm:"type:text;not null" json:"error_codes"`
	ModelUsage     CounterMap `gorm:"type:text;not null" json:"model_usage"`
}

func (DailyStat) TableName() string {
	return "daily_stats"
}

// CounterMap is a name -> count mapping persisted as a JSON object in a text column.
type CounterMap map[string]int64

// Value implements driver.Valuer.
func (m CounterMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]int64(m))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal counter map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *CounterMap) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = CounterMap{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported counter map type %T", value)
	}

	if len(raw) == 0 {
		*m = CounterMap{}
		return nil
	}

	out := CounterMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to unmarshal counter map: %w", err)
	}
	*m = out
	return nil
}

// Inc adds one to key and returns the map, allocating it when nil.
func (m CounterMap) Inc(key string) CounterMap {
	if m == nil {
		m = CounterMap{}
	}
	m[key]++
	return m
}

// Outcome describes one finished upstream attempt for a credential.
type Outcome struct {
	KeyID     uint
	Success   bool
	Model     string
	ErrorCode int // 0 means no error code
	TokensIn  int64
	TokensOut int64
	LatencyMs int64
}
