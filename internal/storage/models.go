package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// stringList is a []string stored as a JSON array in a TEXT column.
type stringList []string

func (l stringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *stringList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("scanning string list from %T", src)
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// KeyModel maps to the "api_keys" table.
type KeyModel struct {
	ID          string     `gorm:"type:varchar(36);primaryKey"`
	Name        string     `gorm:"not null;default:''"`
	Fingerprint string     `gorm:"type:varchar(64);not null;uniqueIndex"`
	Subject     string     `gorm:"not null;index"`
	Tenant      string     `gorm:"not null"`
	Roles       stringList `gorm:"type:text;not null"`
	ExpiresAt   time.Time  `gorm:"not null"`
	Revoked     bool       `gorm:"not null;default:false"`
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

func (KeyModel) TableName() string { return "api_keys" }

// AuditRecordModel maps to the "audit_records" table.
type AuditRecordModel struct {
	ID         string    `gorm:"type:varchar(36);primaryKey"`
	Timestamp  time.Time `gorm:"column:occurred_at;not null;index"`
	RequestID  string    `gorm:"index"`
	Subject    string    `gorm:"index"`
	Tenant     string    `gorm:"index"`
	Method     string    `gorm:"not null"`
	ToolSet    string
	Tool       string
	Status     string `gorm:"not null"`
	Reason     string
	DurationNS int64
	Error      string
}

func (AuditRecordModel) TableName() string { return "audit_records" }
