// Package audit records session lifecycle events to an embedded SQLite
// database. Auditing is best-effort: a write failure is logged and never
// propagated into the session path.
package audit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Actions recorded by the session manager.
const (
	ActionSessionCreated    = "session_created"
	ActionSessionConnected  = "session_connected"
	ActionSessionError      = "session_error"
	ActionViewerAttached    = "viewer_attached"
	ActionViewerDetached    = "viewer_detached"
	ActionControllerChanged = "controller_changed"
	ActionInputRejected     = "input_rejected"
	ActionSessionClosed     = "session_closed"
)

// DefaultRetentionDays is how long audit records are kept by default.
const DefaultRetentionDays = 90

// Record is one audit log row.
type Record struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	SessionID   string    `gorm:"index" json:"session_id"`
	Participant string    `json:"participant,omitempty"`
	Action      string    `json:"action"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Auditor writes and queries session audit records.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// Open creates an Auditor backed by the SQLite database at path, creating
// the file and schema if needed.
func Open(path string, retentionDays int) (*Auditor, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	return NewWithDB(db, retentionDays)
}

// NewWithDB wraps an existing gorm handle. Used by Open and by tests with
// an in-memory database.
func NewWithDB(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// Log records one event. Failures are logged, not returned: auditing must
// never break the session path.
func (a *Auditor) Log(sessionID, participant, action, detail string) {
	record := Record{
		SessionID:   sessionID,
		Participant: participant,
		Action:      action,
		Detail:      detail,
		CreatedAt:   a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] WARNING: failed to record %s for session %s: %v", action, sessionID, err)
	}
}

// ForSession returns the audit trail for one session in chronological
// order, capped at 1000 records.
func (a *Auditor) ForSession(sessionID string) ([]Record, error) {
	var records []Record
	err := a.db.Where("session_id = ?", sessionID).
		Order("id asc").
		Limit(1000).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return records, nil
}

// Sweep deletes records older than the retention window and returns the
// number removed. Scheduled periodically from main.
func (a *Auditor) Sweep() int64 {
	cutoff := a.nowFn().AddDate(0, 0, -a.retentionDays)
	res := a.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		log.Printf("[audit] WARNING: retention sweep failed: %v", res.Error)
		return 0
	}
	if res.RowsAffected > 0 {
		log.Printf("[audit] retention sweep removed %d records", res.RowsAffected)
	}
	return res.RowsAffected
}
