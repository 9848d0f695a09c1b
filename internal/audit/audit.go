// Package audit persists a trail of gateway session lifecycle events.
//
// Every connect attempt, shell open, and teardown is written to the
// database and echoed to the standard logger. Records are pruned on a
// schedule; the trail is operational telemetry, not session state, so the
// gateway never reads it back on startup.
package audit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/logutil"
	"gorm.io/gorm"
)

// Event types recorded in the audit trail.
const (
	EventConnectFailed   = "connect_failed"
	EventSessionOpened   = "session_opened"
	EventSessionClosed   = "session_closed"
	EventShellOpenFailed = "shell_open_failed"
)

// DefaultRetentionDays is used when no retention is configured.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit record.
type Entry struct {
	SessionID  string
	EventType  string
	Kind       string
	Host       string
	Username   string
	SourceIP   string
	Details    string
	DurationMs int64
}

// Auditor records and prunes session audit logs.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor writing to db. A non-positive retention
// falls back to DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log writes an audit record. Failures are logged and returned but callers
// on the session teardown path ignore them; auditing must never block or
// fail a teardown.
func (a *Auditor) Log(entry Entry) error {
	record := database.SessionAuditLog{
		SessionID: entry.SessionID,
		EventType: entry.EventType,
		Kind:      entry.Kind,
		Host:      entry.Host,
		Username:  entry.Username,
		SourceIP:  entry.SourceIP,
		Details:   entry.Details,
		Duration:  entry.DurationMs,
	}

	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s session=%s host=%s user=%s ip=%s details=%s",
		entry.EventType,
		entry.SessionID,
		logutil.SanitizeForLog(entry.Host),
		logutil.SanitizeForLog(entry.Username),
		entry.SourceIP,
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// Query returns audit records filtered by session ID and/or event type,
// newest first. A zero limit means 100.
func (a *Auditor) Query(sessionID, eventType string, limit int) ([]database.SessionAuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := a.db.Model(&database.SessionAuditLog{}).Order("created_at DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	var records []database.SessionAuditLog
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return records, nil
}

// Prune deletes records older than the retention window and returns the
// number removed. Meant to run on a schedule.
func (a *Auditor) Prune() (int64, error) {
	cutoff := a.nowFn().AddDate(0, 0, -a.retentionDays)
	res := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionAuditLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune audit logs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("[audit] pruned %d records older than %s", res.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return res.RowsAffected, nil
}

var (
	globalAuditor *Auditor
	registryMu    sync.RWMutex
)

// InitGlobal stores the global Auditor. Call once during startup after the
// database is initialized.
func InitGlobal(db *gorm.DB, retentionDays int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = NewAuditor(db, retentionDays)
}

// Get returns the global Auditor, or nil before InitGlobal.
func Get() *Auditor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalAuditor
}

// SetGlobalForTest sets the global Auditor for tests.
func SetGlobalForTest(a *Auditor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = a
}
