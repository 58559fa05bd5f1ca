// Package audit records applied policy mutations so there is a durable
// answer to "what changed the rules at 03:12". Events are written
// best-effort: a failed insert logs and never fails the operation that
// produced it.
package audit

import (
	"database/sql"
	"log"
	"time"
)

// Event is one recorded mutation.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	OK        bool      `json:"ok"`
}

// Event kinds recorded by the engine.
const (
	KindDeviceBypass = "device_bypass"
	KindStaticIP     = "static_ip"
	KindDomainBypass = "domain_bypass"
	KindLANAddress   = "lan_address"
	KindVPNSession   = "vpn_session"
	KindKillSwitch   = "kill_switch"
	KindReboot       = "reboot"
	KindBoot         = "boot_reconcile"
)

// Recorder writes and reads audit events. A nil Recorder is valid and
// drops everything, so callers never need to branch on whether auditing
// is configured.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder over db.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record stores one event. Failures log and are otherwise swallowed.
func (r *Recorder) Record(kind, subject, detail string, ok bool) {
	if r == nil || r.db == nil {
		return
	}
	_, err := r.db.Exec(
		`INSERT INTO audit_events (timestamp, kind, subject, detail, ok) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Unix(), kind, subject, detail, boolToInt(ok),
	)
	if err != nil {
		log.Printf("warning: recording audit event %s/%s: %v", kind, subject, err)
	}
}

// Recent returns up to limit events, newest first.
func (r *Recorder) Recent(limit int) ([]Event, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(
		`SELECT id, timestamp, kind, subject, detail, ok
		   FROM audit_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		var ok int
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Subject, &e.Detail, &ok); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.OK = ok != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
