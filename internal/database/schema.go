package database

// schema contains all table definitions. Each statement is idempotent (CREATE IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp INTEGER NOT NULL,
    kind      TEXT    NOT NULL,
    subject   TEXT    NOT NULL DEFAULT '',
    detail    TEXT    NOT NULL DEFAULT '',
    ok        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts
    ON audit_events (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_kind_ts
    ON audit_events (kind, timestamp);
`
