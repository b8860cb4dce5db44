package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "fragments: cold-tier conversational memory",
		SQL: `
CREATE TABLE fragments (
    id              TEXT PRIMARY KEY,
    namespace       TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,

    -- Embedding (nullable: fragments below the retention threshold
    -- never get one)
    embedding       BLOB,
    dimensions      INTEGER,

    -- Vitality decays from 1.0 with a configured half-life; stored
    -- value is the level at last_reinforced, effective value is
    -- computed lazily at read time.
    vitality        REAL NOT NULL DEFAULT 1.0,
    last_reinforced INTEGER NOT NULL,
    redacted        INTEGER NOT NULL DEFAULT 0,

    created_at      INTEGER NOT NULL
);

CREATE INDEX idx_fragments_ns_session ON fragments(namespace, session_id);
CREATE INDEX idx_fragments_created    ON fragments(created_at DESC);
`,
	},
	{
		Version:     2,
		Description: "tombstones: forced-forget markers",
		SQL: `
CREATE TABLE tombstones (
    fragment_id TEXT PRIMARY KEY,
    deleted_at  INTEGER NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "subscriptions: webhook endpoints per namespace",
		SQL: `
CREATE TABLE subscriptions (
    id         TEXT PRIMARY KEY,
    namespace  TEXT NOT NULL,
    url        TEXT NOT NULL,
    events     TEXT NOT NULL,
    secret     TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_subs_namespace ON subscriptions(namespace);
`,
	},
	{
		Version:     4,
		Description: "traces: recorded traffic for the offline optimizer",
		SQL: `
CREATE TABLE traces (
    id          INTEGER PRIMARY KEY,
    namespace   TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    hit         INTEGER NOT NULL,
    cost        REAL NOT NULL DEFAULT 0,
    latency_ms  REAL NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_traces_namespace ON traces(namespace);
CREATE INDEX idx_traces_created   ON traces(created_at);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}
