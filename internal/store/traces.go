package store

import (
	"fmt"
	"time"
)

// TraceEntry is one recorded cache access, replayed by the offline
// policy optimizer.
type TraceEntry struct {
	ID          int64
	Namespace   string
	Fingerprint string
	Hit         bool
	Cost        float64
	LatencyMS   float64
	CreatedAt   int64
}

// AppendTrace records one access.
func (db *DB) AppendTrace(e *TraceEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO traces (namespace, fingerprint, hit, cost, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Namespace, e.Fingerprint, boolInt(e.Hit), e.Cost, e.LatencyMS, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// Traces returns recorded accesses for a namespace in arrival order.
// An empty namespace returns everything.
func (db *DB) Traces(namespace string, limit int) ([]TraceEntry, error) {
	query := `
		SELECT id, namespace, fingerprint, hit, cost, latency_ms, created_at
		FROM traces`
	args := []any{}
	if namespace != "" {
		query += " WHERE namespace = ?"
		args = append(args, namespace)
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load traces: %w", err)
	}
	defer rows.Close()

	var out []TraceEntry
	for rows.Next() {
		var e TraceEntry
		var hit int
		if err := rows.Scan(&e.ID, &e.Namespace, &e.Fingerprint, &hit, &e.Cost, &e.LatencyMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		e.Hit = hit != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
