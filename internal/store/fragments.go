package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Fragment is a cold-tier memory fragment. Vitality is the stored level
// at LastReinforced; effective vitality is derived lazily by the memory
// controller using the configured half-life.
type Fragment struct {
	ID             string
	Namespace      string
	SessionID      string
	Role           string
	Content        string
	Embedding      []float64
	Vitality       float64
	LastReinforced int64 // unix ms
	Redacted       bool
	CreatedAt      int64 // unix ms
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// CreateFragment inserts a fragment. Vitality starts at 1.0 unless the
// caller set it lower; CreatedAt/LastReinforced default to now.
func (db *DB) CreateFragment(f *Fragment) error {
	now := time.Now().UnixMilli()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	if f.LastReinforced == 0 {
		f.LastReinforced = f.CreatedAt
	}
	if f.Vitality == 0 && !f.Redacted {
		f.Vitality = 1.0
	}

	var blob []byte
	var dims any
	if len(f.Embedding) > 0 {
		blob = encodeEmbedding(f.Embedding)
		dims = len(f.Embedding)
	}

	_, err := db.Exec(`
		INSERT INTO fragments (id, namespace, session_id, role, content, embedding, dimensions,
			vitality, last_reinforced, redacted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Namespace, f.SessionID, f.Role, f.Content, blob, dims,
		f.Vitality, f.LastReinforced, boolInt(f.Redacted), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}
	return nil
}

// GetFragment returns a fragment by id, or nil if absent or tombstoned.
func (db *DB) GetFragment(id string) (*Fragment, error) {
	dead, err := db.IsTombstoned(id)
	if err != nil {
		return nil, err
	}
	if dead {
		return nil, nil
	}

	row := db.QueryRow(`
		SELECT id, namespace, session_id, role, content, embedding,
			vitality, last_reinforced, redacted, created_at
		FROM fragments WHERE id = ?
	`, id)
	f, err := scanFragment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fragment: %w", err)
	}
	return f, nil
}

// EmbeddedFragments returns all non-tombstoned fragments in a namespace
// that carry an embedding, for the similarity scan.
func (db *DB) EmbeddedFragments(namespace string) ([]Fragment, error) {
	rows, err := db.Query(`
		SELECT f.id, f.namespace, f.session_id, f.role, f.content, f.embedding,
			f.vitality, f.last_reinforced, f.redacted, f.created_at
		FROM fragments f
		LEFT JOIN tombstones t ON t.fragment_id = f.id
		WHERE f.namespace = ? AND f.embedding IS NOT NULL AND t.fragment_id IS NULL
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("embedded fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// SaveEmbedding attaches or replaces the embedding on a fragment.
func (db *DB) SaveEmbedding(id string, embedding []float64) error {
	_, err := db.Exec(`
		UPDATE fragments SET embedding = ?, dimensions = ? WHERE id = ?
	`, encodeEmbedding(embedding), len(embedding), id)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

// Reinforce resets vitality to 1.0 and stamps last_reinforced. Redacted
// fragments stay at zero; redaction is final.
func (db *DB) Reinforce(id string, at time.Time) error {
	_, err := db.Exec(`
		UPDATE fragments SET vitality = 1.0, last_reinforced = ?
		WHERE id = ? AND redacted = 0
	`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("reinforce fragment: %w", err)
	}
	return nil
}

// Redact forces vitality to zero immediately. Used by PII/redaction
// flagging; unlike decay this is not gradual and cannot be reinforced.
func (db *DB) Redact(id string) error {
	_, err := db.Exec(`
		UPDATE fragments SET vitality = 0, redacted = 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("redact fragment: %w", err)
	}
	return nil
}

// DeleteFragment tombstones a fragment and removes its row. Idempotent:
// deleting an unknown or already-deleted id succeeds.
func (db *DB) DeleteFragment(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO tombstones (fragment_id, deleted_at) VALUES (?, ?)
		ON CONFLICT(fragment_id) DO NOTHING
	`, id, now)
	if err != nil {
		return fmt.Errorf("tombstone fragment: %w", err)
	}
	if _, err := db.Exec("DELETE FROM fragments WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete fragment: %w", err)
	}
	return nil
}

// IsTombstoned reports whether a fragment id has been forced-forgotten.
func (db *DB) IsTombstoned(id string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM tombstones WHERE fragment_id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFragment(row rowScanner) (*Fragment, error) {
	var f Fragment
	var blob []byte
	var redacted int
	if err := row.Scan(&f.ID, &f.Namespace, &f.SessionID, &f.Role, &f.Content, &blob,
		&f.Vitality, &f.LastReinforced, &redacted, &f.CreatedAt); err != nil {
		return nil, err
	}
	if len(blob) > 0 {
		f.Embedding = decodeEmbedding(blob)
	}
	f.Redacted = redacted != 0
	return &f, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
