package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Subscription is a registered webhook endpoint for a namespace.
type Subscription struct {
	ID        string
	Namespace string
	URL       string
	Events    []string
	Secret    string
	CreatedAt int64
}

// Wants reports whether the subscription covers the given event type.
// An empty event list means "everything".
func (s *Subscription) Wants(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// CreateSubscription registers a webhook endpoint.
func (db *DB) CreateSubscription(sub *Subscription) error {
	if sub.CreatedAt == 0 {
		sub.CreatedAt = time.Now().UnixMilli()
	}
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO subscriptions (id, namespace, url, events, secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.Namespace, sub.URL, string(events), sub.Secret, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// SubscriptionsFor returns every subscription in a namespace.
func (db *DB) SubscriptionsFor(namespace string) ([]Subscription, error) {
	rows, err := db.Query(`
		SELECT id, namespace, url, events, secret, created_at
		FROM subscriptions WHERE namespace = ?
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("subscriptions for %s: %w", namespace, err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		var events string
		if err := rows.Scan(&s.ID, &s.Namespace, &s.URL, &events, &s.Secret, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(events), &s.Events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// GetSubscription returns one subscription by id, or nil.
func (db *DB) GetSubscription(id string) (*Subscription, error) {
	var s Subscription
	var events string
	err := db.QueryRow(`
		SELECT id, namespace, url, events, secret, created_at
		FROM subscriptions WHERE id = ?
	`, id).Scan(&s.ID, &s.Namespace, &s.URL, &events, &s.Secret, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if err := json.Unmarshal([]byte(events), &s.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return &s, nil
}

// DeleteSubscription removes a subscription. Unknown ids are a no-op.
func (db *DB) DeleteSubscription(id string) error {
	if _, err := db.Exec("DELETE FROM subscriptions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}
