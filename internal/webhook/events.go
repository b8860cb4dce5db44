package webhook

import "time"

// Event is a lifecycle event kind delivered to subscribers.
type Event string

const (
	EventHit             Event = "cache.hit"
	EventMiss            Event = "cache.miss"
	EventEviction        Event = "cache.eviction"
	EventQuotaWarning    Event = "quota.warning"
	EventQuotaExceeded   Event = "quota.exceeded"
	EventReasoningReused Event = "reasoning.reused"
	// EventTest is only produced by the test-delivery operation.
	EventTest Event = "webhook.test"
)

// Known reports whether the event kind is one the notifier will emit.
func (e Event) Known() bool {
	switch e {
	case EventHit, EventMiss, EventEviction, EventQuotaWarning,
		EventQuotaExceeded, EventReasoningReused, EventTest:
		return true
	}
	return false
}

// Data is the typed payload of an event. Each kind carries its own
// struct; the notifier rejects a mismatched kind at the boundary
// instead of shipping loosely-typed maps.
type Data interface {
	Kind() Event
}

// HitData accompanies cache.hit.
type HitData struct {
	Namespace   string  `json:"namespace"`
	Fingerprint string  `json:"fingerprint"`
	Tier        string  `json:"tier"`
	LatencyMS   float64 `json:"latency_ms"`
}

func (HitData) Kind() Event { return EventHit }

// MissData accompanies cache.miss.
type MissData struct {
	Namespace   string `json:"namespace"`
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason,omitempty"`
}

func (MissData) Kind() Event { return EventMiss }

// EvictionData accompanies cache.eviction.
type EvictionData struct {
	Namespace   string `json:"namespace"`
	Fingerprint string `json:"fingerprint"`
	Tier        string `json:"tier"`
}

func (EvictionData) Kind() Event { return EventEviction }

// QuotaData accompanies quota.warning and quota.exceeded.
type QuotaData struct {
	Namespace string  `json:"namespace"`
	Used      int64   `json:"used"`
	Limit     int64   `json:"limit"`
	Fraction  float64 `json:"fraction"`
	Exceeded  bool    `json:"exceeded"`
}

func (d QuotaData) Kind() Event {
	if d.Exceeded {
		return EventQuotaExceeded
	}
	return EventQuotaWarning
}

// ReuseData accompanies reasoning.reused: a Warm hit whose payload is a
// previously cached reasoning trace.
type ReuseData struct {
	Namespace   string  `json:"namespace"`
	Fingerprint string  `json:"fingerprint"`
	Confidence  float64 `json:"confidence"`
}

func (ReuseData) Kind() Event { return EventReasoningReused }

// TestData accompanies webhook.test deliveries.
type TestData struct {
	SubscriptionID string `json:"subscription_id"`
}

func (TestData) Kind() Event { return EventTest }

// Payload is the canonical wire envelope.
type Payload struct {
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      Data      `json:"data"`
}
