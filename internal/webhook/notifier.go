// Package webhook signs and delivers lifecycle events to registered
// endpoints. Delivery is fire-and-forget: a broken sink costs a log
// line, never a cache operation.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentcache/agentcache/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-AgentCache-Signature"

// EventHeader names the event kind so sinks can route without parsing.
const EventHeader = "X-AgentCache-Event"

// Notifier loads subscriptions and delivers signed events.
type Notifier struct {
	db      *store.DB
	client  *http.Client
	log     *logrus.Logger
	timeout time.Duration
}

// New creates a Notifier. A nil client gets a default with the given
// delivery timeout (or 10s when zero).
func New(db *store.DB, log *logrus.Logger, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		db:      db,
		client:  &http.Client{Timeout: timeout},
		log:     log,
		timeout: timeout,
	}
}

// Sign computes the signature value for a raw body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against a raw body in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Notify delivers an event to every endpoint registered for it under
// the namespace. Runs delivery in detached goroutines; always returns
// immediately and never propagates sink failures.
func (n *Notifier) Notify(namespace string, data Data) {
	event := data.Kind()
	if !event.Known() {
		n.log.WithField("event", event).Warn("webhook: dropping unknown event kind")
		return
	}

	subs, err := n.db.SubscriptionsFor(namespace)
	if err != nil {
		n.log.WithError(err).WithField("namespace", namespace).
			Warn("webhook: load subscriptions failed")
		return
	}

	body, err := json.Marshal(Payload{Event: event, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		n.log.WithError(err).Warn("webhook: encode payload failed")
		return
	}

	for _, sub := range subs {
		if !sub.Wants(string(event)) {
			continue
		}
		sub := sub
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			if err := n.deliver(ctx, sub, body, event); err != nil {
				n.log.WithError(err).WithFields(logrus.Fields{
					"namespace": namespace,
					"event":     event,
					"url":       sub.URL,
				}).Warn("webhook: delivery failed")
			}
		}()
	}
}

// Test synchronously delivers a webhook.test event to one subscription
// so callers can verify their endpoint and signature handling.
func (n *Notifier) Test(ctx context.Context, subscriptionID string) error {
	sub, err := n.db.GetSubscription(subscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("subscription %s not found", subscriptionID)
	}

	body, err := json.Marshal(Payload{
		Event:     EventTest,
		Timestamp: time.Now().UTC(),
		Data:      TestData{SubscriptionID: sub.ID},
	})
	if err != nil {
		return fmt.Errorf("encode test payload: %w", err)
	}
	return n.deliver(ctx, *sub, body, EventTest)
}

func (n *Notifier) deliver(ctx context.Context, sub store.Subscription, body []byte, event Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(event))
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", sub.URL, resp.StatusCode)
	}
	return nil
}
