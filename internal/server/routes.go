package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentcache/agentcache/internal/engine"
	"github.com/agentcache/agentcache/internal/fingerprint"
	"github.com/agentcache/agentcache/internal/memory"
	"github.com/agentcache/agentcache/internal/quota"
	"github.com/agentcache/agentcache/internal/store"
)

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Namespace  string                `json:"namespace"`
		Provider   string                `json:"provider"`
		Model      string                `json:"model"`
		Messages   []fingerprint.Message `json:"messages"`
		Params     map[string]float64    `json:"params"`
		TTLSeconds int64                 `json:"ttl_seconds"`
		Freshness  string                `json:"freshness"`
		SessionID  string                `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	ns := namespaceFrom(r, req.Namespace)

	res := s.engine.Query(r.Context(), fingerprint.Request{
		Namespace: ns,
		Provider:  req.Provider,
		Model:     req.Model,
		Messages:  req.Messages,
		Params:    req.Params,
	}, engine.QueryOptions{
		Freshness: engine.ParseFreshness(req.Freshness),
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		SessionID: req.SessionID,
	})

	switch {
	case res.Outcome == engine.OutcomeError:
		status := http.StatusBadGateway
		switch {
		case errors.Is(res.Err, fingerprint.ErrMalformed):
			status = http.StatusBadRequest
		case errors.Is(res.Err, quota.ErrExceeded):
			status = http.StatusTooManyRequests
		case errors.Is(res.Err, engine.ErrOriginTimeout):
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]string{"error": res.Err.Error()})
		return
	case errors.Is(res.Err, engine.ErrNoOrigin):
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no origin configured"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hit":        res.Hit(),
		"tier":       res.Tier,
		"payload":    string(res.Payload),
		"latency_ms": float64(res.Latency.Microseconds()) / 1000.0,
		"key":        res.Fingerprint,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	ns := namespaceFrom(r, "")

	res := s.engine.Get(r.Context(), ns, fp)
	writeJSON(w, http.StatusOK, map[string]any{
		"hit":        res.Hit(),
		"tier":       res.Tier,
		"payload":    string(res.Payload),
		"latency_ms": float64(res.Latency.Microseconds()) / 1000.0,
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")

	var req struct {
		Namespace  string `json:"namespace"`
		Payload    string `json:"payload"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Payload == "" {
		http.Error(w, `{"error":"payload required"}`, http.StatusBadRequest)
		return
	}
	ns := namespaceFrom(r, req.Namespace)

	if err := s.engine.Put(r.Context(), ns, fp, []byte(req.Payload), time.Duration(req.TTLSeconds)*time.Second); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": fp})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	ns := namespaceFrom(r, "")

	if s.engine.Check(r.Context(), ns, fp) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fragmentID")
	ns := namespaceFrom(r, "")

	if err := s.memory.Prune(r.Context(), ns, id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ns := namespaceFrom(r, "")
	query := r.URL.Query().Get("query")
	freshness := r.URL.Query().Get("freshness")

	items, err := s.memory.Context(r.Context(), ns, sessionID, query, freshness)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if items == nil {
		items = []memory.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"count":      len(items),
		"items":      items,
	})
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Namespace string `json:"namespace"`
		Role      string `json:"role"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	ns := namespaceFrom(r, req.Namespace)

	turn, err := s.memory.AppendTurn(r.Context(), ns, sessionID, memory.Turn{
		Role:    req.Role,
		Content: req.Content,
	})
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": turn.ID, "at": turn.At})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Namespace string   `json:"namespace"`
		URL       string   `json:"url"`
		Events    []string `json:"events"`
		Secret    string   `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.URL == "" || req.Secret == "" {
		http.Error(w, `{"error":"url and secret required"}`, http.StatusBadRequest)
		return
	}

	sub := &store.Subscription{
		ID:        uuid.NewString(),
		Namespace: namespaceFrom(r, req.Namespace),
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
	}
	if err := s.db.CreateSubscription(sub); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": sub.ID})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	ns := namespaceFrom(r, "")
	subs, err := s.db.SubscriptionsFor(ns)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type subJSON struct {
		ID     string   `json:"id"`
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	out := make([]subJSON, len(subs))
	for i, sub := range subs {
		// Secrets never leave the server.
		out[i] = subJSON{ID: sub.ID, URL: sub.URL, Events: sub.Events}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.notifier.Test(r.Context(), id); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.db.DeleteSubscription(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	ns := namespaceFrom(r, "")
	if s.quota == nil {
		writeJSON(w, http.StatusOK, map[string]any{"namespace": ns, "enforced": false})
		return
	}
	used, limit, err := s.quota.Usage(r.Context(), ns)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"namespace": ns,
		"enforced":  limit > 0,
		"used":      used,
		"limit":     limit,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}
