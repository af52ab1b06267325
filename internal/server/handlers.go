package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/PRSENTINEL/internal/metrics"
	"github.com/PRSENTINEL/internal/types"
)

// handleWebSocket upgrades to WebSocket and manages connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, WebSocketBufferSize),
	}

	// Send current stats before registering so it is the first frame
	if s.deps.Metrics != nil {
		if data, err := json.Marshal(WSMessage{Type: WSTypeStats, Data: s.deps.Metrics.Stats()}); err == nil {
			client.send <- data
		}
	}
	s.hub.Register(client)

	go client.readPump()
	go client.writePump()
}

// handleHealthCheck reports liveness, review and source health, and process stats
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		StartedAt:      s.startTime,
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		SourcesFailing: []string{},
		WSClients:      s.hub.ClientCount(),
		NATS:           "disabled",
	}

	if s.deps.Metrics != nil {
		stats := s.deps.Metrics.Stats()
		resp.ActiveReviews = stats.Active
		resp.BlockedReviews = stats.Blocked
	}
	if s.deps.Knowledge != nil {
		for _, src := range s.deps.Knowledge.Sources() {
			if !src.Active {
				continue
			}
			resp.Sources++
			if src.Status == types.SyncError {
				resp.SourcesFailing = append(resp.SourcesFailing, src.ID)
			}
		}
	}
	if s.deps.NATS != nil {
		resp.NATS = "disconnected"
		if s.deps.NATS.IsConnected() {
			resp.NATS = "connected"
		}
	}
	if len(resp.SourcesFailing) > 0 || resp.NATS == "disconnected" {
		resp.Status = "degraded"
	}

	if proc, err := collectProcessStats(r.Context()); err == nil {
		resp.Process = proc
	} else {
		s.log.Debug("process stats unavailable", "error", err)
	}

	s.respondJSON(w, resp)
}

// handleGetAlerts returns recently raised alerts, oldest first
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.recentAlerts())
}

// handleClearAlerts drops the recent alert list
func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	s.alertsMu.Lock()
	s.alerts = nil
	s.alertsMu.Unlock()
	s.respondJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Alerts not configured")
		return
	}
	s.respondJSON(w, s.deps.Alerts.GetThresholds())
}

// handleUpdateThresholds replaces the alert thresholds
func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Alerts not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var th metrics.AlertThresholds
	if err := json.NewDecoder(r.Body).Decode(&th); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if th.BlockedReviewsMax < 0 || th.FailedReviewsMax < 0 || th.SourceErrorsMax < 0 ||
		th.MinAverageScore < 0 || th.MinAverageScore > 100 {
		s.respondError(w, http.StatusBadRequest, "Thresholds out of range")
		return
	}
	s.deps.Alerts.SetThresholds(th)
	s.respondJSON(w, th)
}

// handleMetricsHistory returns periodic stats snapshots
func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.respondJSON(w, []metrics.Snapshot{})
		return
	}
	s.respondJSON(w, s.deps.Metrics.GetHistory())
}

// handleRecentEvents lists logged events for one target (a pull request or source id)
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Event log not configured")
		return
	}
	target := r.URL.Query().Get("target")
	if target == "" {
		s.respondError(w, http.StatusBadRequest, "target is required")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	evs, err := s.deps.EventLog.Recent(target, limit)
	if err != nil {
		s.log.Error("listing events failed", "target", target, "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	if evs == nil {
		s.respondJSON(w, []interface{}{})
		return
	}
	s.respondJSON(w, evs)
}

func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
