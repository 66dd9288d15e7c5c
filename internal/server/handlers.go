package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/history"
	"github.com/dgnsrekt/scores-ws/internal/ingest"
	"github.com/dgnsrekt/scores-ws/internal/score"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxWait      = 30 * time.Second
)

// Hub reports how many live subscriptions exist.
type Hub interface {
	Subscriptions() int
}

// Sessions reports how many websocket sessions are open.
type Sessions interface {
	Active() int
}

type Server struct {
	log      history.Log
	stats    func() ingest.Stats
	hub      Hub
	sessions Sessions
	started  time.Time
	logger   *zap.Logger
}

func NewServer(log history.Log, stats func() ingest.Stats, hub Hub, sessions Sessions, logger *zap.Logger) *Server {
	return &Server{
		log:      log,
		stats:    stats,
		hub:      hub,
		sessions: sessions,
		started:  time.Now(),
		logger:   logger,
	}
}

type HealthResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	LatestID      *uint64 `json:"latest_id"`
	OldestID      *uint64 `json:"oldest_id"`
	HistoryLength int     `json:"history_length"`
	Subscriptions int     `json:"subscriptions"`
	Sessions      int     `json:"sessions"`
	Accepted      uint64  `json:"accepted"`
	Duplicates    uint64  `json:"duplicates"`
	UptimeSec     int64   `json:"uptime_sec"`
}

// GetHealth handles GET /healthz
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// GetStatus handles GET /status
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.stats()
	resp := StatusResponse{
		HistoryLength: s.log.Len(),
		Subscriptions: s.hub.Subscriptions(),
		Sessions:      s.sessions.Active(),
		Accepted:      stats.Accepted,
		Duplicates:    stats.Duplicates,
		UptimeSec:     int64(time.Since(s.started).Seconds()),
	}
	if id, ok := s.log.LatestID(); ok {
		resp.LatestID = ptr(id)
	}
	if id, ok := s.log.OldestID(); ok {
		resp.OldestID = ptr(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetScores handles GET /scores. Payloads are written exactly as received.
func (s *Server) GetScores(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var from *uint64
	if err := runtime.BindQueryParameter("form", true, false, "from", query, &from); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	var waitMs *int
	if err := runtime.BindQueryParameter("form", true, false, "wait_ms", query, &waitMs); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	start := uint64(0)
	if from != nil {
		start = *from
	}
	n := defaultLimit
	if limit != nil {
		n = min(max(*limit, 1), maxLimit)
	}
	var wait time.Duration
	if waitMs != nil {
		wait = min(time.Duration(*waitMs)*time.Millisecond, maxWait)
	}

	entries, err := s.readOrWait(r, start, n, wait)
	if err != nil {
		if errors.Is(err, history.ErrClosed) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("reading history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}

	payloads := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		payloads[i] = e.Payload
	}
	writeJSON(w, http.StatusOK, payloads)
}

// readOrWait long-polls the log when nothing at or after from is retained yet.
func (s *Server) readOrWait(r *http.Request, from uint64, limit int, wait time.Duration) ([]score.Entry, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// Grab the channel first so an append between the read and the wait is not missed.
		notify := s.log.Notify()

		entries, err := s.log.ReadFrom(from, limit)
		if err != nil || len(entries) > 0 || deadline == nil {
			return entries, err
		}

		select {
		case <-notify:
		case <-deadline:
			return entries, nil
		case <-r.Context().Done():
			return entries, nil
		}
	}
}

func ptr[T any](v T) *T { return &v }
