package ws

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/history"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades requests and runs one Session per connection.
type Handler struct {
	hub    *Hub
	log    history.Log
	opts   SessionOptions
	logger *zap.Logger

	active atomic.Int64
	wg     sync.WaitGroup
}

func NewHandler(hub *Hub, log history.Log, opts SessionOptions, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, log: log, opts: opts, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	h.wg.Add(1)
	h.active.Add(1)
	defer func() {
		h.active.Add(-1)
		h.wg.Done()
	}()

	sessionID := uuid.New().String()
	logger := h.logger.With(zap.String("sessionID", sessionID))
	logger.Debug("session opened", zap.String("remote", r.RemoteAddr))

	session := NewSession(sessionID, NewConn(conn, logger), h.hub, h.log, h.opts, logger)
	err = session.Run(r.Context())

	fields := []zap.Field{zap.Int("delivered", session.Delivered())}
	if err != nil {
		logger.Debug("session closed", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("session closed", fields...)
}

// Active returns the number of open sessions.
func (h *Handler) Active() int { return int(h.active.Load()) }

// Wait blocks until every session has finished.
func (h *Handler) Wait() { h.wg.Wait() }
