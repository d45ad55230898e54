// Package ws serves the streaming execution endpoint. One websocket
// connection maps to one session: every message received is an
// execution request, every execution's events flow back as JSON, and a
// disconnect abandons in-flight executions and removes the session's
// sandboxes.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coderun/internal/executor"
	"coderun/internal/logging"
	"coderun/internal/sandbox"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The service fronts trusted infrastructure, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades and serves streaming executions.
type Handler struct {
	exec *executor.Executor
	mgr  *sandbox.Manager
	log  *zap.Logger
}

// New returns a websocket handler over the executor.
func New(exec *executor.Executor, mgr *sandbox.Manager) *Handler {
	return &Handler{exec: exec, mgr: mgr, log: logging.L().Named("ws")}
}

// Stream handles GET /api/v1/execute/stream/:session_id.
func (h *Handler) Stream(c *gin.Context) {
	sessionID := c.Param("session_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		id:   sessionID,
		conn: conn,
		h:    h,
		log:  h.log.With(zap.String("session_id", sessionID)),
	}
	s.serve(c.Request.Context())
}

// session is one live websocket connection.
type session struct {
	id   string
	conn *websocket.Conn
	h    *Handler
	log  *zap.Logger

	// writeMu serializes writes: ping ticker and execution goroutines
	// share the connection.
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func (s *session) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		s.wg.Wait()
		s.conn.Close()
		n := s.h.mgr.CleanupSession(context.Background(), s.id)
		s.log.Info("session closed", zap.Int("sandboxes_cleaned", n))
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.wg.Add(1)
	go s.pingLoop(ctx)

	for {
		var req executor.Request
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("connection dropped", zap.Error(err))
			}
			return
		}

		events, err := s.h.exec.ExecuteStream(ctx, req, s.id)
		if err != nil {
			s.writeJSON(map[string]string{"type": "error", "error": err.Error()})
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for ev := range events {
				if !s.writeJSON(ev) {
					cancel()
					return
				}
			}
		}()
	}
}

func (s *session) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) writeJSON(v any) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		s.log.Debug("write failed", zap.Error(err))
		return false
	}
	return true
}
