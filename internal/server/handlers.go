package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/protocol"
	"github.com/Tyrowin/cipherchat/internal/session"
)

// Health is the body of the health endpoint.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	session.Stats
}

// webSocketHandler upgrades GET requests and hands the socket to the registry.
func (s *Server) webSocketHandler(kind session.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
			return
		}
		s.reg.Serve(conn, kind, r.RemoteAddr, s.dispatcher)
	}
}

// healthHandler reports the registry counts and whether Redis answers.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := Health{
		Status:    "ok",
		Timestamp: protocol.Timestamp(time.Now()),
		Stats:     s.reg.Stats(),
	}
	status := http.StatusOK
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.log.Warn("health check: redis unavailable", zap.Error(err))
			body.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
