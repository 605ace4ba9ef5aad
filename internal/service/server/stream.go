package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"agent_relay/internal/model"
	"agent_relay/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamBatch     = 50
	streamPingEvery = 30 * time.Second
	streamWriteWait = 10 * time.Second
)

type (
	// streamConn serialises writes; gorilla connections allow one concurrent writer.
	streamConn struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}
)

func (c *streamConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
}

// HandleStream upgrades to a websocket and pushes the agent's inbox as records arrive.
// Frames the client sends are treated as send requests from that agent.
func (s *HttpServer) HandleStream() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent_id")
		if agentID == "" {
			http.Error(w, "agent_id cannot be empty", http.StatusBadRequest)
			return
		}

		if _, err := s.svc.Refresh(r.Context(), agentID); err != nil {
			log.Warn("stream subscribe failed", zap.String("agent", agentID), zap.Error(err))
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		sc := &streamConn{conn: conn}

		ctx, cancel := context.WithCancel(context.Background())
		go s.processStreamMessages(ctx, cancel, agentID, sc)
		s.pushInbox(ctx, agentID, sc)

		cancel()
		conn.Close()
	}
}

// pushInbox forwards inbox records until ctx is done or a write fails.
func (s *HttpServer) pushInbox(ctx context.Context, agentID string, sc *streamConn) {
	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		// arm before draining so a record pushed in between is not missed
		changed := s.svc.Watch(agentID)
		for _, rec := range s.svc.Drain(agentID, streamBatch) {
			if err := sc.write(model.StreamFrame{Message: rec}); err != nil {
				log.Debug("stream write failed", zap.String("agent", agentID), zap.Error(err))
				return
			}
		}
		if s.svc.Pending(agentID) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
			if err := sc.ping(); err != nil {
				return
			}
		}
	}
}

func (s *HttpServer) processStreamMessages(ctx context.Context, cancel context.CancelFunc, agentID string, sc *streamConn) {
	defer cancel()
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			log.Debug("stream web socket closed", zap.String("agent", agentID), zap.Error(err))
			return
		}

		var req model.SendRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Debug("unmarshal stream frame failed", zap.Error(err))
			_ = sc.write(model.StreamFrame{Error: &model.ErrorResponse{Error: "invalid frame", Detail: err.Error()}})
			continue
		}

		res, _, err := s.send(ctx, req, agentID)
		if err != nil {
			_ = sc.write(model.StreamFrame{Error: &model.ErrorResponse{Error: err.Error(), Detail: err.Error()}})
			continue
		}
		if err := sc.write(model.StreamFrame{Sent: res}); err != nil {
			return
		}
	}
}
