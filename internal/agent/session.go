package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbruckner/dockyard/internal/replay"
	"github.com/tbruckner/dockyard/internal/rpc"
)

// session is one live connection to the server. Writes are serialized
// because handler goroutines and the heartbeat loop share the socket.
type session struct {
	agent   *Agent
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// heartbeatLoop sends agent.heartbeat notifications on the configured
// cadence. Each carries a fresh nonce so the server can reject replays.
func (s *session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.agent.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hb := s.agent.collectHeartbeat(ctx)
			nonce, err := replay.GenerateNonce()
			if err != nil {
				return fmt.Errorf("generate nonce: %w", err)
			}
			hb.Timestamp = time.Now().Unix()
			hb.Nonce = nonce

			data, err := rpc.MarshalNotification("agent.heartbeat", hb)
			if err != nil {
				return fmt.Errorf("marshal heartbeat: %w", err)
			}
			if err := s.write(data); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			s.agent.log.Debug("heartbeat sent")
		}
	}
}

// receiveLoop reads frames from the server and dispatches requests. Each
// request runs in its own goroutine so a slow command cannot starve the
// read side; the dedup tracker stops duplicate execution after reconnects.
func (s *session) receiveLoop(ctx context.Context) error {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		frame, err := rpc.Parse(data, s.agent.cfg.MaxFrameBytes)
		if err != nil {
			s.agent.log.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch frame.Kind {
		case rpc.KindRequest:
			req := frame.Request
			if s.agent.dedup.isSeen(req.ID) {
				s.agent.log.Debug("skipping duplicate request", "request_id", req.ID)
				continue
			}
			go s.safeHandle(ctx, req)

		case rpc.KindNotification:
			s.agent.log.Debug("server notification", "method", frame.Notification.Method)

		case rpc.KindResponse:
			s.agent.log.Warn("unexpected response frame", "id", frame.Response.ID)
		}
	}
}

// safeHandle runs one request handler, replies, and never lets a panic
// take the agent down.
func (s *session) safeHandle(ctx context.Context, req *rpc.Request) {
	defer func() {
		if r := recover(); r != nil {
			s.agent.log.Error("handler panic", "method", req.Method, "request_id", req.ID, "panic", r)
			if data, err := rpc.MarshalError(req.ID, rpc.CodeInternalError, "internal agent error"); err == nil {
				s.write(data)
			}
		}
	}()

	result, herr := s.dispatch(ctx, req)

	var data []byte
	var err error
	if herr != nil {
		s.agent.log.Warn("request failed", "method", req.Method, "request_id", req.ID, "error", herr.message)
		data, err = rpc.MarshalError(req.ID, herr.code, herr.message)
	} else {
		data, err = rpc.MarshalResponse(req.ID, result)
	}
	if err != nil {
		s.agent.log.Error("marshal reply", "method", req.Method, "error", err)
		data, err = rpc.MarshalError(req.ID, rpc.CodeInternalError, "reply too large")
		if err != nil {
			return
		}
	}
	if err := s.write(data); err != nil {
		s.agent.log.Warn("send reply", "method", req.Method, "error", err)
	}
}

// announceShutdown tells the server this agent is going away. Best effort,
// the connection is about to close either way.
func (s *session) announceShutdown(reason string) {
	data, err := rpc.MarshalNotification("agent.shutdown", map[string]any{
		"reason":  reason,
		"restart": false,
	})
	if err != nil {
		return
	}
	s.write(data)
}
