package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/z-copilot/backend/internal/service/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/service/copilot"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 10 * time.Second
)

// WebSocketHandler WebSocket 会话通道：客户端发送 submit/cancel，服务端推送增量内容
type WebSocketHandler struct {
	chatSvc  *chatservice.Service
	registry *copilot.Registry
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(chatSvc *chatservice.Service, registry *copilot.Registry) *WebSocketHandler {
	return &WebSocketHandler{
		chatSvc:  chatSvc,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// SubmitMessage 提交消息
type SubmitMessage struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection serializes writes: gorilla allows one concurrent writer.
type connection struct {
	conn      *websocket.Conn
	sessionID string
	writeMu   sync.Mutex
	turns     sync.WaitGroup
}

func (c *connection) send(msgType string, data interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		applog.Debug().Err(err).Str("type", msgType).Msg("[websocket] write failed")
	}
}

func (c *connection) sendError(message string) {
	c.send("error", map[string]string{"message": message})
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	session, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Warn().Err(err).Msg("[websocket] upgrade failed")
		return
	}
	defer conn.Close()

	applog.Info().Str("session", sessionID).Msg("[websocket] new connection")

	ctx, cancel := context.WithCancel(r.Context())
	c := &connection{conn: conn, sessionID: sessionID}
	// A closing socket interrupts its turn; wait so the commit lands first.
	defer func() {
		cancel()
		c.turns.Wait()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, c)

	c.send("connected", map[string]any{
		"label": session.Label,
		"mode":  h.registry.Mode(),
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				applog.Warn().Err(err).Msg("[websocket] read error")
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msg.SessionID != "" && msg.SessionID != sessionID {
			c.sendError("session mismatch")
			continue
		}

		h.handleMessage(ctx, c, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, c *connection, msg *inboundMessage) {
	switch msg.Type {
	case "submit":
		h.handleSubmit(ctx, c, msg.Data)
	case "cancel":
		cancelled := h.registry.For(c.sessionID).Cancel()
		c.send("cancelled", map[string]bool{"cancelled": cancelled})
	case "ping":
		c.send("pong", nil)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// handleSubmit runs the turn in the background so that the read loop stays
// free to receive a cancel frame.
func (h *WebSocketHandler) handleSubmit(ctx context.Context, c *connection, raw json.RawMessage) {
	var submit SubmitMessage
	if err := json.Unmarshal(raw, &submit); err != nil {
		c.sendError("invalid submit payload")
		return
	}

	mode := h.registry.Mode()
	if submit.Mode != "" {
		parsed, err := chat.ParseMode(submit.Mode)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		mode = parsed
	}

	acc := h.registry.For(c.sessionID)
	if acc.InFlight() {
		c.sendError(copilot.ErrTurnInFlight.Error())
		return
	}

	c.turns.Add(1)
	go func() {
		defer c.turns.Done()

		turn, err := acc.Submit(ctx, c.sessionID, submit.Prompt,
			copilot.WithMode(mode),
			copilot.WithObserver(func(d copilot.Delta) { c.send("delta", d) }),
		)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.send("turn", turn)
	}()
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
