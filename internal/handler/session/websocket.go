package session

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatservice "github.com/lumenwell/serenity/backend/internal/service/chat"
	"github.com/lumenwell/serenity/backend/internal/service/identity"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Factory 为一个连接创建会话，listener 接收会话事件。
type Factory func(userID string, listener chatservice.Listener) (*chatservice.Session, error)

// Handler 通过 WebSocket 驱动服务端聊天会话。
type Handler struct {
	factory  Factory
	upgrader websocket.Upgrader
}

// New 创建会话处理器
func New(factory Factory) *Handler {
	return &Handler{
		factory: factory,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection 串行化同一连接上的写操作。
type connection struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *connection) write(msg outgoingMessage) {
	msg.Timestamp = time.Now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("[websocket] write %s failed: %v", msg.Type, err)
	}
}

func (c *connection) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *connection) sendError(message string) {
	c.write(outgoingMessage{Type: "error", Data: map[string]string{"message": message}})
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "user token required", http.StatusUnauthorized)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer raw.Close()

	conn := &connection{conn: raw}
	session, err := h.factory(userID, func(event chatservice.Event) {
		conn.write(outgoingMessage{Type: "event", Data: event})
	})
	if err != nil {
		log.Printf("[websocket] create session for user=%s failed: %v", userID, err)
		conn.sendError("chat session unavailable")
		return
	}

	log.Printf("[websocket] new connection for user: %s", userID)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.pingLoop(ctx, conn)

	conn.write(outgoingMessage{Type: "connected", Data: map[string]string{"userId": userID}})

	// 与前端一致，连接建立后先加载历史，再处理客户端指令。
	if err := session.LoadHistory(ctx); err != nil {
		log.Printf("[websocket] initial history load for user=%s failed: %v", userID, err)
	}

	for {
		var msg inboundMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}

		_ = raw.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "load":
			h.run(ctx, &inflight, conn, session.LoadHistory)
		case "send":
			text := msg.Text
			h.run(ctx, &inflight, conn, func(ctx context.Context) error { return session.Send(ctx, text) })
		case "clear":
			h.run(ctx, &inflight, conn, session.Clear)
		default:
			conn.sendError("unsupported message type: " + msg.Type)
		}
	}
}

// run 在后台执行会话操作，读循环保持响应，忙碌时立即回报。
func (h *Handler) run(ctx context.Context, inflight *sync.WaitGroup, conn *connection, op func(context.Context) error) {
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		err := op(ctx)
		switch {
		case err == nil:
		case errors.Is(err, chatservice.ErrBusy):
			conn.sendError("a reply is still streaming")
		case ctx.Err() != nil:
		default:
			// 会话已经通过 notice 事件告知用户。
			log.Printf("[websocket] session operation failed: %v", err)
		}
	}()
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
