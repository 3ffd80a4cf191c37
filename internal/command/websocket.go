package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 64 << 10
)

// Signaler answers WebRTC SDP offers for viewers that connect over the
// control socket.
type Signaler interface {
	HandleOffer(ctx context.Context, offerSDP string) (answerSDP string, err error)
}

// wsMessage is the JSON envelope accepted alongside plain protocol lines.
type wsMessage struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp,omitempty"`
	Command string `json:"command,omitempty"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WebSocketHandler accepts control connections. Each text message holds
// one or more protocol lines, or a JSON envelope of type "command" or
// "offer".
type WebSocketHandler struct {
	log      *slog.Logger
	queue    *Queue
	signaler Signaler
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler feeding q. signaler may be nil, in
// which case offers are rejected. If log is nil, slog.Default() is used.
func NewWebSocketHandler(q *Queue, signaler Signaler, log *slog.Logger) *WebSocketHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocketHandler{
		log:      log.With("component", "ws-control"),
		queue:    q,
		signaler: signaler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	clientID := uuid.NewString()
	log := h.log.With("client", clientID, "remote", r.RemoteAddr)
	log.Info("control client connected")
	defer func() {
		conn.Close()
		log.Info("control client disconnected")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.keepalive(ctx, conn)

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		for _, reply := range h.handle(ctx, string(data), log) {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				log.Warn("websocket write error", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) keepalive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(wsPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// handle processes one text message and returns the replies to send.
func (h *WebSocketHandler) handle(ctx context.Context, text string, log *slog.Logger) [][]byte {
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		var msg wsMessage
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return [][]byte{encode(wsMessage{Type: "error", Error: "invalid message format"})}
		}
		return [][]byte{h.handleEnvelope(ctx, msg, log)}
	}

	var replies [][]byte
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if cmd, ok := Feed(ctx, h.queue, line, "websocket", log); ok {
			replies = append(replies, []byte("ok "+cmd.ID))
		} else {
			replies = append(replies, []byte("ignored"))
		}
	}
	return replies
}

func (h *WebSocketHandler) handleEnvelope(ctx context.Context, msg wsMessage, log *slog.Logger) []byte {
	switch msg.Type {
	case "command":
		cmd, ok := Feed(ctx, h.queue, msg.Command, "websocket", log)
		if !ok {
			return encode(wsMessage{Type: "ignored"})
		}
		return encode(wsMessage{Type: "ok", ID: cmd.ID})
	case "offer":
		if h.signaler == nil {
			return encode(wsMessage{Type: "error", Error: "webrtc output not enabled"})
		}
		answer, err := h.signaler.HandleOffer(ctx, msg.SDP)
		if err != nil {
			log.Warn("webrtc offer failed", "error", err)
			return encode(wsMessage{Type: "error", Error: err.Error()})
		}
		return encode(wsMessage{Type: "answer", SDP: answer})
	case "ping":
		return encode(wsMessage{Type: "pong"})
	default:
		return encode(wsMessage{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

func encode(msg wsMessage) []byte {
	b, _ := json.Marshal(msg)
	return b
}
