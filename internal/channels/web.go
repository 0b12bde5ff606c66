package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

const (
	webWriteTimeout = 10 * time.Second
	webPongTimeout  = 60 * time.Second
	webPingPeriod   = 45 * time.Second
)

// webFrame is the JSON frame exchanged over the socket.
type webFrame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// WebAdapter serves browser clients over websockets. Every open socket for
// the channel receives outbound messages; inbound text from any socket flows
// through the shared handler.
type WebAdapter struct {
	id    string
	store kv.Store
	log   *observability.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[*websocket.Conn]chan webFrame
	handler func(msg *models.InboundMessage)
	open    bool
}

// NewWebAdapter is a channels.Factory.
func NewWebAdapter(id string, _ config.ChannelConfig, store kv.Store, log *observability.Logger) (Adapter, error) {
	return &WebAdapter{
		id:    id,
		store: store,
		log:   log.With("channel", id),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan webFrame),
	}, nil
}

func (w *WebAdapter) ID() string            { return w.id }
func (w *WebAdapter) MaxMessageLength() int { return 0 }

func (w *WebAdapter) Connect(ctx context.Context) error {
	w.mu.Lock()
	w.open = true
	w.mu.Unlock()
	// The socket endpoint is mounted by the gateway; the reply address is a
	// marker so restarts know the channel existed.
	return w.store.Set(ctx, kv.PrefixReply+w.id, "web", 0)
}

func (w *WebAdapter) Disconnect(context.Context) error {
	w.mu.Lock()
	w.open = false
	for conn, out := range w.conns {
		close(out)
		_ = conn.Close()
		delete(w.conns, conn)
	}
	w.mu.Unlock()
	return nil
}

func (w *WebAdapter) IsHealthy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.open
}

func (w *WebAdapter) OnMessage(handler func(msg *models.InboundMessage)) {
	w.mu.Lock()
	w.handler = handler
	w.mu.Unlock()
}

func (w *WebAdapter) Send(_ context.Context, text string) error {
	w.broadcast(webFrame{Type: "message", Text: text})
	return nil
}

func (w *WebAdapter) SendFile(_ context.Context, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read outbound file: %w", err)
	}
	w.broadcast(webFrame{Type: "file", FileName: filepath.Base(path), Caption: caption, Data: data})
	return nil
}

func (w *WebAdapter) SendTyping(context.Context) error {
	w.broadcast(webFrame{Type: "typing"})
	return nil
}

func (w *WebAdapter) broadcast(frame webFrame) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, out := range w.conns {
		select {
		case out <- frame:
		default:
			// Slow client; drop rather than block the channel.
		}
	}
}

// ServeHTTP upgrades a browser connection. Mounted by the gateway.
func (w *WebAdapter) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	out := make(chan webFrame, 32)
	w.mu.Lock()
	if !w.open {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.conns[conn] = out
	w.mu.Unlock()

	go w.writeLoop(conn, out)
	w.readLoop(conn, out)
}

func (w *WebAdapter) readLoop(conn *websocket.Conn, out chan webFrame) {
	defer func() {
		w.mu.Lock()
		if _, ok := w.conns[conn]; ok {
			delete(w.conns, conn)
			close(out)
		}
		w.mu.Unlock()
		_ = conn.Close()
	}()
	_ = conn.SetReadDeadline(time.Now().Add(webPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(webPongTimeout))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame webFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Text == "" {
			continue
		}
		w.mu.RLock()
		handler := w.handler
		w.mu.RUnlock()
		if handler != nil {
			handler(&models.InboundMessage{
				ChannelID: w.id,
				Text:      frame.Text,
				Timestamp: time.Now(),
			})
		}
	}
}

func (w *WebAdapter) writeLoop(conn *websocket.Conn, out <-chan webFrame) {
	ticker := time.NewTicker(webPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-out:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(webWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(webWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
