package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

const (
	webhookTimeout = 15 * time.Second
	signatureHdr   = "X-Hub-Signature-256"
	maxWebhookBody = 1 << 20
)

// WebhookAdapter pairs an inbound signed webhook with an outbound callback
// URL. It covers WhatsApp-style business APIs where the platform pushes
// messages and replies go out over plain HTTP.
type WebhookAdapter struct {
	id          string
	store       kv.Store
	log         *observability.Logger
	secret      []byte
	callbackURL string
	client      *http.Client

	mu      sync.RWMutex
	handler func(msg *models.InboundMessage)
	open    bool
	lastErr error
}

// NewWebhookAdapter is a channels.Factory. Config keys: secret, callbackUrl.
func NewWebhookAdapter(id string, cfg config.ChannelConfig, store kv.Store, log *observability.Logger) (Adapter, error) {
	secret, _ := cfg["secret"].(string)
	if secret == "" {
		return nil, fmt.Errorf("channel %s: secret is required", id)
	}
	callback, _ := cfg["callbackUrl"].(string)
	if callback == "" {
		return nil, fmt.Errorf("channel %s: callbackUrl is required", id)
	}
	return &WebhookAdapter{
		id:          id,
		store:       store,
		log:         log.With("channel", id),
		secret:      []byte(secret),
		callbackURL: callback,
		client:      &http.Client{Timeout: webhookTimeout},
	}, nil
}

func (w *WebhookAdapter) ID() string            { return w.id }
func (w *WebhookAdapter) MaxMessageLength() int { return 4096 }

func (w *WebhookAdapter) Connect(ctx context.Context) error {
	w.mu.Lock()
	w.open = true
	w.mu.Unlock()
	return w.store.Set(ctx, kv.PrefixReply+w.id, w.callbackURL, 0)
}

func (w *WebhookAdapter) Disconnect(context.Context) error {
	w.mu.Lock()
	w.open = false
	w.mu.Unlock()
	return nil
}

func (w *WebhookAdapter) IsHealthy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.open && w.lastErr == nil
}

func (w *WebhookAdapter) OnMessage(handler func(msg *models.InboundMessage)) {
	w.mu.Lock()
	w.handler = handler
	w.mu.Unlock()
}

func (w *WebhookAdapter) Send(ctx context.Context, text string) error {
	return w.post(ctx, map[string]string{"text": text})
}

func (w *WebhookAdapter) SendFile(ctx context.Context, path, caption string) error {
	return w.post(ctx, map[string]string{"file": path, "caption": caption})
}

func (w *WebhookAdapter) SendTyping(ctx context.Context) error {
	return w.post(ctx, map[string]string{"typing": "on"})
}

func (w *WebhookAdapter) post(ctx context.Context, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("channel %s callback: %w", w.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("channel %s callback: status %d", w.id, resp.StatusCode)
	}
	return nil
}

// VerifySignature checks the platform's HMAC-SHA256 signature in constant
// time. The header value is "sha256=<hex>".
func VerifySignature(secret, body []byte, header string) bool {
	digest := strings.TrimPrefix(header, "sha256=")
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// ServeHTTP receives the platform push. Mounted by the gateway.
func (w *WebhookAdapter) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "read failed", http.StatusBadRequest)
		return
	}
	if !VerifySignature(w.secret, body, r.Header.Get(signatureHdr)) {
		http.Error(rw, "bad signature", http.StatusForbidden)
		return
	}
	var payload struct {
		Text      string    `json:"text"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Text == "" {
		http.Error(rw, "bad payload", http.StatusBadRequest)
		return
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	w.mu.RLock()
	handler := w.handler
	w.mu.RUnlock()
	if handler != nil {
		handler(&models.InboundMessage{ChannelID: w.id, Text: payload.Text, Timestamp: payload.Timestamp})
	}
	rw.WriteHeader(http.StatusOK)
}
