package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"

	"github.com/nugget/yak/internal/bus"
	"github.com/nugget/yak/internal/config"
)

// Reconnect backoff bounds for the bridge connection.
const (
	bridgeMinBackoff = time.Second
	bridgeMaxBackoff = time.Minute
)

// bridgeFrame is every message on the bridge socket. Which fields are
// set depends on Type.
type bridgeFrame struct {
	Type string `json:"type"`

	// message
	ID        string   `json:"id,omitempty"`
	Sender    string   `json:"sender,omitempty"`
	PN        string   `json:"pn,omitempty"`
	Content   string   `json:"content,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	IsGroup   bool     `json:"isGroup,omitempty"`
	Media     []string `json:"media,omitempty"`

	// qr, status, error
	QR     string `json:"qr,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// auth, send, send_media
	Token    string `json:"token,omitempty"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Bridge talks to a messaging bridge process (for example a WhatsApp
// Web bridge) over a WebSocket. The bridge owns the messaging session;
// Yak only exchanges JSON frames with it.
type Bridge struct {
	name   string
	url    string
	token  string
	pub    Publisher
	allow  *Allowlist
	dialer *websocket.Dialer
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewBridge creates a bridge channel from cfg.
func NewBridge(cfg config.BridgeConfig, pub Publisher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		name:   cfg.Name,
		url:    cfg.URL,
		token:  cfg.Token,
		pub:    pub,
		allow:  NewAllowlist(cfg.AllowFrom),
		dialer: websocket.DefaultDialer,
		logger: logger.With("channel", cfg.Name),
	}
}

// Name implements [Channel].
func (b *Bridge) Name() string { return b.name }

// Connected reports whether the socket is up and the bridge has
// reported a linked session.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.connected
}

// Start keeps a connection to the bridge open until ctx is cancelled,
// reconnecting with exponential backoff capped at one minute. The
// backoff resets after a connection that delivered any frame.
func (b *Bridge) Start(ctx context.Context) error {
	backoff := bridgeMinBackoff
	for {
		received, err := b.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			backoff = bridgeMinBackoff
		}
		b.logger.Warn("bridge disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, bridgeMaxBackoff)
	}
}

// session runs one connection until it fails. It reports whether any
// frame was read.
func (b *Bridge) session(ctx context.Context) (bool, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.url, http.Header{})
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", b.url, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.logger.Info("bridge connected", "url", b.url)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		b.mu.Lock()
		b.conn = nil
		b.connected = false
		b.mu.Unlock()
		conn.Close()
	}()

	if b.token != "" {
		if err := b.write(bridgeFrame{Type: "auth", Token: b.token}); err != nil {
			return false, fmt.Errorf("auth: %w", err)
		}
	}

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		received = true

		var f bridgeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("invalid bridge frame", "error", err, "size", len(data))
			continue
		}
		if err := b.handleFrame(ctx, f); err != nil {
			return received, err
		}
	}
}

func (b *Bridge) handleFrame(ctx context.Context, f bridgeFrame) error {
	switch f.Type {
	case "message":
		return b.handleMessage(ctx, f)
	case "status":
		b.mu.Lock()
		b.connected = f.Status == "connected"
		b.mu.Unlock()
		b.logger.Info("bridge status", "status", f.Status)
	case "qr":
		b.logQR(f.QR)
	case "error":
		b.logger.Error("bridge error", "error", f.Error)
	default:
		b.logger.Debug("unhandled bridge frame", "type", f.Type)
	}
	return nil
}

// handleMessage publishes an inbound chat message. The chat id is the
// full bridge sender; the sender id is the phone number when the
// bridge supplies one.
func (b *Bridge) handleMessage(ctx context.Context, f bridgeFrame) error {
	if f.Sender == "" {
		return nil
	}
	user := f.PN
	if user == "" {
		user = f.Sender
	}
	senderID, _, _ := strings.Cut(user, "@")

	if !b.allow.Allows(senderID, user, f.Sender) {
		b.logger.Warn("bridge sender not allowed", "sender", senderID)
		return nil
	}
	if strings.TrimSpace(f.Content) == "" && len(f.Media) == 0 {
		return nil
	}

	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0)
	}
	b.logger.Info("bridge message received", "sender", senderID, "len", len(f.Content), "media", len(f.Media))
	return b.pub.PublishInbound(ctx, bus.InboundMessage{
		Channel:   b.name,
		SenderID:  senderID,
		ChatID:    f.Sender,
		Content:   f.Content,
		Timestamp: ts,
		Media:     f.Media,
		Metadata: map[string]any{
			"message_id": f.ID,
			"is_group":   f.IsGroup,
		},
	})
}

// logQR renders a pairing code as terminal blocks in the log.
func (b *Bridge) logQR(code string) {
	if code == "" {
		return
	}
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		b.logger.Warn("render pairing QR failed", "error", err)
		return
	}
	b.logger.Info("bridge pairing required, scan the QR code below")
	b.logger.Info("pairing QR\n" + q.ToSmallString(false))
}

// Send implements [Channel]. Text goes out as a send frame; each
// attachment with a local path goes out as a send_media frame, and
// URL-only attachments are appended to the text.
func (b *Bridge) Send(_ context.Context, msg bus.OutboundMessage) error {
	text := msg.Content
	var media []bridgeFrame
	for _, a := range msg.Attachments {
		switch {
		case a.Path != "":
			name := a.Filename
			if name == "" {
				name = filepath.Base(a.Path)
			}
			mt := a.MimeType
			if mt == "" {
				mt = mime.TypeByExtension(filepath.Ext(name))
			}
			media = append(media, bridgeFrame{
				Type:     "send_media",
				To:       msg.ChatID,
				Path:     a.Path,
				MimeType: mt,
				Filename: name,
				Caption:  a.Caption,
			})
		case a.URL != "":
			text = strings.TrimSpace(text + "\n" + a.URL)
		}
	}

	if strings.TrimSpace(text) != "" {
		if err := b.write(bridgeFrame{Type: "send", To: msg.ChatID, Text: text}); err != nil {
			return err
		}
	}
	for _, f := range media {
		if err := b.write(f); err != nil {
			return err
		}
	}
	return nil
}

var errBridgeDown = errors.New("bridge not connected")

func (b *Bridge) write(f bridgeFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return errBridgeDown
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}
