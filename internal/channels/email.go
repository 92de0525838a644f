package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/nugget/yak/internal/bus"
	"github.com/nugget/yak/internal/config"
	"github.com/nugget/yak/internal/opstate"
)

// EmailChannelName is the bus channel name of the email channel.
const EmailChannelName = "email"

// StateStore persists the email high-water mark. *opstate.Store
// satisfies it.
type StateStore interface {
	GetUint(ctx context.Context, namespace, key string) (uint64, error)
	SetUint(ctx context.Context, namespace, key string, n uint64) error
}

type sendFunc func(ctx context.Context, from string, recipients []string, msg []byte) error

// thread remembers the last inbound message of a conversation so a
// reply without metadata still threads correctly.
type thread struct {
	subject    string
	messageID  string
	references []string
}

// Email polls an IMAP mailbox for unseen mail and answers over SMTP.
// Each sender address is its own chat.
type Email struct {
	cfg    config.EmailConfig
	pub    Publisher
	state  StateStore
	allow  *Allowlist
	box    mailbox
	send   sendFunc
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	threads map[string]thread
}

// NewEmail creates the email channel. The allowlist combines
// cfg.AllowFrom with the addresses of cfg.AllowFromVCard.
func NewEmail(cfg config.EmailConfig, pub Publisher, state StateStore, logger *slog.Logger) (*Email, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", EmailChannelName)

	allow := NewAllowlist(cfg.AllowFrom)
	if cfg.AllowFromVCard != "" {
		if err := allow.LoadVCard(cfg.AllowFromVCard); err != nil {
			return nil, fmt.Errorf("email allowlist: %w", err)
		}
	}

	srv := smtpServer{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}
	return &Email{
		cfg:   cfg,
		pub:   pub,
		state: state,
		allow: allow,
		box:   newIMAPMailbox(cfg.IMAPHost, cfg.IMAPPort, cfg.IMAPUsername, cfg.IMAPPassword, cfg.Mailbox, logger),
		send: func(ctx context.Context, from string, recipients []string, msg []byte) error {
			return sendSMTP(ctx, srv, from, recipients, msg)
		},
		now:     time.Now,
		logger:  logger,
		threads: make(map[string]thread),
	}, nil
}

// Name implements [Channel].
func (e *Email) Name() string { return EmailChannelName }

// Start polls the mailbox immediately and then every poll interval
// until ctx is cancelled. Poll failures are logged and retried on the
// next tick.
func (e *Email) Start(ctx context.Context) error {
	defer e.box.Close()

	interval := time.Duration(e.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	e.logger.Info("email polling", "mailbox", e.cfg.Mailbox, "interval", interval, "allowlist", e.allow.Len())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.Poll(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("email poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Email) stateKey() string {
	return fmt.Sprintf("%s@%s:%s", e.cfg.IMAPUsername, e.cfg.IMAPHost, e.cfg.Mailbox)
}

// Poll fetches unseen messages above the stored high-water UID and
// publishes each accepted one. The mark advances past every fetched
// message, accepted or not, so none is handled twice.
func (e *Email) Poll(ctx context.Context) error {
	key := e.stateKey()
	hw, err := e.state.GetUint(ctx, opstate.NamespaceEmail, key)
	if err != nil {
		return fmt.Errorf("load high-water mark: %w", err)
	}

	mails, err := e.box.Unseen(ctx, uint32(hw))
	for _, rm := range mails {
		if err := e.handle(ctx, rm); err != nil {
			return err
		}
		if uint64(rm.UID) > hw {
			hw = uint64(rm.UID)
			if err := e.state.SetUint(ctx, opstate.NamespaceEmail, key, hw); err != nil {
				return fmt.Errorf("save high-water mark: %w", err)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("fetch unseen: %w", err)
	}
	return nil
}

// handle publishes one message. Only a failure to publish is returned;
// unparseable or rejected mail is logged and skipped.
func (e *Email) handle(ctx context.Context, rm rawMail) error {
	pm, err := parseMail(rm.Raw, e.cfg.MaxBodyChars)
	if err != nil {
		e.logger.Warn("unparseable email skipped", "uid", rm.UID, "error", err)
		return nil
	}
	if pm.From == "" {
		e.logger.Warn("email without sender skipped", "uid", rm.UID)
		return nil
	}
	if strings.EqualFold(pm.From, bareAddress(e.cfg.FromAddress)) {
		e.logger.Debug("ignoring email from self", "uid", rm.UID)
		return nil
	}
	if !e.allow.Allows(pm.From) {
		e.logger.Warn("email sender not allowed", "uid", rm.UID, "from", pm.From)
		return nil
	}

	e.mu.Lock()
	e.threads[pm.From] = thread{
		subject:    pm.Subject,
		messageID:  pm.MessageID,
		references: pm.References,
	}
	e.mu.Unlock()

	date := pm.Date
	if date.IsZero() {
		date = e.now()
	}
	content := fmt.Sprintf("Email received.\nFrom: %s\nSubject: %s\nDate: %s\n\n%s",
		pm.From, pm.Subject, date.Format(time.RFC1123Z), pm.Body)

	e.logger.Info("email received", "uid", rm.UID, "from", pm.From, "subject", pm.Subject)
	if err := e.pub.PublishInbound(ctx, bus.InboundMessage{
		Channel:   EmailChannelName,
		SenderID:  pm.From,
		ChatID:    pm.From,
		Content:   content,
		Timestamp: date,
		Metadata: map[string]any{
			"message_id":   pm.MessageID,
			"subject":      pm.Subject,
			"sender_name":  pm.FromName,
			"sender_email": pm.From,
			"uid":          rm.UID,
		},
	}); err != nil {
		return fmt.Errorf("publish email %d: %w", rm.UID, err)
	}

	if !e.cfg.LeaveUnseen {
		if err := e.box.MarkSeen(ctx, rm.UID); err != nil {
			e.logger.Warn("mark seen failed", "uid", rm.UID, "error", err)
		}
	}
	return nil
}

// Send replies to msg.ChatID. The subject and threading headers come
// from the outbound metadata when present, else from the last message
// received from that address.
func (e *Email) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return nil
	}
	to := bareAddress(msg.ChatID)
	if to == "" {
		return fmt.Errorf("email: invalid recipient %q", msg.ChatID)
	}

	e.mu.Lock()
	th := e.threads[strings.ToLower(to)]
	e.mu.Unlock()

	subject := th.subject
	if s := metaString(msg.Metadata, "subject"); s != "" {
		subject = s
	}
	inReplyTo := th.messageID
	if id := metaString(msg.Metadata, "message_id"); id != "" && id != th.messageID {
		inReplyTo = id
		th.references = nil
	}

	raw, err := composeMail(outgoingMail{
		From:        e.cfg.FromAddress,
		To:          to,
		Subject:     replySubject(e.cfg.SubjectPrefix, subject),
		InReplyTo:   inReplyTo,
		References:  th.references,
		Body:        msg.Content,
		Attachments: msg.Attachments,
	}, e.now())
	if err != nil {
		return fmt.Errorf("compose email: %w", err)
	}

	if err := e.send(ctx, bareAddress(e.cfg.FromAddress), []string{to}, raw); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	e.logger.Info("email sent", "to", to, "attachments", len(msg.Attachments), "size", len(raw))
	return nil
}

// Ping checks the IMAP login.
func (e *Email) Ping(ctx context.Context) error {
	p, ok := e.box.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// bareAddress returns the address part of "Name <addr>" or "addr".
func bareAddress(s string) string {
	a, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return a.Address
}

func metaString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
