package channels

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// maxRawMessageSize bounds how much of one message is buffered. The
// rest of the literal is drained to keep the IMAP stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// rawMail is one fetched message.
type rawMail struct {
	UID uint32
	Raw []byte
}

// mailbox is the slice of IMAP the email channel needs.
type mailbox interface {
	// Unseen returns unseen messages with UIDs above sinceUID, in
	// ascending UID order, without marking them seen.
	Unseen(ctx context.Context, sinceUID uint32) ([]rawMail, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// imapMailbox is a single-mailbox IMAP client with lazy connection and
// reconnect on a failed NOOP. Methods are serialized by mu.
type imapMailbox struct {
	host     string
	port     int
	username string
	password string
	folder   string
	logger   *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

func newIMAPMailbox(host string, port int, username, password, folder string, logger *slog.Logger) *imapMailbox {
	return &imapMailbox{
		host:     host,
		port:     port,
		username: username,
		password: password,
		folder:   folder,
		logger:   logger,
	}
}

// connectLocked dials and logs in. Port 993 uses implicit TLS; any
// other port connects in the clear. Caller must hold m.mu.
func (m *imapMailbox) connectLocked() error {
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}

	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	opts := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if m.port == 993 {
		opts.TLSConfig = &tls.Config{ServerName: m.host}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(m.username, m.password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", m.username, err)
	}

	m.client = client
	m.logger.Info("IMAP connected", "host", m.host, "user", m.username)
	return nil
}

// ensureConnected reuses a live connection or reconnects. Caller must
// hold m.mu.
func (m *imapMailbox) ensureConnected() error {
	if m.client != nil {
		if err := m.client.Noop().Wait(); err == nil {
			return nil
		}
		m.logger.Debug("IMAP connection stale, reconnecting", "host", m.host)
	}
	return m.connectLocked()
}

func (m *imapMailbox) selectLocked() error {
	if _, err := m.client.Select(m.folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", m.folder, err)
	}
	return nil
}

func (m *imapMailbox) Unseen(ctx context.Context, sinceUID uint32) ([]rawMail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnected(); err != nil {
		return nil, err
	}
	if err := m.selectLocked(); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	if sinceUID > 0 {
		criteria.UID = []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}},
		}
	}
	data, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", m.folder, err)
	}

	var out []rawMail
	for _, uid := range data.AllUIDs() {
		// A UID range ending in * always matches the newest message,
		// even when it is below the requested start.
		if uint32(uid) <= sinceUID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		raw, err := m.fetchLocked(uid)
		if err != nil {
			return out, err
		}
		out = append(out, rawMail{UID: uint32(uid), Raw: raw})
	}
	return out, nil
}

// fetchLocked reads the full RFC 822 message without setting \Seen.
func (m *imapMailbox) fetchLocked(uid imap.UID) ([]byte, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	cmd := m.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})

	var raw []byte
	if msg := cmd.Next(); msg != nil {
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			body, ok := item.(imapclient.FetchItemDataBodySection)
			if !ok || body.Literal == nil {
				continue
			}
			// The literal must be consumed before advancing.
			var err error
			raw, err = io.ReadAll(io.LimitReader(body.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, body.Literal)
			if err != nil {
				m.logger.Debug("error reading body literal", "uid", uid, "error", err)
				raw = nil
			}
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch UID %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body", uid)
	}
	return raw, nil
}

func (m *imapMailbox) MarkSeen(_ context.Context, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureConnected(); err != nil {
		return err
	}
	if err := m.selectLocked(); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	cmd := m.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("store flags: %w", err)
	}
	return nil
}

// Ping checks that the server is reachable and the login works.
func (m *imapMailbox) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnected()
}

func (m *imapMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
