package channels

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/nugget/yak/internal/bus"
)

// parsedMail is the part of an inbound message the agent sees.
type parsedMail struct {
	From       string // bare address, lower case
	FromName   string
	Subject    string
	MessageID  string
	References []string
	Date       time.Time
	Body       string
}

// parseMail extracts headers and a text body from a raw RFC 5322
// message. text/plain wins over text/html; HTML is converted to text.
// Unknown charsets are tolerated. The body is cut at maxBody runes.
func parseMail(raw []byte, maxBody int) (*parsedMail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	defer mr.Close()

	pm := &parsedMail{}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		pm.From = strings.ToLower(from[0].Address)
		pm.FromName = from[0].Name
	}
	pm.Subject, _ = mr.Header.Subject()
	pm.MessageID, _ = mr.Header.MessageID()
	pm.Date, _ = mr.Header.Date()
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		pm.References = refs
	}

	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		switch {
		case ct == "text/plain" && plain == "":
			b, _ := io.ReadAll(io.LimitReader(part.Body, maxRawMessageSize))
			plain = strings.TrimSpace(string(b))
		case ct == "text/html" && htmlBody == "":
			b, _ := io.ReadAll(io.LimitReader(part.Body, maxRawMessageSize))
			htmlBody = string(b)
		}
	}

	switch {
	case plain != "":
		pm.Body = plain
	case htmlBody != "":
		pm.Body = htmlToText(htmlBody)
	}
	pm.Body = truncateRunes(pm.Body, maxBody)
	return pm, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n\n[truncated]"
}

// outgoingMail is one reply to send.
type outgoingMail struct {
	From        string
	To          string
	Subject     string
	InReplyTo   string
	References  []string
	Body        string // markdown
	Attachments []bus.MediaAttachment
}

// composeMail builds a multipart/mixed message: a text/plain and
// text/html alternative rendered from the markdown body, followed by
// one part per attachment that has a local path. Attachments with only
// a URL are listed as links in the body.
func composeMail(m outgoingMail, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(m.Subject)

	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", m.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})
	to, err := mail.ParseAddress(m.To)
	if err != nil {
		return nil, fmt.Errorf("parse to address %q: %w", m.To, err)
	}
	h.SetAddressList("To", []*mail.Address{to})

	if m.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{m.InReplyTo})
		refs := append(append([]string(nil), m.References...), m.InReplyTo)
		h.SetMsgIDList("References", refs)
	}

	body := m.Body
	var files []bus.MediaAttachment
	for _, a := range m.Attachments {
		switch {
		case a.Path != "":
			files = append(files, a)
		case a.URL != "":
			body += "\n\n" + linkLine(a)
		}
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}
	if err := writeInlinePart(tw, "text/plain; charset=utf-8", markdownToPlain(body)); err != nil {
		return nil, err
	}
	htmlBody, err := markdownToHTML(body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}
	if err := writeInlinePart(tw, "text/html; charset=utf-8", htmlBody); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}

	for _, a := range files {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInlinePart(tw *mail.InlineWriter, contentType, text string) error {
	var h mail.InlineHeader
	h.Set("Content-Type", contentType)
	w, err := tw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, a bus.MediaAttachment) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	name := a.Filename
	if name == "" {
		name = filepath.Base(a.Path)
	}
	ct := a.MimeType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(name))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}

	var h mail.AttachmentHeader
	h.Set("Content-Type", ct)
	h.SetFilename(name)
	w, err := mw.CreateAttachment(h)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write attachment %s: %w", name, err)
	}
	return w.Close()
}

func linkLine(a bus.MediaAttachment) string {
	if a.Caption != "" {
		return fmt.Sprintf("[%s](%s)", a.Caption, a.URL)
	}
	return a.URL
}

// replySubject prefixes subject unless it already starts with the
// prefix, compared case-insensitively.
func replySubject(prefix, subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return strings.TrimSpace(prefix) + " your message"
	}
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(strings.TrimSpace(prefix))) {
		return subject
	}
	return prefix + subject
}

// markdownToHTML renders markdown into a minimal standalone document.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain strips markdown formatting but keeps link targets.
func markdownToPlain(md string) string {
	s := mdCodeBlock.ReplaceAllString(md, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
