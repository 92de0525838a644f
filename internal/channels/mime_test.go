package channels

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nugget/yak/internal/bus"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseMail_Plain(t *testing.T) {
	raw := crlf(
		"From: Alice <Alice@Example.com>",
		"To: yak@example.com",
		"Subject: Make a video",
		"Message-ID: <abc@example.com>",
		"References: <r1@example.com>",
		"Date: Mon, 02 Mar 2026 09:30:00 +0000",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"A cat surfing a wave.",
		"",
	)

	pm, err := parseMail(raw, 0)
	if err != nil {
		t.Fatalf("parseMail: %v", err)
	}
	if pm.From != "alice@example.com" {
		t.Errorf("From = %q, want alice@example.com", pm.From)
	}
	if pm.FromName != "Alice" {
		t.Errorf("FromName = %q, want Alice", pm.FromName)
	}
	if pm.Subject != "Make a video" {
		t.Errorf("Subject = %q", pm.Subject)
	}
	if pm.MessageID != "abc@example.com" {
		t.Errorf("MessageID = %q, want abc@example.com", pm.MessageID)
	}
	if !slices.Equal(pm.References, []string{"r1@example.com"}) {
		t.Errorf("References = %v", pm.References)
	}
	if want := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC); !pm.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", pm.Date, want)
	}
	if pm.Body != "A cat surfing a wave." {
		t.Errorf("Body = %q", pm.Body)
	}
}

func TestParseMail_HTMLOnly(t *testing.T) {
	raw := crlf(
		"From: bob@example.com",
		"Subject: html",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Hello <b>Yak</b></p><p>Bye</p>",
		"--b1--",
		"",
	)

	pm, err := parseMail(raw, 0)
	if err != nil {
		t.Fatalf("parseMail: %v", err)
	}
	if pm.Body != "Hello Yak\n\nBye" {
		t.Errorf("Body = %q", pm.Body)
	}
}

func TestParseMail_PlainPreferredAndTruncated(t *testing.T) {
	raw := crlf(
		"From: bob@example.com",
		"Subject: both",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"abcdefghij",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html version</p>",
		"--b1--",
		"",
	)

	pm, err := parseMail(raw, 4)
	if err != nil {
		t.Fatalf("parseMail: %v", err)
	}
	if pm.Body != "abcd\n\n[truncated]" {
		t.Errorf("Body = %q", pm.Body)
	}
}

func TestReplySubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"Hello", "Re: Hello"},
		{"Re: Hello", "Re: Hello"},
		{"RE: Hello", "RE: Hello"},
		{"  spaced  ", "Re: spaced"},
		{"", "Re: your message"},
	}
	for _, tt := range tests {
		if got := replySubject("Re: ", tt.subject); got != tt.want {
			t.Errorf("replySubject(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}

func TestMarkdownToPlain(t *testing.T) {
	got := markdownToPlain("# Title\n\n**bold** and *it* with [link](https://x.test) and `code`")
	want := "Title\n\nbold and it with link (https://x.test) and code"
	if got != want {
		t.Errorf("markdownToPlain() = %q, want %q", got, want)
	}
}

func TestComposeMail(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(clip, []byte("fake video"), 0o644); err != nil {
		t.Fatal(err)
	}

	raw, err := composeMail(outgoingMail{
		From:       "Yak <yak@example.com>",
		To:         "alice@example.com",
		Subject:    "Re: Make a video",
		InReplyTo:  "abc@example.com",
		References: []string{"r1@example.com"},
		Body:       "**Done**, see [here](https://x.test)",
		Attachments: []bus.MediaAttachment{
			{Type: bus.TypeVideo, Path: clip, MimeType: "video/mp4"},
			{Type: bus.TypeVideo, URL: "https://cdn.test/v.mp4"},
		},
	}, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("composeMail: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	if s, _ := mr.Header.Subject(); s != "Re: Make a video" {
		t.Errorf("Subject = %q", s)
	}
	if ids, _ := mr.Header.MsgIDList("In-Reply-To"); !slices.Equal(ids, []string{"abc@example.com"}) {
		t.Errorf("In-Reply-To = %v", ids)
	}
	if ids, _ := mr.Header.MsgIDList("References"); !slices.Equal(ids, []string{"r1@example.com", "abc@example.com"}) {
		t.Errorf("References = %v", ids)
	}

	var plain, html, attName, attBody, attType string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		body, _ := io.ReadAll(p.Body)
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			switch ct {
			case "text/plain":
				plain = string(body)
			case "text/html":
				html = string(body)
			}
		case *mail.AttachmentHeader:
			attName, _ = h.Filename()
			attType, _, _ = h.ContentType()
			attBody = string(body)
		}
	}

	if !strings.Contains(plain, "Done, see here (https://x.test)") {
		t.Errorf("plain part = %q", plain)
	}
	if !strings.Contains(plain, "https://cdn.test/v.mp4") {
		t.Errorf("plain part missing URL attachment: %q", plain)
	}
	if !strings.Contains(html, "<strong>Done</strong>") {
		t.Errorf("html part = %q", html)
	}
	if attName != "clip.mp4" || attType != "video/mp4" || attBody != "fake video" {
		t.Errorf("attachment = %q %q %q", attName, attType, attBody)
	}
}

func TestComposeMail_MissingAttachment(t *testing.T) {
	_, err := composeMail(outgoingMail{
		From:        "yak@example.com",
		To:          "alice@example.com",
		Subject:     "x",
		Body:        "x",
		Attachments: []bus.MediaAttachment{{Path: filepath.Join(t.TempDir(), "gone.mp4")}},
	}, time.Now())
	if err == nil {
		t.Fatal("expected error for a missing attachment file")
	}
}
