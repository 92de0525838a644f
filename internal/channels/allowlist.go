package channels

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-vcard"
)

// Allowlist decides which senders a channel accepts. An empty list
// accepts everyone.
type Allowlist struct {
	ids map[string]bool
}

// NewAllowlist builds an allowlist from explicit ids. Matching is
// case-insensitive and ignores surrounding whitespace.
func NewAllowlist(ids []string) *Allowlist {
	a := &Allowlist{ids: make(map[string]bool)}
	for _, id := range ids {
		a.add(id)
	}
	return a
}

func (a *Allowlist) add(id string) {
	if id = normalizeID(id); id != "" {
		a.ids[id] = true
	}
}

// LoadVCard adds every EMAIL and TEL value of the cards in path.
func (a *Allowlist) LoadVCard(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open vcard: %w", err)
	}
	defer f.Close()
	return a.ReadVCard(f)
}

// ReadVCard adds every EMAIL and TEL value of the cards read from r.
func (a *Allowlist) ReadVCard(r io.Reader) error {
	dec := vcard.NewDecoder(r)
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode vcard: %w", err)
		}
		for _, v := range card.Values(vcard.FieldEmail) {
			a.add(v)
		}
		for _, v := range card.Values(vcard.FieldTelephone) {
			a.add(phoneDigits(v))
		}
	}
}

// Len returns the number of accepted ids.
func (a *Allowlist) Len() int { return len(a.ids) }

// Allows reports whether any of ids is accepted.
func (a *Allowlist) Allows(ids ...string) bool {
	if a == nil || len(a.ids) == 0 {
		return true
	}
	for _, id := range ids {
		if a.ids[normalizeID(id)] {
			return true
		}
	}
	return false
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// phoneDigits strips a telephone value down to its digits, dropping
// a tel: URI scheme and formatting characters.
func phoneDigits(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "tel:")
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
