// Package calendar reads events from a CalDAV server.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/nugget/yak/internal/httpkit"
)

// Event is one calendar entry in the client's time zone.
type Event struct {
	UID         string
	Summary     string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// Slot is a busy interval.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Config configures a [Client].
type Config struct {
	URL      string
	Username string
	Password string
	// Calendar pins one collection path and skips discovery.
	Calendar string
	Location *time.Location
}

// Client is a read-only CalDAV client.
type Client struct {
	dav    *caldav.Client
	pinned string
	loc    *time.Location
	logger *slog.Logger

	mu    sync.Mutex
	paths []string
}

// NewClient creates a client for the server at cfg.URL.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("calendar url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	httpClient := httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger))
	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}
	dav, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}
	return &Client{dav: dav, pinned: cfg.Calendar, loc: cfg.Location, logger: logger}, nil
}

// calendars returns the event calendars to query, discovering them on
// first use.
func (c *Client) calendars(ctx context.Context) ([]string, error) {
	if c.pinned != "" {
		return []string{c.pinned}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paths != nil {
		return c.paths, nil
	}

	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}
	home, err := c.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find calendar home: %w", err)
	}
	cals, err := c.dav.FindCalendars(ctx, home)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var paths []string
	for _, cal := range cals {
		if supportsEvents(cal.SupportedComponentSet) {
			paths = append(paths, cal.Path)
		}
	}
	c.logger.Debug("calendars discovered", "count", len(paths))
	c.paths = paths
	return paths, nil
}

func supportsEvents(comps []string) bool {
	if len(comps) == 0 {
		return true
	}
	for _, comp := range comps {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// Events returns events overlapping [from, to) across all calendars,
// ordered by start time.
func (c *Client) Events(ctx context.Context, from, to time.Time) ([]Event, error) {
	paths, err := c.calendars(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from,
				End:   to,
			}},
		},
	}

	var out []Event
	for _, p := range paths {
		objs, err := c.dav.QueryCalendar(ctx, p, query)
		if err != nil {
			return nil, fmt.Errorf("query calendar %s: %w", p, err)
		}
		for _, obj := range objs {
			if obj.Data == nil {
				continue
			}
			out = append(out, FromCalendar(obj.Data, c.loc)...)
		}
	}
	return Window(out, from, to), nil
}

// FromCalendar converts the VEVENTs of an iCalendar object. Events
// without a parseable start are skipped.
func FromCalendar(cal *ical.Calendar, loc *time.Location) []Event {
	var out []Event
	for _, ev := range cal.Events() {
		start, err := ev.DateTimeStart(loc)
		if err != nil || start.IsZero() {
			continue
		}
		end, err := ev.DateTimeEnd(loc)
		if err != nil || end.IsZero() {
			end = start
		}

		e := Event{Start: start, End: end}
		e.UID, _ = ev.Props.Text(ical.PropUID)
		e.Summary, _ = ev.Props.Text(ical.PropSummary)
		e.Location, _ = ev.Props.Text(ical.PropLocation)
		e.Description, _ = ev.Props.Text(ical.PropDescription)
		if p := ev.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
			e.AllDay = true
		}
		out = append(out, e)
	}
	return out
}

// Window keeps events overlapping [from, to) and sorts them by start.
func Window(events []Event, from, to time.Time) []Event {
	out := events[:0:0]
	for _, e := range events {
		end := e.End
		if !end.After(e.Start) {
			end = e.Start.Add(time.Nanosecond)
		}
		if end.After(from) && e.Start.Before(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Search keeps events whose summary, location or description contains
// query, case-insensitively.
func Search(events []Event, query string) []Event {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return events
	}
	var out []Event
	for _, e := range events {
		hay := strings.ToLower(e.Summary + "\n" + e.Location + "\n" + e.Description)
		if strings.Contains(hay, q) {
			out = append(out, e)
		}
	}
	return out
}

// Busy merges the timed events into non-overlapping busy slots
// clipped to [from, to). All-day events do not block time.
func Busy(events []Event, from, to time.Time) []Slot {
	var slots []Slot
	for _, e := range Window(events, from, to) {
		if e.AllDay || !e.End.After(e.Start) {
			continue
		}
		s := Slot{Start: e.Start, End: e.End}
		if s.Start.Before(from) {
			s.Start = from
		}
		if s.End.After(to) {
			s.End = to
		}
		if n := len(slots); n > 0 && !s.Start.After(slots[n-1].End) {
			if s.End.After(slots[n-1].End) {
				slots[n-1].End = s.End
			}
			continue
		}
		slots = append(slots, s)
	}
	return slots
}

const (
	timeLayout = "2006-01-02 15:04"
	dateLayout = "2006-01-02"
)

// Format renders events as a numbered list.
func Format(events []Event) string {
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		summary := e.Summary
		if summary == "" {
			summary = "(no title)"
		}
		layout := timeLayout
		if e.AllDay {
			layout = dateLayout
		}
		fmt.Fprintf(&b, "%d. %s\n   Start: %s", i+1, summary, e.Start.Format(layout))
		if e.End.After(e.Start) {
			fmt.Fprintf(&b, "\n   End: %s", e.End.Format(layout))
		}
		if e.Location != "" {
			fmt.Fprintf(&b, "\n   Location: %s", e.Location)
		}
	}
	return b.String()
}

// FormatBusy renders the free/busy answer for [from, to).
func FormatBusy(slots []Slot, from, to time.Time) string {
	if len(slots) == 0 {
		return fmt.Sprintf("You are free from %s to %s.", from.Format(timeLayout), to.Format(timeLayout))
	}
	lines := []string{"Busy slots:"}
	for _, s := range slots {
		lines = append(lines, fmt.Sprintf("  %s -- %s", s.Start.Format(timeLayout), s.End.Format(timeLayout)))
	}
	return strings.Join(lines, "\n")
}
