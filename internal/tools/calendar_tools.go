package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/yak/internal/calendar"
)

// EventSource lists calendar events in a time range.
type EventSource interface {
	Events(ctx context.Context, from, to time.Time) ([]calendar.Event, error)
}

// SetCalendar registers the read-only calendar tool. now may be nil.
func (r *Registry) SetCalendar(src EventSource, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.Register(&Tool{
		Name: "calendar",
		Description: "Read-only access to the calendar. " +
			"Actions: list_events (upcoming events), freebusy (busy slots), " +
			"search (find events by keyword).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"list_events", "freebusy", "search"},
					"description": "The calendar action to perform",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Search query (for search action)",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of events to return (default 10)",
					"minimum":     1,
					"maximum":     50,
				},
				"days_ahead": map[string]any{
					"type":        "integer",
					"description": "Number of days ahead to look (default 1)",
					"minimum":     1,
					"maximum":     90,
				},
			},
			"required": []string{"action"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			from := now()
			days := intArg(args, "days_ahead", 0)
			if days <= 0 {
				days = 1
			}
			to := from.AddDate(0, 0, days)
			n := intArg(args, "max_results", 0)
			if n <= 0 {
				n = 10
			}

			action := stringArg(args, "action")
			query := stringArg(args, "query")
			switch action {
			case "list_events", "freebusy", "search":
			default:
				return fmt.Sprintf("Error: Unknown action '%s'", action), nil
			}
			if action == "search" && query == "" {
				return "Error: 'query' is required for the search action", nil
			}

			events, err := src.Events(ctx, from, to)
			if err != nil {
				return "Error: " + err.Error(), nil
			}

			switch action {
			case "freebusy":
				return calendar.FormatBusy(calendar.Busy(events, from, to), from, to), nil
			case "search":
				events = calendar.Search(events, query)
				if len(events) == 0 {
					return fmt.Sprintf("No events matching '%s'.", query), nil
				}
			default:
				if len(events) == 0 {
					return "No upcoming events found.", nil
				}
			}
			if len(events) > n {
				events = events[:n]
			}
			return calendar.Format(events), nil
		},
	})
}
