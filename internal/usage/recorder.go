package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/yak/internal/events"
)

const recorderBuffer = 64

// Recorder writes a ledger record for every request_complete event
// published on the events bus.
type Recorder struct {
	store  *Store
	events *events.Bus
	logger *slog.Logger
}

// NewRecorder creates a recorder feeding store from bus.
func NewRecorder(store *Store, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, events: bus, logger: logger}
}

// Run consumes events until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	sub := r.events.SubscribeKinds(recorderBuffer, events.KindRequestComplete)
	defer r.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			if e.Source != events.SourceAgent {
				continue
			}
			rec := recordFromEvent(e)
			if err := r.store.Record(ctx, rec); err != nil {
				r.logger.Warn("usage record failed", "request_id", rec.RequestID, "error", err)
			}
		}
	}
}

func recordFromEvent(e events.Event) Record {
	str := func(k string) string {
		s, _ := e.Data[k].(string)
		return s
	}
	return Record{
		Timestamp:    e.Timestamp,
		RequestID:    str("request_id"),
		SessionKey:   str("session"),
		Channel:      str("channel"),
		Model:        str("model"),
		InputTokens:  int(number(e.Data["total_tokens_in"])),
		OutputTokens: int(number(e.Data["total_tokens_out"])),
		Iterations:   int(number(e.Data["iterations"])),
		ElapsedMS:    number(e.Data["elapsed_ms"]),
	}
}

func number(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
