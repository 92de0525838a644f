package tools

import "context"

type contextKey string

const turnKey contextKey = "turn"

// Turn identifies where the message being handled came from. Tools read
// it to default their routing and storage partitioning.
type Turn struct {
	Channel    string
	ChatID     string
	SessionKey string
	UserID     string
	// MessageID is the inbound message's id on its channel, if any.
	MessageID string
}

// WithTurn attaches the turn to the context.
func WithTurn(ctx context.Context, t Turn) context.Context {
	return context.WithValue(ctx, turnKey, t)
}

// TurnFromContext extracts the turn from the context. Missing fields
// fall back to "default" for the user and session, matching how
// assets are partitioned outside a conversation.
func TurnFromContext(ctx context.Context) Turn {
	t, _ := ctx.Value(turnKey).(Turn)
	if t.UserID == "" {
		t.UserID = "default"
	}
	if t.SessionKey == "" {
		t.SessionKey = "default"
	}
	return t
}
