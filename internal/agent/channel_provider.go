package agent

import (
	"context"

	"github.com/nugget/yak/internal/tools"
)

// channelNotes maps channel names to system prompt notes describing how
// replies on that channel are read.
var channelNotes = map[string]string{
	"email": "[Channel: email. Your reply is sent as an email in the same thread. " +
		"Write complete sentences; markdown is rendered to HTML. " +
		"Do not add a subject line or signature.]",
	"whatsapp": "[Channel: WhatsApp. Messages are read on a phone. " +
		"Keep replies short and avoid tables and long code blocks.]",
	"discord": "[Channel: Discord. Markdown renders. Videos you generate are " +
		"uploaded to the chat automatically.]",
	"cli": "[Channel: terminal. Plain text; markdown is shown verbatim.]",
}

// ChannelProvider is a ContextProvider that injects channel-specific
// notes into the system prompt based on the channel of the current
// turn. Unknown channels get no note.
type ChannelProvider struct{}

// NewChannelProvider creates a channel awareness context provider.
func NewChannelProvider() *ChannelProvider {
	return &ChannelProvider{}
}

// GetContext returns the note for the turn's channel, or "".
func (p *ChannelProvider) GetContext(ctx context.Context, _ string) (string, error) {
	return channelNotes[tools.TurnFromContext(ctx).Channel], nil
}
