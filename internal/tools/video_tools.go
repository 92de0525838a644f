package tools

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nugget/yak/internal/bus"
	"github.com/nugget/yak/internal/fal"
)

// VideoGenerator produces and stores a video.
type VideoGenerator interface {
	Generate(ctx context.Context, req fal.VideoRequest) (*fal.VideoResult, error)
}

// Publisher delivers outbound messages to channels.
type Publisher interface {
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) error
}

// SetVideoGenerator registers generate_video.
func (r *Registry) SetVideoGenerator(gen VideoGenerator) {
	r.Register(&Tool{
		Name:        "generate_video",
		Description: "Generate a video from text (or an optional start image) using fal.ai and store it in Yak local storage.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":         map[string]any{"type": "string", "minLength": 1},
				"image_path":     map[string]any{"type": "string", "description": "Local image to animate. Selects the image-to-video model."},
				"duration":       map[string]any{"type": "integer", "minimum": fal.MinDuration, "maximum": fal.MaxDuration},
				"aspect_ratio":   map[string]any{"type": "string", "enum": fal.AspectRatios},
				"model_id":       map[string]any{"type": "string"},
				"generate_audio": map[string]any{"type": "boolean"},
				"user_id":        map[string]any{"type": "string"},
				"session_id":     map[string]any{"type": "string"},
			},
			"required": []string{"prompt"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			turn := TurnFromContext(ctx)
			req := fal.VideoRequest{
				Prompt:        stringArg(args, "prompt"),
				ImagePath:     stringArg(args, "image_path"),
				Duration:      intArg(args, "duration", 5),
				AspectRatio:   stringArg(args, "aspect_ratio"),
				Model:         stringArg(args, "model_id"),
				GenerateAudio: boolArg(args, "generate_audio"),
				UserID:        firstNonEmpty(stringArg(args, "user_id"), turn.UserID),
				SessionID:     firstNonEmpty(stringArg(args, "session_id"), turn.SessionKey),
			}
			res, err := gen.Generate(ctx, req)
			if err != nil {
				return "", err
			}
			return toJSON(map[string]any{
				"status":     "ok",
				"request_id": res.RequestID,
				"model":      res.Model,
				"remote_url": res.RemoteURL,
				"asset_id":   res.AssetID,
				"file_path":  res.FilePath,
			})
		},
	})
}

type sentTarget struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// SetPublisher registers the tools that push content to channels:
// send_video and message. A nil publisher still registers them so the
// model gets a clear answer instead of an unknown-tool error.
func (r *Registry) SetPublisher(pub Publisher) {
	r.Register(&Tool{
		Name:        "send_video",
		Description: "Send a local video file to the current chat or selected channels.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "minLength": 1},
				"caption":   map[string]any{"type": "string"},
				"channels": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional list of channels to send to. Defaults to the current channel.",
				},
				"chat_id": map[string]any{"type": "string"},
				"chat_ids": map[string]any{
					"type":        "object",
					"description": "Optional channel to chat_id mapping for multi-channel sends.",
				},
			},
			"required": []string{"file_path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if pub == nil {
				return "Error: Video sending not configured", nil
			}
			return sendVideo(ctx, pub, args)
		},
	})

	r.Register(&Tool{
		Name:        "message",
		Description: "Send a text message to a channel and chat. Defaults to the current conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{"type": "string", "description": "The message text"},
				"channel": map[string]any{"type": "string", "description": "Target channel (default: current)"},
				"chat_id": map[string]any{"type": "string", "description": "Target chat (default: current)"},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if pub == nil {
				return "Error: Message sending not configured", nil
			}
			turn := TurnFromContext(ctx)
			channel := firstNonEmpty(stringArg(args, "channel"), turn.Channel)
			chatID := firstNonEmpty(stringArg(args, "chat_id"), turn.ChatID)
			if channel == "" || chatID == "" {
				return "Error: No target channel/chat specified", nil
			}
			err := pub.PublishOutbound(ctx, bus.OutboundMessage{
				Channel: channel,
				ChatID:  chatID,
				Content: stringArg(args, "content"),
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Message sent to %s:%s", channel, chatID), nil
		},
	})
}

func sendVideo(ctx context.Context, pub Publisher, args map[string]any) (string, error) {
	filePath := stringArg(args, "file_path")
	if filePath == "" {
		return "", fmt.Errorf("file_path is required")
	}
	caption, _ := args["caption"].(string)

	turn := TurnFromContext(ctx)
	targets := stringSliceArg(args, "channels")
	if len(targets) == 0 && turn.Channel != "" {
		targets = []string{turn.Channel}
	}
	if len(targets) == 0 {
		return "Error: No target channel provided", nil
	}

	chatIDs := stringMapArg(args, "chat_ids")
	chatID := stringArg(args, "chat_id")

	sent := []sentTarget{}
	errs := []string{}
	for _, ch := range targets {
		target := chatIDs[ch]
		if target == "" {
			target = chatID
		}
		if target == "" && ch == turn.Channel {
			target = turn.ChatID
		}
		if target == "" {
			errs = append(errs, fmt.Sprintf("Missing chat_id for channel '%s'", ch))
			continue
		}

		err := pub.PublishOutbound(ctx, bus.OutboundMessage{
			Channel:     ch,
			ChatID:      target,
			Content:     caption,
			MessageType: bus.TypeVideo,
			Attachments: []bus.MediaAttachment{{
				Type:     bus.TypeVideo,
				Path:     filePath,
				Filename: filepath.Base(filePath),
				Caption:  caption,
			}},
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch, err))
			continue
		}
		sent = append(sent, sentTarget{Channel: ch, ChatID: target})
	}

	status := "error"
	switch {
	case len(sent) > 0 && len(errs) == 0:
		status = "ok"
	case len(sent) > 0:
		status = "partial"
	}
	return toJSON(map[string]any{"status": status, "sent": sent, "errors": errs})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
