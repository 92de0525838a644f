package fal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/yak/internal/events"
	"github.com/nugget/yak/internal/jobs"
	"github.com/nugget/yak/internal/storage"
)

// Default model endpoints.
const (
	DefaultTextModel  = "fal-ai/kling-video/o3/pro/text-to-video"
	DefaultImageModel = "fal-ai/kling-video/v3/pro/image-to-video"
)

// ErrInvalidRequest wraps every parameter validation failure.
var ErrInvalidRequest = errors.New("invalid video request")

// AspectRatios lists the accepted aspect ratios.
var AspectRatios = []string{"16:9", "9:16", "1:1"}

// Duration bounds in seconds.
const (
	MinDuration = 3
	MaxDuration = 15
)

// VideoMediaFields is where fal puts generated video in a result.
var VideoMediaFields = []string{"video", "videos"}

// AssetStore persists downloaded media.
type AssetStore interface {
	Store(ctx context.Context, req storage.StoreRequest) (*storage.Asset, error)
}

// VideoRequest describes one generation. Zero Duration means 5 seconds
// and an empty AspectRatio means 16:9. A non-empty ImagePath selects
// image-to-video.
type VideoRequest struct {
	Prompt        string
	UserID        string
	SessionID     string
	Duration      int
	AspectRatio   string
	ImagePath     string
	Model         string
	GenerateAudio bool
}

// VideoResult is the normalized outcome of a generation.
type VideoResult struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	RemoteURL string `json:"remote_url"`
	AssetID   string `json:"asset_id"`
	FilePath  string `json:"file_path"`
}

// VideoConfig configures a [VideoService].
type VideoConfig struct {
	TextModel    string
	ImageModel   string
	PollInterval time.Duration
	Timeout      time.Duration
}

// VideoService generates videos through the fal queue and stores them
// as assets.
type VideoService struct {
	client     *Client
	runner     *jobs.Runner
	assets     AssetStore
	textModel  string
	imageModel string
}

// NewVideoService wires a queue client, an asset store and polling
// parameters together.
func NewVideoService(client *Client, assets AssetStore, cfg VideoConfig, logger *slog.Logger, bus *events.Bus) *VideoService {
	if cfg.TextModel == "" {
		cfg.TextModel = DefaultTextModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = DefaultImageModel
	}
	return &VideoService{
		client:     client,
		runner:     jobs.NewRunner(client, cfg.PollInterval, cfg.Timeout, logger, bus),
		assets:     assets,
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
	}
}

// Runner exposes the job runner, mainly so tests can replace its
// sleep.
func (s *VideoService) Runner() *jobs.Runner { return s.runner }

// ValidateVideoParams checks the parameters shared by every video
// request.
func ValidateVideoParams(prompt string, duration int, aspect string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if duration < MinDuration || duration > MaxDuration {
		return fmt.Errorf("%w: duration must be between %d and %d seconds", ErrInvalidRequest, MinDuration, MaxDuration)
	}
	for _, a := range AspectRatios {
		if a == aspect {
			return nil
		}
	}
	return fmt.Errorf("%w: aspect_ratio must be one of: %s", ErrInvalidRequest, strings.Join(AspectRatios, ", "))
}

// Generate submits the request, waits for it, downloads the video and
// stores it.
func (s *VideoService) Generate(ctx context.Context, req VideoRequest) (*VideoResult, error) {
	if req.Duration == 0 {
		req.Duration = 5
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "16:9"
	}
	if err := ValidateVideoParams(req.Prompt, req.Duration, req.AspectRatio); err != nil {
		return nil, err
	}
	if !s.client.Configured() {
		return nil, ErrMissingKey
	}

	model := req.Model
	if model == "" {
		model = s.textModel
		if req.ImagePath != "" {
			model = s.imageModel
		}
	}

	payload := map[string]any{
		"prompt":         req.Prompt,
		"duration":       fmt.Sprint(req.Duration),
		"aspect_ratio":   req.AspectRatio,
		"generate_audio": req.GenerateAudio,
	}
	if req.ImagePath != "" {
		uri, err := ImageDataURI(req.ImagePath)
		if err != nil {
			return nil, err
		}
		payload["start_image_url"] = uri
	}

	var stored *storage.Asset
	sink := jobs.SinkFunc(func(ctx context.Context, data []byte, h jobs.Handle) (string, error) {
		var imagePath any
		if req.ImagePath != "" {
			imagePath = req.ImagePath
		}
		a, err := s.assets.Store(ctx, storage.StoreRequest{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			AssetType: "video",
			Ext:       "mp4",
			Data:      data,
			Prompt:    req.Prompt,
			Model:     h.Model,
			Params: map[string]any{
				"request_id":     h.RequestID,
				"duration":       req.Duration,
				"aspect_ratio":   req.AspectRatio,
				"image_path":     imagePath,
				"generate_audio": req.GenerateAudio,
			},
		})
		if err != nil {
			return "", err
		}
		stored = a
		return a.ID, nil
	})

	res, err := s.runner.Run(ctx, jobs.Job{Model: model, Payload: payload, MediaFields: VideoMediaFields}, sink)
	if err != nil {
		return nil, err
	}

	return &VideoResult{
		RequestID: res.Handle.RequestID,
		Model:     res.Handle.Model,
		RemoteURL: res.RemoteURL,
		AssetID:   stored.ID,
		FilePath:  stored.FilePath,
	}, nil
}
