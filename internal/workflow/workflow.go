// Package workflow runs the text → image → video pipeline: a still is
// rendered by the local image server, then animated through the fal
// image-to-video queue. Each stage has its own time budget.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/yak/internal/events"
	"github.com/nugget/yak/internal/fal"
	"github.com/nugget/yak/internal/httpkit"
	"github.com/nugget/yak/internal/jobs"
	"github.com/nugget/yak/internal/storage"
)

// ErrInvalidParams wraps parameter validation failures.
var ErrInvalidParams = errors.New("invalid workflow parameters")

// Default models and budgets.
const (
	DefaultImageModel   = "black-forest-labs/FLUX.2-klein-9B"
	DefaultImageTimeout = 600 * time.Second
	DefaultVideoTimeout = 900 * time.Second
)

const motionDirective = "Animate this exact image immediately. " +
	"Preserve character identity, species, scene composition, and visual style. " +
	"Use smooth, believable motion with subtle camera movement and no hard cuts. " +
	"Do not redraw or replace subjects; motion only."

// Params are the inputs of one run. Zero values take the defaults
// listed in [DefaultParams].
type Params struct {
	Prompt        string
	VideoPrompt   string
	Style         string
	UserID        string
	SessionID     string
	Width         int
	Height        int
	Steps         int
	Seed          int
	GuidanceScale float64
	Duration      int
	AspectRatio   string
}

// DefaultParams returns the pipeline defaults.
func DefaultParams() Params {
	return Params{
		Width:         768,
		Height:        768,
		Steps:         4,
		Seed:          7,
		GuidanceScale: 1.0,
		Duration:      5,
		AspectRatio:   "1:1",
	}
}

// Result describes the files a run produced.
type Result struct {
	Status     string `json:"status"`
	ImagePath  string `json:"image_path"`
	VideoPath  string `json:"video_path"`
	RequestID  string `json:"request_id"`
	RemoteURL  string `json:"remote_url"`
	ImageModel string `json:"image_model"`
	VideoModel string `json:"video_model"`
}

// Config configures a [Pipeline].
type Config struct {
	// StorageRoot is the directory the image server writes into; the
	// image path is sent to it relative to this root.
	StorageRoot    string
	ImageServerURL string
	ImageModel     string
	VideoModel     string
	ImageTimeout   time.Duration
	VideoTimeout   time.Duration
	PollInterval   time.Duration
}

// Pipeline runs workflows. It is safe for concurrent use.
type Pipeline struct {
	cfg    Config
	http   *http.Client
	runner *jobs.Runner
	keyed  func() bool
	logger *slog.Logger
	now    func() time.Time
}

// New creates a pipeline that animates through queue.
func New(cfg Config, queue *fal.Client, logger *slog.Logger, bus *events.Bus) *Pipeline {
	if cfg.ImageModel == "" {
		cfg.ImageModel = DefaultImageModel
	}
	if cfg.VideoModel == "" {
		cfg.VideoModel = fal.DefaultImageModel
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = DefaultImageTimeout
	}
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = DefaultVideoTimeout
	}
	cfg.ImageServerURL = strings.TrimRight(cfg.ImageServerURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg: cfg,
		// The image stage is bounded by a context deadline.
		http:   httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
		runner: jobs.NewRunner(queue, cfg.PollInterval, cfg.VideoTimeout, logger, bus),
		keyed:  queue.Configured,
		logger: logger,
		now:    time.Now,
	}
}

// Runner exposes the video stage's job runner.
func (p *Pipeline) Runner() *jobs.Runner { return p.runner }

// ImageModel returns the model reported for the image stage.
func (p *Pipeline) ImageModel() string { return p.cfg.ImageModel }

// Run renders the still and animates it.
func (p *Pipeline) Run(ctx context.Context, params Params) (*Result, error) {
	if err := fal.ValidateVideoParams(params.Prompt, params.Duration, params.AspectRatio); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if !p.keyed() {
		return nil, fal.ErrMissingKey
	}

	dir := filepath.Join(p.cfg.StorageRoot, "workflows", storage.SafeSegment(params.UserID), storage.SafeSegment(params.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow dir: %w", err)
	}
	ts := p.now().UTC().Format("20060102T150405Z")
	imagePath := filepath.Join(dir, ts+"_workflow_image.png")
	videoPath := filepath.Join(dir, ts+"_workflow_video.mp4")

	start := time.Now()
	if err := p.generateImage(ctx, params, imagePath); err != nil {
		return nil, err
	}
	p.logger.Info("workflow image ready", "path", imagePath, "elapsed", time.Since(start).Round(time.Millisecond))

	res, err := p.animate(ctx, params, imagePath, videoPath)
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:     "ok",
		ImagePath:  imagePath,
		VideoPath:  videoPath,
		RequestID:  res.Handle.RequestID,
		RemoteURL:  res.RemoteURL,
		ImageModel: p.cfg.ImageModel,
		VideoModel: p.cfg.VideoModel,
	}, nil
}

type imageRequest struct {
	Prompt        string  `json:"prompt"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Steps         int     `json:"steps"`
	Seed          int     `json:"seed"`
	GuidanceScale float64 `json:"guidance_scale"`
	OutputRelpath string  `json:"output_relpath"`
	Style         string  `json:"style,omitempty"`
}

// generateImage asks the image server to render into path, which must
// sit under the storage root the server shares with us.
func (p *Pipeline) generateImage(ctx context.Context, params Params, path string) error {
	rel, err := filepath.Rel(p.cfg.StorageRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("image path %s is outside storage root %s", path, p.cfg.StorageRoot)
	}

	body, err := json.Marshal(imageRequest{
		Prompt:        params.Prompt,
		Width:         params.Width,
		Height:        params.Height,
		Steps:         params.Steps,
		Seed:          params.Seed,
		GuidanceScale: params.GuidanceScale,
		OutputRelpath: filepath.ToSlash(rel),
		Style:         params.Style,
	})
	if err != nil {
		return fmt.Errorf("marshal image request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ImageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ImageServerURL+"/generate_image", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("image generation timed out after %s", p.cfg.ImageTimeout)
		}
		return fmt.Errorf("flux_server request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("flux_server error (%d): %s", resp.StatusCode, httpkit.ReadErrorMessage(resp.Body, 400))
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("flux_server reported success but file not found: %s", path)
	}
	return nil
}

// Ping checks that the image server answers its health endpoint.
func (p *Pipeline) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.ImageServerURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("flux_server unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4<<10)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flux_server health returned %d", resp.StatusCode)
	}
	return nil
}

// MotionPrompt builds the image-to-video prompt from the video prompt,
// or the image prompt when none was given.
func MotionPrompt(prompt, videoPrompt string) string {
	base := strings.TrimSpace(videoPrompt)
	if base == "" {
		base = strings.TrimSpace(prompt)
	}
	return base + ". " + motionDirective
}

func (p *Pipeline) animate(ctx context.Context, params Params, imagePath, videoPath string) (*jobs.Result, error) {
	uri, err := fal.ImageDataURI(imagePath)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"prompt":          MotionPrompt(params.Prompt, params.VideoPrompt),
		"start_image_url": uri,
		"duration":        fmt.Sprint(params.Duration),
		"aspect_ratio":    params.AspectRatio,
		"generate_audio":  false,
	}

	sink := jobs.SinkFunc(func(_ context.Context, data []byte, _ jobs.Handle) (string, error) {
		if err := os.WriteFile(videoPath, data, 0o644); err != nil {
			return "", fmt.Errorf("write video: %w", err)
		}
		return videoPath, nil
	})

	return p.runner.Run(ctx, jobs.Job{Model: p.cfg.VideoModel, Payload: payload, MediaFields: fal.VideoMediaFields}, sink)
}
