// Package fal talks to the fal.ai queue API and wraps it in a video
// generation service.
package fal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/yak/internal/httpkit"
	"github.com/nugget/yak/internal/jobs"
)

// ErrMissingKey is returned before any request when no API key is set.
var ErrMissingKey = errors.New("FAL_KEY is not configured")

// DefaultQueueURL is the public fal.ai queue endpoint.
const DefaultQueueURL = "https://queue.fal.run"

// APIError is a non-2xx answer from fal.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fal %s failed (%d): %s", e.Op, e.StatusCode, e.Body)
}

// Client implements [jobs.Queue] against the fal.ai queue API.
type Client struct {
	queueURL         string
	apiKey           string
	lifecycleSeconds int
	http             *http.Client
	download         *http.Client
	logger           *slog.Logger
}

// Config configures a [Client].
type Config struct {
	APIKey   string
	QueueURL string
	// ObjectLifecycleSeconds asks fal to expire generated media after
	// this many seconds. Zero leaves fal's default.
	ObjectLifecycleSeconds int
}

// NewClient creates a queue client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.QueueURL == "" {
		cfg.QueueURL = DefaultQueueURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		queueURL:         strings.TrimRight(cfg.QueueURL, "/"),
		apiKey:           strings.TrimSpace(cfg.APIKey),
		lifecycleSeconds: cfg.ObjectLifecycleSeconds,
		http:             httpkit.NewClient(httpkit.WithTimeout(120*time.Second), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger)),
		download:         httpkit.NewClient(httpkit.WithTimeout(300 * time.Second)),
		logger:           logger,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

func (c *Client) headers(h http.Header) error {
	if c.apiKey == "" {
		return ErrMissingKey
	}
	h.Set("Authorization", "Key "+c.apiKey)
	h.Set("Content-Type", "application/json")
	if c.lifecycleSeconds > 0 {
		h.Set("X-Fal-Object-Lifecycle-Preference", fmt.Sprintf(`{"expiration_duration_seconds": %d}`, c.lifecycleSeconds))
	}
	return nil
}

func (c *Client) modelURL(model string) string {
	return c.queueURL + "/" + strings.TrimLeft(model, "/")
}

// do sends an authenticated request and decodes a JSON object reply.
// The raw response is returned alongside so callers can inspect the
// status code.
func (c *Client) do(ctx context.Context, op, method, url string, body any) (map[string]any, int, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, 0, fmt.Errorf("create %s request: %w", op, err)
	}
	if err := c.headers(req.Header); err != nil {
		return nil, 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fal %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, resp.StatusCode, &APIError{Op: op, StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 300)}
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode fal %s response: %w", op, err)
	}
	return out, resp.StatusCode, nil
}

// Submit posts payload to the model's queue.
func (c *Client) Submit(ctx context.Context, model string, payload any) (jobs.Submission, error) {
	body, _, err := c.do(ctx, "submit", http.MethodPost, c.modelURL(model), payload)
	if err != nil {
		return jobs.Submission{}, err
	}
	id := stringField(body, "request_id")
	if id == "" {
		return jobs.Submission{}, jobs.ErrNoRequestID
	}
	c.logger.Debug("fal request queued", "model", model, "request_id", id)
	return jobs.Submission{
		RequestID:   id,
		Model:       model,
		StatusURL:   stringField(body, "status_url"),
		ResponseURL: stringField(body, "response_url"),
	}, nil
}

func (c *Client) requestURL(sub jobs.Submission) string {
	return c.modelURL(sub.Model) + "/requests/" + sub.RequestID
}

// Status returns the queue status of sub. Routes that reject the
// /status endpoint with 405 are polled on the request URL instead,
// where a present "response" implies completion.
func (c *Client) Status(ctx context.Context, sub jobs.Submission) (string, error) {
	statusURL := sub.StatusURL
	if statusURL == "" {
		statusURL = c.requestURL(sub) + "/status"
	}
	body, code, err := c.do(ctx, "status", http.MethodGet, withLogs(statusURL), nil)
	if code == http.StatusMethodNotAllowed {
		body, _, err = c.do(ctx, "status fallback", http.MethodGet, withLogs(c.requestURL(sub)), nil)
		if err != nil {
			return "", err
		}
		if _, ok := body["status"]; !ok {
			if truthy(body["response"]) {
				return string(jobs.StatusCompleted), nil
			}
			return string(jobs.StatusInProgress), nil
		}
	}
	if err != nil {
		return "", err
	}
	return stringField(body, "status"), nil
}

// Result fetches the completed request's output document.
func (c *Client) Result(ctx context.Context, sub jobs.Submission) (map[string]any, error) {
	url := sub.ResponseURL
	if url == "" {
		url = c.requestURL(sub)
	}
	body, _, err := c.do(ctx, "result", http.MethodGet, url, nil)
	return body, err
}

// Download fetches generated media. Media URLs are public CDN links,
// so no credentials are sent.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fal media download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{Op: "media download", StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 300)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	return data, nil
}

func withLogs(url string) string {
	if strings.Contains(url, "?") {
		return url + "&logs=1"
	}
	return url + "?logs=1"
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}

// ImageDataURI reads an image file and encodes it as a data URI. The
// MIME type comes from the extension, defaulting to image/png.
func ImageDataURI(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("image file not found: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = "image/png"
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
