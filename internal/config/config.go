// Package config handles Yak configuration loading.
//
// Configuration comes from a YAML file (optional), with ${VAR}
// references expanded from the environment, followed by an overlay of
// well-known environment variables (see [ApplyEnv]). Values that are
// still unset after both passes receive the defaults in [Default].
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/yak/config.yaml, /etc/yak/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "yak", "config.yaml"))
	}

	paths = append(paths, "/etc/yak/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise DefaultSearchPaths is searched and the first existing
// file is returned. An empty path with a nil error means no config file
// exists and the caller should run on defaults plus environment.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Config holds all Yak configuration.
type Config struct {
	// DataDir holds every persistent file: SQLite databases, stored
	// assets, workflow output, and the provider diagnostic dump.
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	LogFile   LogFileConfig `yaml:"log_file"`

	Ollama     OllamaConfig     `yaml:"ollama"`
	Agent      AgentConfig      `yaml:"agent"`
	Exec       ExecConfig       `yaml:"exec"`
	Fal        FalConfig        `yaml:"fal"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Channels   ChannelsConfig   `yaml:"channels"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Listen     ListenConfig     `yaml:"listen"`
	Cron       []CronJobConfig  `yaml:"cron"`
}

// LogFileConfig enables a rotating log file in addition to stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// OllamaConfig configures the chat provider and model failover.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// FallbackModel replaces Model for a session after
	// ToolFailoverThreshold consecutive tool failures. Empty disables
	// failover.
	FallbackModel         string  `yaml:"fallback_model"`
	ToolFailoverThreshold int     `yaml:"tool_failover_threshold"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	NumPredict            int     `yaml:"num_predict"`
	Temperature           float64 `yaml:"temperature"`
}

// AgentConfig tunes the conversation orchestrator.
type AgentConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// MediaChannels lists channels that can carry video attachments.
	// Work acknowledgements and media summaries are only sent there.
	MediaChannels []string `yaml:"media_channels"`
	// PersonaFile is an optional markdown file prepended to the system
	// prompt.
	PersonaFile string `yaml:"persona_file"`
	// HistoryLimit caps how many persisted messages are replayed into
	// each turn.
	HistoryLimit int `yaml:"history_limit"`
	// SessionIdleSeconds is how long a per-session worker waits for the
	// next message before exiting.
	SessionIdleSeconds int `yaml:"session_idle_seconds"`
	// Workspace confines the file and exec tools. Defaults to
	// <data_dir>/workspace.
	Workspace string `yaml:"workspace"`
}

// ExecConfig controls the shell tool. It is off unless enabled.
type ExecConfig struct {
	Enabled        bool     `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	DeniedPatterns []string `yaml:"denied_patterns"`
}

// FalConfig configures the fal.ai queue client.
type FalConfig struct {
	APIKey                 string  `yaml:"api_key"`
	QueueURL               string  `yaml:"queue_url"`
	TextModel              string  `yaml:"text_model"`
	ImageModel             string  `yaml:"image_model"`
	PollIntervalSeconds    float64 `yaml:"poll_interval_seconds"`
	TimeoutSeconds         float64 `yaml:"timeout_seconds"`
	ObjectLifecycleSeconds int     `yaml:"object_lifecycle_seconds"`
}

// WorkflowConfig configures the text → image → video pipeline.
type WorkflowConfig struct {
	ImageServerURL      string  `yaml:"image_server_url"`
	ImageModel          string  `yaml:"image_model"`
	ImageTimeoutSeconds float64 `yaml:"image_timeout_seconds"`
	VideoTimeoutSeconds float64 `yaml:"video_timeout_seconds"`
	// StyleSuffix is appended to every workflow prompt. StyleSuffixPath
	// loads it from a file instead; inline text wins.
	StyleSuffix     string `yaml:"style_suffix"`
	StyleSuffixPath string `yaml:"style_suffix_path"`
}

// EmbeddingsConfig selects the embedding backend for retrieval.
type EmbeddingsConfig struct {
	Backend        string `yaml:"backend"` // auto, ollama, hash
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	Dim            int    `yaml:"dim"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CalendarConfig points the read-only calendar tool at a CalDAV server.
type CalendarConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Calendar selects one calendar by display name or path; empty
	// reads every event calendar of the principal.
	Calendar string `yaml:"calendar"`
	// Timezone is an IANA name used for floating and all-day times.
	Timezone string `yaml:"timezone"`
}

// Configured reports whether a CalDAV endpoint is set.
func (c CalendarConfig) Configured() bool { return c.URL != "" }

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	Email  EmailConfig  `yaml:"email"`
	Bridge BridgeConfig `yaml:"bridge"`
}

// EmailConfig configures the IMAP/SMTP email channel.
type EmailConfig struct {
	Enabled             bool   `yaml:"enabled"`
	IMAPHost            string `yaml:"imap_host"`
	IMAPPort            int    `yaml:"imap_port"`
	IMAPUsername        string `yaml:"imap_username"`
	IMAPPassword        string `yaml:"imap_password"`
	Mailbox             string `yaml:"mailbox"`
	SMTPHost            string `yaml:"smtp_host"`
	SMTPPort            int    `yaml:"smtp_port"`
	SMTPUsername        string `yaml:"smtp_username"`
	SMTPPassword        string `yaml:"smtp_password"`
	FromAddress         string `yaml:"from_address"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	// LeaveUnseen skips setting \Seen on processed messages.
	LeaveUnseen   bool   `yaml:"leave_unseen"`
	MaxBodyChars  int    `yaml:"max_body_chars"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// AllowFrom lists sender addresses accepted by the channel.
	// AllowFromVCard adds every EMAIL of a vCard file. Both empty
	// means any sender is accepted.
	AllowFrom      []string `yaml:"allow_from"`
	AllowFromVCard string   `yaml:"allow_from_vcard"`
}

// BridgeConfig configures the WebSocket messaging bridge channel.
type BridgeConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allow_from"`
}

// MQTTConfig configures the status publisher. Empty Broker disables it.
type MQTTConfig struct {
	Broker                 string `yaml:"broker"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	DeviceName             string `yaml:"device_name"`
	TopicPrefix            string `yaml:"topic_prefix"`
	PublishIntervalSeconds int    `yaml:"publish_interval_seconds"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// ListenConfig defines the HTTP API listener. Port 0 disables the API.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// CronJobConfig delivers Message to the agent on Schedule as a system
// message addressed to Channel/ChatID.
type CronJobConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Message  string `yaml:"message"`
	Channel  string `yaml:"channel"`
	ChatID   string `yaml:"chat_id"`
}

// Load reads configuration from a YAML file, applies the environment
// overlay and defaults, and validates the result. An empty path skips
// the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.yak"
	}
	c.DataDir = ExpandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	o := &c.Ollama
	if o.BaseURL == "" {
		o.BaseURL = "http://127.0.0.1:11434"
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Model == "" {
		o.Model = "qwen3:8b"
	}
	if o.ToolFailoverThreshold < 1 {
		o.ToolFailoverThreshold = 3
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.NumPredict <= 0 {
		o.NumPredict = 4096
	}
	if o.Temperature == 0 {
		o.Temperature = 0.7
	}

	a := &c.Agent
	if a.MaxToolIterations <= 0 {
		a.MaxToolIterations = 20
	}
	if a.MediaChannels == nil {
		a.MediaChannels = []string{"discord", "whatsapp", "email"}
	}
	if a.HistoryLimit <= 0 {
		a.HistoryLimit = 50
	}
	if a.SessionIdleSeconds <= 0 {
		a.SessionIdleSeconds = 300
	}
	if a.Workspace == "" {
		a.Workspace = filepath.Join(c.DataDir, "workspace")
	}
	a.Workspace = ExpandHome(a.Workspace)
	a.PersonaFile = ExpandHome(a.PersonaFile)

	if c.Exec.TimeoutSeconds <= 0 {
		c.Exec.TimeoutSeconds = 30
	}

	f := &c.Fal
	if f.QueueURL == "" {
		f.QueueURL = "https://queue.fal.run"
	}
	f.QueueURL = strings.TrimRight(f.QueueURL, "/")
	if f.TextModel == "" {
		f.TextModel = "fal-ai/kling-video/o3/pro/text-to-video"
	}
	if f.ImageModel == "" {
		f.ImageModel = "fal-ai/kling-video/v3/pro/image-to-video"
	}
	if f.PollIntervalSeconds <= 0 {
		f.PollIntervalSeconds = 2
	}
	if f.TimeoutSeconds <= 0 {
		f.TimeoutSeconds = 600
	}

	w := &c.Workflow
	if w.ImageServerURL == "" {
		w.ImageServerURL = "http://127.0.0.1:8010"
	}
	w.ImageServerURL = strings.TrimRight(w.ImageServerURL, "/")
	if w.ImageModel == "" {
		w.ImageModel = "black-forest-labs/FLUX.2-klein-9B"
	}
	if w.ImageTimeoutSeconds <= 0 {
		w.ImageTimeoutSeconds = 600
	}
	if w.VideoTimeoutSeconds <= 0 {
		w.VideoTimeoutSeconds = 900
	}

	e := &c.Embeddings
	if e.Backend == "" {
		e.Backend = "auto"
	}
	if e.Model == "" {
		e.Model = "nemotron-mini"
	}
	if e.BaseURL == "" {
		e.BaseURL = o.BaseURL
	}
	if e.Dim <= 0 {
		e.Dim = 256
	}
	if e.TimeoutSeconds <= 0 {
		e.TimeoutSeconds = 15
	}

	m := &c.Channels.Email
	if m.IMAPPort == 0 {
		m.IMAPPort = 993
	}
	if m.Mailbox == "" {
		m.Mailbox = "INBOX"
	}
	if m.SMTPPort == 0 {
		m.SMTPPort = 587
	}
	if m.PollIntervalSeconds <= 0 {
		m.PollIntervalSeconds = 30
	}
	if m.MaxBodyChars <= 0 {
		m.MaxBodyChars = 12000
	}
	if m.SubjectPrefix == "" {
		m.SubjectPrefix = "Re: "
	}
	if m.FromAddress == "" {
		m.FromAddress = m.SMTPUsername
	}

	b := &c.Channels.Bridge
	if b.Name == "" {
		b.Name = "whatsapp"
	}
	if b.URL == "" {
		b.URL = "ws://localhost:3001"
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "yak"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "yak"
	}
	if c.MQTT.PublishIntervalSeconds <= 0 {
		c.MQTT.PublishIntervalSeconds = 60
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	switch c.Embeddings.Backend {
	case "auto", "ollama", "hash":
	default:
		return fmt.Errorf("embeddings.backend %q invalid (valid: auto, ollama, hash)", c.Embeddings.Backend)
	}
	if m := c.Channels.Email; m.Enabled {
		if m.IMAPHost == "" || m.SMTPHost == "" {
			return fmt.Errorf("channels.email: imap_host and smtp_host are required when enabled")
		}
		if m.FromAddress == "" {
			return fmt.Errorf("channels.email: from_address is required when enabled")
		}
	}
	if tz := c.Calendar.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("calendar.timezone: %w", err)
		}
	}
	for i, j := range c.Cron {
		if j.Schedule == "" || j.Message == "" {
			return fmt.Errorf("cron[%d]: schedule and message are required", i)
		}
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// DiagnosticPath is where the chat provider dumps the payload of the
// last request that hit an upstream parse failure.
func (c *Config) DiagnosticPath() string {
	return filepath.Join(c.DataDir, "last_ollama_parser_error.json")
}
