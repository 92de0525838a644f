package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// DotEnvPaths returns the .env files consulted at startup, in priority
// order: ./.env, then ~/.yak/.env.
func DotEnvPaths() []string {
	paths := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".yak", ".env"))
	}
	return paths
}

// LoadDotEnv loads every existing file in paths into the process
// environment. Variables already set are never overridden, so earlier
// files and the real environment win. Returns the files that were
// loaded.
func LoadDotEnv(paths ...string) ([]string, error) {
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// envBinding maps one config field to the environment variables that
// can set it. The first non-empty name wins; canonical YAK_ names come
// before the legacy flat names.
type envBinding struct {
	names []string
	apply func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(name string, dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", name, v)
		}
		*dst(c) = n
		return nil
	}
}

func boolean(name string, dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", name, v)
		}
		*dst(c) = b
		return nil
	}
}

var envBindings = []envBinding{
	{[]string{"YAK_DATA_DIR"}, str(func(c *Config) *string { return &c.DataDir })},
	{[]string{"YAK_LOG_LEVEL"}, str(func(c *Config) *string { return &c.LogLevel })},

	{[]string{"YAK_OLLAMA__BASE_URL", "OLLAMA_BASE_URL"}, str(func(c *Config) *string { return &c.Ollama.BaseURL })},
	{[]string{"YAK_OLLAMA__MODEL", "OLLAMA_MODEL"}, str(func(c *Config) *string { return &c.Ollama.Model })},
	{[]string{"YAK_OLLAMA__FALLBACK_MODEL", "OLLAMA_FALLBACK_MODEL"}, str(func(c *Config) *string { return &c.Ollama.FallbackModel })},
	{[]string{"YAK_OLLAMA__TOOL_FAILOVER_THRESHOLD", "OLLAMA_TOOL_FAILOVER_THRESHOLD"},
		integer("tool_failover_threshold", func(c *Config) *int { return &c.Ollama.ToolFailoverThreshold })},
	{[]string{"YAK_OLLAMA__TIMEOUT_SECONDS", "OLLAMA_TIMEOUT_SECONDS"},
		integer("timeout_seconds", func(c *Config) *int { return &c.Ollama.TimeoutSeconds })},

	{[]string{"YAK_FAL__API_KEY", "FAL_KEY"}, str(func(c *Config) *string { return &c.Fal.APIKey })},
	{[]string{"YAK_IMAGE_SERVER_URL", "YAK_FLUX_SERVER_URL"}, str(func(c *Config) *string { return &c.Workflow.ImageServerURL })},
	{[]string{"YAK_STYLE_SUFFIX"}, str(func(c *Config) *string { return &c.Workflow.StyleSuffix })},
	{[]string{"YAK_STYLE_SUFFIX_PATH"}, str(func(c *Config) *string { return &c.Workflow.StyleSuffixPath })},

	{[]string{"OLLAMA_EMBED_MODEL"}, str(func(c *Config) *string { return &c.Embeddings.Model })},

	{[]string{"YAK_CHANNELS__EMAIL__ENABLED"}, boolean("email.enabled", func(c *Config) *bool { return &c.Channels.Email.Enabled })},
	{[]string{"YAK_CHANNELS__EMAIL__IMAP_HOST", "EMAIL_IMAP_HOST"}, str(func(c *Config) *string { return &c.Channels.Email.IMAPHost })},
	{[]string{"YAK_CHANNELS__EMAIL__IMAP_PORT", "EMAIL_IMAP_PORT"},
		integer("email.imap_port", func(c *Config) *int { return &c.Channels.Email.IMAPPort })},
	{[]string{"YAK_CHANNELS__EMAIL__IMAP_USERNAME", "EMAIL_IMAP_USERNAME", "EMAIL_USERNAME"},
		str(func(c *Config) *string { return &c.Channels.Email.IMAPUsername })},
	{[]string{"YAK_CHANNELS__EMAIL__IMAP_PASSWORD", "EMAIL_IMAP_PASSWORD", "EMAIL_PASSWORD"},
		str(func(c *Config) *string { return &c.Channels.Email.IMAPPassword })},
	{[]string{"YAK_CHANNELS__EMAIL__SMTP_HOST", "EMAIL_SMTP_HOST"}, str(func(c *Config) *string { return &c.Channels.Email.SMTPHost })},
	{[]string{"YAK_CHANNELS__EMAIL__SMTP_PORT", "EMAIL_SMTP_PORT"},
		integer("email.smtp_port", func(c *Config) *int { return &c.Channels.Email.SMTPPort })},
	{[]string{"YAK_CHANNELS__EMAIL__SMTP_USERNAME", "EMAIL_SMTP_USERNAME", "EMAIL_USERNAME"},
		str(func(c *Config) *string { return &c.Channels.Email.SMTPUsername })},
	{[]string{"YAK_CHANNELS__EMAIL__SMTP_PASSWORD", "EMAIL_SMTP_PASSWORD", "EMAIL_PASSWORD"},
		str(func(c *Config) *string { return &c.Channels.Email.SMTPPassword })},

	{[]string{"YAK_CHANNELS__BRIDGE__URL"}, str(func(c *Config) *string { return &c.Channels.Bridge.URL })},
	{[]string{"YAK_CHANNELS__BRIDGE__TOKEN"}, str(func(c *Config) *string { return &c.Channels.Bridge.Token })},

	{[]string{"YAK_EXEC__ENABLED"}, boolean("exec.enabled", func(c *Config) *bool { return &c.Exec.Enabled })},
	{[]string{"YAK_CALENDAR__URL"}, str(func(c *Config) *string { return &c.Calendar.URL })},
	{[]string{"YAK_CALENDAR__PASSWORD"}, str(func(c *Config) *string { return &c.Calendar.Password })},

	{[]string{"YAK_MQTT__BROKER"}, str(func(c *Config) *string { return &c.MQTT.Broker })},
	{[]string{"YAK_MQTT__PASSWORD"}, str(func(c *Config) *string { return &c.MQTT.Password })},
}

// ApplyEnv overlays environment variables onto cfg. getenv is usually
// os.Getenv; tests pass a map lookup. Environment values win over the
// YAML file.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	for _, b := range envBindings {
		for _, name := range b.names {
			v := getenv(name)
			if v == "" {
				continue
			}
			if err := b.apply(cfg, v); err != nil {
				return err
			}
			break
		}
	}
	return nil
}
