package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Ollama.ToolFailoverThreshold != 3 {
		t.Errorf("ToolFailoverThreshold = %d, want 3", cfg.Ollama.ToolFailoverThreshold)
	}
	if cfg.Agent.MaxToolIterations != 20 {
		t.Errorf("MaxToolIterations = %d, want 20", cfg.Agent.MaxToolIterations)
	}
	if cfg.Fal.PollIntervalSeconds != 2 {
		t.Errorf("PollIntervalSeconds = %v, want 2", cfg.Fal.PollIntervalSeconds)
	}
	if cfg.Fal.TimeoutSeconds != 600 || cfg.Workflow.VideoTimeoutSeconds != 900 || cfg.Workflow.ImageTimeoutSeconds != 600 {
		t.Errorf("timeouts = %v/%v/%v, want 600/900/600",
			cfg.Fal.TimeoutSeconds, cfg.Workflow.VideoTimeoutSeconds, cfg.Workflow.ImageTimeoutSeconds)
	}
	if cfg.Fal.QueueURL != "https://queue.fal.run" {
		t.Errorf("QueueURL = %q", cfg.Fal.QueueURL)
	}
	if strings.HasPrefix(cfg.DataDir, "~") {
		t.Errorf("DataDir %q was not expanded", cfg.DataDir)
	}
	if !strings.HasSuffix(cfg.DiagnosticPath(), "last_ollama_parser_error.json") {
		t.Errorf("DiagnosticPath() = %q", cfg.DiagnosticPath())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("fal:\n  api_key: ${YAK_TEST_FAL_KEY}\ndata_dir: "+dir+"\n"), 0600)
	t.Setenv("YAK_TEST_FAL_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Fal.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Fal.APIKey, "secret123")
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("OLLAMA_MODEL", "llama3.1:8b")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Ollama.Model != "llama3.1:8b" {
		t.Errorf("model = %q, want env value", cfg.Ollama.Model)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: chatty\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject an unknown log level")
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(*Config) bool
		wantErr bool
	}{
		{
			name:  "legacy name",
			env:   map[string]string{"OLLAMA_FALLBACK_MODEL": "B"},
			check: func(c *Config) bool { return c.Ollama.FallbackModel == "B" },
		},
		{
			name: "canonical wins over legacy",
			env: map[string]string{
				"YAK_OLLAMA__MODEL": "canonical",
				"OLLAMA_MODEL":      "legacy",
			},
			check: func(c *Config) bool { return c.Ollama.Model == "canonical" },
		},
		{
			name:  "integer",
			env:   map[string]string{"OLLAMA_TOOL_FAILOVER_THRESHOLD": "5"},
			check: func(c *Config) bool { return c.Ollama.ToolFailoverThreshold == 5 },
		},
		{
			name:    "bad integer",
			env:     map[string]string{"OLLAMA_TOOL_FAILOVER_THRESHOLD": "five"},
			wantErr: true,
		},
		{
			name: "single credential email",
			env:  map[string]string{"EMAIL_USERNAME": "me@example.com", "EMAIL_PASSWORD": "pw"},
			check: func(c *Config) bool {
				e := c.Channels.Email
				return e.IMAPUsername == "me@example.com" && e.SMTPUsername == "me@example.com" &&
					e.IMAPPassword == "pw" && e.SMTPPassword == "pw"
			},
		},
		{
			name:  "fal key",
			env:   map[string]string{"FAL_KEY": "k"},
			check: func(c *Config) bool { return c.Fal.APIKey == "k" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			err := ApplyEnv(cfg, func(k string) string { return tt.env[k] })
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(cfg) {
				t.Errorf("ApplyEnv() produced %+v", cfg)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.env")
	second := filepath.Join(dir, "second.env")
	os.WriteFile(first, []byte("YAK_DOTENV_A=one\n"), 0600)
	os.WriteFile(second, []byte("YAK_DOTENV_A=two\nYAK_DOTENV_B=two\n"), 0600)

	t.Setenv("YAK_DOTENV_A", "")
	os.Unsetenv("YAK_DOTENV_A")
	t.Setenv("YAK_DOTENV_B", "")
	os.Unsetenv("YAK_DOTENV_B")

	loaded, err := LoadDotEnv(first, filepath.Join(dir, "missing.env"), second)
	if err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("loaded %d files, want 2", len(loaded))
	}
	if got := os.Getenv("YAK_DOTENV_A"); got != "one" {
		t.Errorf("YAK_DOTENV_A = %q, want first file to win", got)
	}
	if got := os.Getenv("YAK_DOTENV_B"); got != "two" {
		t.Errorf("YAK_DOTENV_B = %q, want %q", got, "two")
	}
}

func TestValidate_Email(t *testing.T) {
	cfg := Default()
	cfg.Channels.Email.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should require hosts for an enabled email channel")
	}

	cfg.Channels.Email.IMAPHost = "imap.example.com"
	cfg.Channels.Email.SMTPHost = "smtp.example.com"
	cfg.Channels.Email.FromAddress = "yak@example.com"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestApplyDefaults_Workspace(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/yak"}
	cfg.ApplyDefaults()
	if cfg.Agent.Workspace != filepath.Join("/var/lib/yak", "workspace") {
		t.Errorf("Workspace = %q", cfg.Agent.Workspace)
	}
	if cfg.Exec.Enabled || cfg.Exec.TimeoutSeconds != 30 {
		t.Errorf("Exec = %+v, want disabled with 30s timeout", cfg.Exec)
	}
}

func TestValidate_CalendarTimezone(t *testing.T) {
	cfg := Default()
	cfg.Calendar.Timezone = "Mars/Olympus_Mons"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted an unknown timezone")
	}
	cfg.Calendar.Timezone = "UTC"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate(UTC): %v", err)
	}
}
