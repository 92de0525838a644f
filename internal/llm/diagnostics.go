package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// DiagnosticSink receives the payload and error of each failed repair
// stage for operator inspection. Implementations must not block or
// fail loudly; nothing in Yak reads diagnostics back.
type DiagnosticSink interface {
	Record(stage, errText string, payload any)
}

// FileSink overwrites a single JSON file with the most recent failure.
// Write errors are ignored.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink returns a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the file the sink writes.
func (s *FileSink) Path() string { return s.path }

type diagnosticRecord struct {
	Stage   string `json:"stage"`
	Error   string `json:"error"`
	Payload any    `json:"payload"`
}

// Record writes {stage, error, payload} to the sink's file.
func (s *FileSink) Record(stage, errText string, payload any) {
	if s == nil || s.path == "" {
		return
	}
	data, err := json.MarshalIndent(diagnosticRecord{Stage: stage, Error: errText, Payload: payload}, "", "  ")
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(s.path, data, 0o600)
}

type discardSink struct{}

func (discardSink) Record(string, string, any) {}
