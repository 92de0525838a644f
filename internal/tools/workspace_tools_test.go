package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWorkspace_Resolve(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative path", "notes.md", false},
		{"nested path", "dir/sub/file.txt", false},
		{"dot prefix", "./notes.md", false},
		{"parent escape", "../outside.txt", true},
		{"absolute escape", "/etc/passwd", true},
		{"sneaky escape", "dir/../../outside.txt", true},
		{"sibling prefix", "../" + filepath.Base(ws.Root()) + "2/x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ws.resolve(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolve(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}

	if _, err := NewWorkspace("").resolve("x"); err == nil {
		t.Error("empty workspace resolved a path")
	}
}

func TestWorkspaceTools(t *testing.T) {
	root := t.TempDir()
	r := testRegistry()
	r.SetWorkspace(NewWorkspace(root))
	ctx := context.Background()

	if got := r.Execute(ctx, "write_file", map[string]any{"path": "a/notes.md", "content": "one\ntwo\nthree"}); got != "Wrote 13 bytes to a/notes.md" {
		t.Errorf("write = %q", got)
	}
	if got := r.Execute(ctx, "read_file", map[string]any{"path": "a/notes.md"}); got != "one\ntwo\nthree" {
		t.Errorf("read = %q", got)
	}
	if got := r.Execute(ctx, "read_file", map[string]any{"path": "a/notes.md", "offset": 2.0, "limit": 1.0}); got != "[Lines 2-2 of 3]\ntwo" {
		t.Errorf("read slice = %q", got)
	}
	if got := r.Execute(ctx, "edit_file", map[string]any{"path": "a/notes.md", "old_text": "two", "new_text": "2"}); got != "Edited a/notes.md" {
		t.Errorf("edit = %q", got)
	}
	data, _ := os.ReadFile(filepath.Join(root, "a", "notes.md"))
	if string(data) != "one\n2\nthree" {
		t.Errorf("file = %q", data)
	}
	if got := r.Execute(ctx, "edit_file", map[string]any{"path": "a/notes.md", "old_text": "zzz", "new_text": "y"}); !strings.HasPrefix(got, "Error executing edit_file: old text not found") {
		t.Errorf("edit miss = %q", got)
	}
	if got := r.Execute(ctx, "list_dir", nil); got != "a/" {
		t.Errorf("list = %q", got)
	}
	if got := r.Execute(ctx, "read_file", map[string]any{"path": "../x"}); !strings.Contains(got, "path escapes workspace") {
		t.Errorf("escape = %q", got)
	}
}

func TestSetWorkspace_Disabled(t *testing.T) {
	r := testRegistry()
	r.SetWorkspace(NewWorkspace(""))
	if len(r.Names()) != 0 {
		t.Errorf("registered %v without a workspace", r.Names())
	}
}
