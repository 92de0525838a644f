package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps what read_file returns in one call.
const maxReadBytes = 50 * 1024

// Workspace gives the agent file access confined to one directory: the
// place it keeps notes, the persona file and style sheets.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at root. An empty root
// disables file tools.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// resolve maps path onto the workspace, rejecting anything that would
// land outside it.
func (w *Workspace) resolve(path string) (string, error) {
	if w.root == "" {
		return "", fmt.Errorf("workspace not configured")
	}
	root, err := filepath.Abs(w.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// Read returns a file's content. offset is a 1-based line number and
// limit a line count; zero means from the start and to the end.
func (w *Workspace) Read(path string, offset, limit int) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := max(offset-1, 0)
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write replaces a file, creating parent directories.
func (w *Workspace) Write(path, content string) error {
	abs, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Edit replaces the single occurrence of oldText with newText.
func (w *Workspace) Edit(path, oldText, newText string) error {
	abs, err := w.resolve(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file not found: %s", path)
	}
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	switch n := strings.Count(content, oldText); {
	case oldText == "" || n == 0:
		return fmt.Errorf("old text not found in file")
	case n > 1:
		return fmt.Errorf("old text appears %d times in file; must be unique", n)
	}
	if err := os.WriteFile(abs, []byte(strings.Replace(content, oldText, newText, 1)), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// List names a directory's entries; directories get a trailing slash.
func (w *Workspace) List(path string) ([]string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("directory not found: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// SetWorkspace registers read_file, write_file, edit_file and list_dir.
// A workspace without a root registers nothing.
func (r *Registry) SetWorkspace(w *Workspace) {
	if w == nil || w.root == "" {
		return
	}
	pathProp := map[string]any{"type": "string", "description": "Path relative to the workspace"}

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace. Use offset/limit (1-based lines) for large files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   pathProp,
				"offset": map[string]any{"type": "integer", "description": "First line to read (1-based)"},
				"limit":  map[string]any{"type": "integer", "description": "Number of lines to read"},
			},
			"required": []string{"path"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return w.Read(stringArg(args, "path"), intArg(args, "offset", 0), intArg(args, "limit", 0))
		},
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write a file in the workspace, replacing any existing content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    pathProp,
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			content, _ := args["content"].(string)
			if err := w.Write(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})

	r.Register(&Tool{
		Name:        "edit_file",
		Description: "Replace one exact, unique occurrence of old_text with new_text in a workspace file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":     pathProp,
				"old_text": map[string]any{"type": "string"},
				"new_text": map[string]any{"type": "string"},
			},
			"required": []string{"path", "old_text", "new_text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			oldText, _ := args["old_text"].(string)
			newText, _ := args["new_text"].(string)
			if err := w.Edit(path, oldText, newText); err != nil {
				return "", err
			}
			return "Edited " + path, nil
		},
	})

	r.Register(&Tool{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": pathProp,
			},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if path == "" {
				path = "."
			}
			names, err := w.List(path)
			if err != nil {
				return "", err
			}
			if len(names) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(names, "\n"), nil
		},
	})
}
