// Package bootstrap assembles an agent's startup context. It reads context
// files under the agent's working directory with strict path validation,
// or runs a screened custom script, and records every run in the bootstrap
// history table.
package bootstrap

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/kokino/kokino/internal/common/errors"
)

// LoadedFile is the result of attempting to read one context file.
type LoadedFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Size    int    `json:"size"`
	Loaded  bool   `json:"loaded"`
	Error   string `json:"error,omitempty"`
}

// FileLoader reads files relative to one agent's working directory.
type FileLoader struct {
	workingDir string
}

// NewFileLoader creates a loader rooted at the given working directory.
func NewFileLoader(workingDir string) *FileLoader {
	return &FileLoader{workingDir: workingDir}
}

// ValidatePath rejects traversal, absolute paths, and NUL bytes. These are
// security boundary violations and always surface as validation errors,
// unlike missing files which are tolerated.
func (l *FileLoader) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", apperrors.Validation("path", "path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return "", apperrors.Validation("path", "path contains a NUL byte")
	}
	if filepath.IsAbs(path) {
		return "", apperrors.Validation("path", "absolute paths are not allowed")
	}
	// Checked on the raw path so "a/../../b" cannot slip through as a
	// normalized shape.
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return "", apperrors.Validation("path", "path traversal is not allowed")
		}
	}
	return filepath.Clean(path), nil
}

// LoadFile reads one context file. Validation failures propagate as errors;
// missing or unreadable files come back as a not-loaded record so callers
// in auto mode can skip them.
func (l *FileLoader) LoadFile(path string) (*LoadedFile, error) {
	clean, err := l.ValidatePath(path)
	if err != nil {
		return nil, err
	}

	full := filepath.Join(l.workingDir, clean)
	data, err := os.ReadFile(full)
	if err != nil {
		record := &LoadedFile{Path: clean, Loaded: false}
		if os.IsNotExist(err) {
			record.Error = "File not found"
		} else {
			record.Error = err.Error()
		}
		return record, nil
	}

	return &LoadedFile{
		Path:    clean,
		Content: string(data),
		Size:    len(data),
		Loaded:  true,
	}, nil
}

// LoadAutoFiles loads each path in order, keeping only the files that were
// actually read. Validation failures still abort the whole load.
func (l *FileLoader) LoadAutoFiles(paths []string) ([]*LoadedFile, error) {
	var loaded []*LoadedFile
	for _, path := range paths {
		record, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if record.Loaded {
			loaded = append(loaded, record)
		}
	}
	return loaded, nil
}

// defaultAutoPaths are probed in order by auto mode. All are optional.
var defaultAutoPaths = []string{
	"CLAUDE.md",
	".kokino/CONTEXT.md",
	".kokino/ROLE.md",
	"docs/CONTEXT.md",
}
