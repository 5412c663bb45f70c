package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileFlag reads connectivity from a state file the host platform
// maintains. The file holds "online" or "offline" (also 1/0, true/false,
// up/down). A missing file means online; unreadable or unrecognised
// content means offline.
type FileFlag struct {
	Path   string
	Logger *slog.Logger
}

// NewFileFlag creates a watcher for path.
func NewFileFlag(path string) *FileFlag {
	return &FileFlag{Path: path, Logger: slog.Default()}
}

// Run implements Source. The parent directory is watched so that atomic
// replace-by-rename updates are seen.
func (f *FileFlag) Run(ctx context.Context, report func(bool)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch connectivity file: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(f.Path)

	report(f.read())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			report(f.read())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.Logger.Warn("connectivity file watcher error", "path", f.Path, "error", err)
		}
	}
}

func (f *FileFlag) read() bool {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	if err != nil {
		f.Logger.Warn("read connectivity file", "path", f.Path, "error", err)
		return false
	}
	online, ok := ParseState(string(data))
	if !ok {
		f.Logger.Warn("unrecognised connectivity state", "path", f.Path, "content", strings.TrimSpace(string(data)))
	}
	return online
}

// ParseState interprets a connectivity word. ok is false for anything
// unrecognised, which reads as offline.
func ParseState(s string) (online, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "1", "true", "up":
		return true, true
	case "offline", "0", "false", "down":
		return false, true
	}
	return false, false
}
