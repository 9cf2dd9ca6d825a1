package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchTokenFile monitors a token file and feeds its contents into the
// auth state whenever an external process rewrites it. The parent
// directory is watched rather than the file itself so atomic
// rename-into-place updates are observed. Blocks until ctx is cancelled.
func WatchTokenFile(ctx context.Context, path string, state *State, logger *slog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving token file path: %w", err)
	}

	if err := loadTokenFile(abs, state); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching token file directory: %w", err)
	}

	logger.Info("token file watcher started", slog.String("path", abs))

	// Debounce: editors and rotators often fire several events per update.
	var pending bool
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if event.Name != abs {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				pending = true
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			logger.Warn("token file watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false

			if err := loadTokenFile(abs, state); err != nil {
				logger.Warn("reloading token file", slog.String("error", err.Error()))
				continue
			}
			logger.Info("credential refreshed from token file")
		}
	}
}

func loadTokenFile(path string, state *State) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file %s is empty", path)
	}

	state.SetToken(token)

	return nil
}
