// Package rom loads CHIP-8 program images and watches them for changes.
package rom

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/howeyc/fsnotify"
	"github.com/kapitanov/chip8emu/internal/vm"
)

// Debounce is how long Watch waits for a burst of writes to settle.
const Debounce = 100 * time.Millisecond

// Read loads the ROM at path, checking that it fits in memory.
func Read(path string) ([]byte, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load file %q: %w", path, err)
	}

	if len(bs) > vm.MaxProgramSize {
		return nil, fmt.Errorf("unable to load file %q: %w: %d bytes", path, vm.ErrProgramTooLarge, len(bs))
	}

	return bs, nil
}

// Watch calls reload with the new contents of path every time the file is
// written, until ctx is done. Editors write in bursts, so events are
// debounced. Unreadable intermediate states are logged and skipped.
func Watch(ctx context.Context, path string, reload func([]byte)) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, since editors often replace the file.
	if err := watcher.Watch(filepath.Dir(path)); err != nil {
		return fmt.Errorf("unable to watch %q: %w", path, err)
	}
	slog.Info("watching rom", "path", path)

	var run <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-run:
			run = nil
			bs, err := Read(path)
			if err != nil {
				slog.Warn("rom: reload failed", "err", err)
				break
			}
			slog.Info("rom: reload", "path", path, "n", len(bs))
			reload(bs)

		case ev := <-watcher.Event:
			if filepath.Clean(ev.Name) == path && !ev.IsAttrib() && !ev.IsDelete() {
				run = time.After(Debounce)
			}

		case err := <-watcher.Error:
			slog.Warn("rom: watcher", "err", err)
		}
	}
}
