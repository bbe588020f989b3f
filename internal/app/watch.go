package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/fieldlink/internal/config"
)

// settleDelay lets an editor finish writing before the file is read.
const settleDelay = 200 * time.Millisecond

// watchConfig calls apply with the reloaded config whenever the file at path
// changes. The directory is watched so editors that replace the file by
// rename are picked up too. It returns once the watch is set up.
func watchConfig(ctx context.Context, path string, apply func(config.Config) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer w.Close()
		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					settle = time.After(settleDelay)
				}
			case <-settle:
				settle = nil
				cfg, err := config.Load(path)
				if err != nil {
					log.Warnf("config reload: %v", err)
					continue
				}
				if err := apply(cfg); err != nil {
					log.Warnf("config reload rejected: %v", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()
	return nil
}
