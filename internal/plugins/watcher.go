package plugins

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// rescanner is the slice of Manager the watcher drives.
type rescanner interface {
	Rescan() error
}

// Watcher rescans the plugin directory when its contents change, so
// dropping in a new plugin binary takes effect without restarting the
// host. Installs produce bursts of events (create, write, chmod), so the
// rescan fires only after the burst settles.
type Watcher struct {
	dir      string
	target   rescanner
	log      *logrus.Logger
	debounce time.Duration
}

// NewWatcher returns a watcher over dir that drives target.
func NewWatcher(dir string, target rescanner, log *logrus.Logger) *Watcher {
	if log == nil {
		log = logrus.New()
	}
	return &Watcher{
		dir:      dir,
		target:   target,
		log:      log,
		debounce: 500 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled, rescanning after each settled burst
// of plugin-file events.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating directory watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.log.WithField("dir", w.dir).Info("watching plugin directory")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), PluginPrefix) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("plugin directory watch error")
		case <-fire:
			timer, fire = nil, nil
			if err := w.target.Rescan(); err != nil {
				w.log.WithError(err).Warn("plugin rescan failed")
			}
		}
	}
}
