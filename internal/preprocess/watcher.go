package preprocess

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/pluginlog"
)

// Watcher collapses bursts of filesystem events on the plugin root and
// the preprocessor order file into a single debounced reload: a single
// timer is reset on every new event, so a burst of add/change/unlink
// events produces one reload, not a storm of them.
type Watcher struct {
	fsw   *fsnotify.Watcher
	store *manifest.Store
	pipe  *Pipeline
	delay time.Duration
	log   zerolog.Logger
}

// NewWatcher constructs a Watcher over pluginRoot and orderFilePath.
// The watch on pluginRoot is not recursive: it sees plugin directories
// created, removed or renamed directly under pluginRoot, but not edits
// to the manifest or config.env inside an existing plugin directory.
func NewWatcher(store *manifest.Store, pipe *Pipeline, pluginRoot, orderFilePath string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(pluginRoot); err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(orderFilePath); err != nil {
		// The order file may not exist yet on first run; that's fine,
		// Pipeline.Reconcile will create it on the first successful
		// reload.
		l := pluginlog.WithComponent("preprocess")
		l.Debug().Err(err).Str("path", orderFilePath).Msg("order file not yet watchable")
	}

	return &Watcher{
		fsw:   fsw,
		store: store,
		pipe:  pipe,
		delay: debounce,
		log:   pluginlog.WithComponent("preprocess"),
	}, nil
}

// Run blocks, debouncing filesystem events into Store.Reload +
// Pipeline.Reconcile calls, until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(w.delay)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.delay)
		}
		timerC = timer.C
	}

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.log.Debug().Str("event", event.String()).Msg("filesystem event observed")
			resetTimer()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("filesystem watcher error")

		case <-timerC:
			timerC = nil
			if err := w.store.Reload(); err != nil {
				w.log.Warn().Err(err).Msg("debounced reload of manifest store failed")
			}
			if err := w.pipe.Reconcile(); err != nil {
				w.log.Warn().Err(err).Msg("debounced reconcile of preprocessor order failed")
			}

		case <-ctx.Done():
			return
		}
	}
}
