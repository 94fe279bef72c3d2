// Package hotreload watches the on-disk config file and, after a change,
// hands the freshly loaded config to a callback without a process
// restart. The supervisor's callback rotates the AEAD key; the
// pipeline's batching thresholds are not re-applied.
package hotreload

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/adelard07/cloud-logging/internal/config"
)

// Callback is invoked with the freshly reloaded configuration after a
// watched file changes and the new config passes validation.
type Callback func(cfg *config.Config) error

// Reloader watches configFile for writes and calls onChange with the
// freshly parsed and validated Config.
type Reloader struct {
	configFile string
	logger     *logrus.Logger
	onChange   Callback

	debounce time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Reloader. configFile empty disables watching: Start
// becomes a no-op, matching how a process run from pure env vars has
// nothing on disk to watch.
func New(configFile string, logger *logrus.Logger, onChange Callback) (*Reloader, error) {
	r := &Reloader{
		configFile: configFile,
		logger:     logger,
		onChange:   onChange,
		debounce:   500 * time.Millisecond,
	}

	if configFile == "" {
		return r, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r.watcher = watcher
	return r, nil
}

// Start begins watching the config file in the background. A no-op if
// the reloader was built without a config file, or if the config file
// does not exist on disk (e.g. a default path with nothing deployed to
// it) — hot-reload is then simply unavailable until the file appears.
func (r *Reloader) Start() error {
	if r.watcher == nil {
		return nil
	}

	if _, err := os.Stat(r.configFile); err != nil {
		if os.IsNotExist(err) {
			r.logger.WithField("config_file", r.configFile).Info("hotreload: config file does not exist, skipping watch")
			return nil
		}
		return err
	}

	if err := r.watcher.Add(r.configFile); err != nil {
		return err
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.watchLoop()
	return nil
}

// Stop halts watching and releases the underlying fsnotify handle.
func (r *Reloader) Stop() {
	if r.watcher == nil {
		return
	}
	r.cancel()
	r.watcher.Close()
	r.wg.Wait()
}

func (r *Reloader) watchLoop() {
	defer r.wg.Done()

	var debounceTimer *time.Timer
	for {
		select {
		case <-r.ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(r.debounce, r.reload)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("hotreload: watcher error")
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := config.Load(r.configFile)
	if err != nil {
		r.logger.WithError(err).Warn("hotreload: reloaded config failed validation, keeping previous config")
		return
	}

	if err := r.onChange(cfg); err != nil {
		r.logger.WithError(err).Error("hotreload: failed to apply reloaded config")
		return
	}

	r.logger.Info("hotreload: config reloaded")
}
