package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher holds the current configuration snapshot and swaps it atomically
// whenever the backing file changes. Readers call Current(); nothing ever
// mutates a *Config in place, so a reader that grabbed a snapshot mid-tick
// keeps a fully consistent view even if a reload races it.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	log     *logrus.Entry
}

// NewWatcher loads path once and starts watching it for writes.
func NewWatcher(path string, log *logrus.Entry) (*Watcher, error) {
	config, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fsw, log: log}
	w.current.Store(config)
	go w.run()
	return w, nil
}

// Current returns the most recently loaded configuration snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			config, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("config reload failed, keeping previous snapshot")
				continue
			}
			w.current.Store(config)
			w.log.Info("config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}
