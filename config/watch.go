package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when the file changes.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// Watch calls fn with the reloaded configuration, or the error loading it,
// every time the config file is written or replaced.
// The directory is watched to catch editors renaming files into place.
func (l *Loader) Watch(fn func(*Config, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	file := filepath.Clean(l.Path)
	if err := fw.Add(filepath.Dir(file)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{w: fw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != file {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				fn(l.Load())
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				fn(nil, err)
			}
		}
	}()
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
