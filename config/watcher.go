package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/supriza/kvrocks/pkg/log"
)

// Watcher reloads the config file on change and delivers the parsed
// result. The migration core uses it to pick up batch size and rate
// limit updates between flushes.
type Watcher struct {
	path string
	fw   *fsnotify.Watcher
	C    chan *Config
	done chan struct{}
}

// NewWatcher starts watching the given config file.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err = fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, errors.Wrapf(err, "watch %s", path)
	}
	w := &Watcher{path: path, fw: fw, C: make(chan *Config, 1), done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c := NewConfig()
			if err := c.LoadFromFile(w.path); err != nil {
				log.Warnf("skip config reload of %s due %v", w.path, err)
				continue
			}
			select {
			case w.C <- c:
			default:
				// drop when the consumer lags; only the latest matters
				select {
				case <-w.C:
				default:
				}
				w.C <- c
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
