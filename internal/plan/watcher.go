package plan

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-parses a declaration file whenever it is rewritten and
// delivers the result to a callback. Editors replace files by rename,
// so the watch is on the parent directory, filtered by base name.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	done     chan struct{}
	onChange func(*Declaration, error)
	debugLog func(format string, args ...interface{})
}

// Watch starts watching the declaration file at path. onChange receives
// either a parsed, validated declaration or the parse/validation error;
// an invalid rewrite never silently replaces a valid plan.
func Watch(path string, onChange func(*Declaration, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		done:     make(chan struct{}),
		onChange: onChange,
		debugLog: func(format string, args ...interface{}) {},
	}
	go w.loop()
	return w, nil
}

// SetDebugLog sets the debug logging function.
func (w *Watcher) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		w.debugLog = fn
	}
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debugLog("[plan] declaration %s changed (%s)", w.path, event.Op)
			d, err := ParseFile(w.path)
			if err == nil {
				err = d.Validate()
			}
			if err != nil {
				w.onChange(nil, err)
				continue
			}
			w.onChange(d, nil)
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}
