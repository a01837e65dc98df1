package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/scrypster/stratum/internal/analyzer"
)

// RulesWatcher watches the extraction-rules file and dispatches reloaded
// rule sets to a callback. A rules file that becomes unparsable keeps the
// previous rule set active; the reload failure is logged, not fatal.
type RulesWatcher struct {
	path     string
	callback func(*analyzer.RuleSet)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewRulesWatcher creates a watcher for the rules file at path.
func NewRulesWatcher(path string, callback func(*analyzer.RuleSet)) *RulesWatcher {
	return &RulesWatcher{
		path:     path,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself so that editors which replace the file via rename still
// trigger a reload. Call Stop() to clean up.
func (rw *RulesWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(rw.path)); err != nil {
		_ = w.Close()
		return err
	}
	rw.watcher = w

	go rw.loop()
	log.Printf("config: watching %s for rule changes", rw.path)
	return nil
}

// Stop shuts down the watcher.
func (rw *RulesWatcher) Stop() {
	if rw.watcher != nil {
		_ = rw.watcher.Close()
	}
	<-rw.done
}

func (rw *RulesWatcher) loop() {
	defer close(rw.done)
	for {
		select {
		case evt, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 &&
				filepath.Clean(evt.Name) == filepath.Clean(rw.path) {
				rw.reload()
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

func (rw *RulesWatcher) reload() {
	rules, err := analyzer.LoadRules(rw.path)
	if err != nil {
		log.Printf("config: rules reload failed, keeping previous set: %v", err)
		return
	}
	log.Printf("config: reloaded extraction rules from %s", rw.path)
	if rw.callback != nil {
		rw.callback(rules)
	}
}
