package app

import (
	"log"
	"path/filepath"
	"time"

	"github.com/eduline/callkit/internal/config"

	"github.com/fsnotify/fsnotify"
)

// debounce window for config rewrites; editors save in bursts.
const reloadDebounce = 250 * time.Millisecond

// watchConfig reloads the config file on change and hands valid results to
// apply. Invalid edits are logged and skipped so a typo never drops the
// running setup. Watches the parent directory because editors replace the
// file on save.
func watchConfig(cfgPath string, apply func(config.Config)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(cfgPath)); err != nil {
		w.Close()
		return nil, err
	}

	target := filepath.Clean(cfgPath)
	go func() {
		var timer *time.Timer
		reload := func() {
			cfg, err := config.Load(target)
			if err != nil {
				log.Printf("CONFIG: reload skipped: %v", err)
				return
			}
			log.Printf("CONFIG: reloaded %s", target)
			apply(cfg)
		}

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return func() { w.Close() }, nil
}
