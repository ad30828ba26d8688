package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cleverdata/relay-agent/internal/logging"
)

// startSources probes for native change notification and starts the matching
// source goroutines. Push mode keeps a slow backup scan running to catch
// events the notifier missed; poll mode lists the folder at the configured
// poll interval. Returns the selected mode name for logging.
func (w *Watcher) startSources(ctx context.Context, obsCh chan<- observation) string {
	if !w.job.DisableFsnotify {
		if watcher, err := w.probeNotify(); err == nil {
			go w.runNotify(ctx, watcher, obsCh)
			go w.runPoll(ctx, w.job.BackupEvery(), obsCh)
			return "push"
		} else if w.logger != nil {
			w.logger.Warningf("[%s] Change notification unavailable (%v); falling back to polling", w.job.Name, err)
		}
	}
	go w.runPoll(ctx, w.job.PollEvery(), obsCh)
	return "poll"
}

// probeNotify checks that the notify subsystem can actually watch the folder,
// not just that it initializes.
func (w *Watcher) probeNotify() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(w.job.Path); err != nil {
		watcher.Close()
		return nil, err
	}
	return watcher, nil
}

func (w *Watcher) runNotify(ctx context.Context, watcher *fsnotify.Watcher, obsCh chan<- observation) {
	defer watcher.Close()

	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				logging.Debugf(w.logger, "[%s] Notify event (%v) for %s", w.job.Name, e.Op, filepath.Base(e.Name))
				w.probe(e.Name, func(obs observation) { w.forward(obs, obsCh) })
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warningf("[%s] Notify error: %v", w.job.Name, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) runPoll(ctx context.Context, every time.Duration, obsCh chan<- observation) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			entries, err := os.ReadDir(w.job.Path)
			if err != nil {
				logging.Debugf(w.logger, "[%s] Poll scan failed: %v", w.job.Name, err)
				continue
			}
			for _, e := range entries {
				w.probe(filepath.Join(w.job.Path, e.Name()), func(obs observation) { w.forward(obs, obsCh) })
			}
		case <-ctx.Done():
			return
		}
	}
}
