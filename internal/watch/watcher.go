package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cleverdata/relay-agent/internal/config"
	"github.com/cleverdata/relay-agent/internal/logging"
	"github.com/cleverdata/relay-agent/internal/track"
)

// PostedDir and RejectedDir are the terminal subfolders inside every watched
// folder. Their contents are the persisted delivery state.
const (
	PostedDir   = "posted"
	RejectedDir = "rejected"
)

// ErrSettleTimeout marks a file whose size kept changing past the settle
// deadline. The dispatcher treats it as a failed delivery.
var ErrSettleTimeout = errors.New("file failed to settle before deadline")

// Event is one file the watcher hands to the dispatcher. Events are emitted
// in the order files become ready, which fixes the per-folder delivery order.
// A non-nil Err means the file never became ready and must be rejected.
type Event struct {
	Path       string
	Name       string
	DetectedAt time.Time
	Err        error
}

// observation is a raw sighting from one of the change sources.
type observation struct {
	path    string
	size    int64
	modTime int64
}

// Watcher surfaces ready-to-post files from one folder. It runs the initial
// scan, the platform change source, and the stability loop, and owns the
// Detected/Stabilizing half of the tracked-file state machine.
type Watcher struct {
	job     config.FolderJob
	tracker *track.Tracker
	logger  logging.Logger
	once    bool
	events  chan Event
}

func New(job config.FolderJob, tracker *track.Tracker, logger logging.Logger, once bool) *Watcher {
	return &Watcher{
		job:     job,
		tracker: tracker,
		logger:  logger,
		once:    once,
		events:  make(chan Event, 1024),
	}
}

// Events is the ready-file stream consumed by the dispatcher. Buffered, so
// files that reached readiness before a shutdown stay available for draining.
// Closed when the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run blocks until the watcher stops. In one-shot mode it scans the folder
// once and returns after every discovered file has either been emitted or
// discarded. In daemon mode it runs until the context is cancelled; from that
// point no new events are issued.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	if err := os.MkdirAll(filepath.Join(w.job.Path, PostedDir), 0o755); err != nil {
		return fmt.Errorf("[%s] create posted dir: %w", w.job.Name, err)
	}
	if err := os.MkdirAll(filepath.Join(w.job.Path, RejectedDir), 0o755); err != nil {
		return fmt.Errorf("[%s] create rejected dir: %w", w.job.Name, err)
	}

	obsCh := make(chan observation, 256)

	if w.once {
		// One-shot: everything currently in the folder, nothing else.
		w.scan(w.admit)
	} else {
		mode := w.startSources(ctx, obsCh)
		if w.logger != nil {
			w.logger.Infof("[%s] Watching %s (%s mode)", w.job.Name, w.job.Path, mode)
		}
		// Files already present at startup are treated as newly detected,
		// which recovers work left behind by a previous run.
		w.scan(func(obs observation) { w.forward(obs, obsCh) })
	}

	ticker := time.NewTicker(w.job.SettleEvery())
	defer ticker.Stop()

	for {
		select {
		case obs := <-obsCh:
			w.admit(obs)

		case <-ticker.C:
			w.settleTick()
			if w.once && len(w.tracker.Settling()) == 0 {
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// admit registers a sighting with the tracker. Duplicate sightings of an
// in-flight name are dropped here, which is what keeps the notify and poll
// sources from double-processing the same file.
func (w *Watcher) admit(obs observation) {
	name := filepath.Base(obs.path)
	if w.tracker.Admit(name, obs.path, obs.size, obs.modTime) {
		logging.Debugf(w.logger, "[%s] Detected %s (%d bytes)", w.job.Name, name, obs.size)
	}
}

func (w *Watcher) forward(obs observation, obsCh chan<- observation) {
	select {
	case obsCh <- obs:
	default:
		// Observation buffer full; the next poll pass will see the file.
	}
}

// settleTick re-stats every file still stabilizing. A stat failure discards
// the entry silently: the file vanished or is unreadable, neither is fatal.
func (w *Watcher) settleTick() {
	need := w.job.StableChecks() - 1 // checks beyond the admission stat
	gap := w.job.SettleEvery()
	deadline := w.job.SettleDeadline()

	for _, f := range w.tracker.Settling() {
		info, err := os.Stat(f.Path)
		if err != nil {
			logging.Debugf(w.logger, "[%s] Dropping %s: %v", w.job.Name, f.Name, err)
			w.tracker.Release(f.Name)
			continue
		}
		stable, ok := w.tracker.Observe(f.Name, info.Size(), info.ModTime().UnixNano(), time.Now(), gap)
		if !ok {
			continue
		}
		if stable >= need {
			w.tracker.SetState(f.Name, track.ReadyToPost)
			logging.Debugf(w.logger, "[%s] %s is ready to post", w.job.Name, f.Name)
			w.emit(Event{Path: f.Path, Name: f.Name, DetectedAt: f.Detected})
			continue
		}
		if time.Since(f.Detected) > deadline {
			if w.logger != nil {
				w.logger.Warningf("[%s] %s failed to settle after %s", w.job.Name, f.Name, deadline)
			}
			w.tracker.SetState(f.Name, track.ReadyToPost)
			w.emit(Event{Path: f.Path, Name: f.Name, DetectedAt: f.Detected, Err: ErrSettleTimeout})
		}
	}
}

// emit queues a ready file for the dispatcher. When the buffer is full the
// entry is released instead; the file stays in the folder and the next scan
// re-detects it, so nothing is lost.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.tracker.Release(ev.Name)
	}
}

// scan lists the folder and feeds every regular file through admission.
// Dotfiles are skipped; posted/ and rejected/ are directories and fall out of
// the entry filter.
func (w *Watcher) scan(sink func(observation)) {
	entries, err := os.ReadDir(w.job.Path)
	if err != nil {
		logging.Debugf(w.logger, "[%s] Scan failed: %v", w.job.Name, err)
		return
	}
	for _, e := range entries {
		w.probe(filepath.Join(w.job.Path, e.Name()), sink)
	}
}

// probe stats a candidate path and forwards it when it is a visible regular
// file. Errors are dropped: the file is presumed gone.
func (w *Watcher) probe(path string, sink func(observation)) {
	base := filepath.Base(path)
	if base == "" || base[0] == '.' {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sink(observation{path: abs, size: info.Size(), modTime: info.ModTime().UnixNano()})
}
