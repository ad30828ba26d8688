package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cleverdata/relay-agent/internal/config"
	"github.com/cleverdata/relay-agent/internal/deliver"
	"github.com/cleverdata/relay-agent/internal/journal"
	"github.com/cleverdata/relay-agent/internal/limiter"
	"github.com/cleverdata/relay-agent/internal/logging"
	"github.com/cleverdata/relay-agent/internal/track"
	"github.com/cleverdata/relay-agent/internal/watch"
)

// DrainGrace bounds how long buffered ready files keep being delivered after
// a shutdown signal. Past it, remaining files are deferred to the next run.
const DrainGrace = 30 * time.Second

// Result aggregates one folder's cycle for the supervisor's exit status.
type Result struct {
	Posted   int
	Rejected int
	Deferred int
	Fatal    error // relocation failure; the cycle stopped here
}

// Failed reports whether the cycle counts as a failure for one-shot mode.
// Deferred files do not fail a run; they are retried whole on the next one.
func (r Result) Failed() bool {
	return r.Rejected > 0 || r.Fatal != nil
}

// Dispatcher consumes ready files from one folder's watcher, applies the
// channel rate limit, delivers, and relocates each file exactly once.
type Dispatcher struct {
	job     config.FolderJob
	tracker *track.Tracker
	bucket  *limiter.Bucket
	poster  deliver.Poster
	hist    *journal.Journal // nil disables history
	logger  logging.Logger
	once    bool

	// warn throttles the "rate limit exceeded" operator notice to one per
	// minute so a long backlog does not spam the channel.
	warn *limiter.Bucket
}

func New(job config.FolderJob, tracker *track.Tracker, bucket *limiter.Bucket,
	poster deliver.Poster, hist *journal.Journal, logger logging.Logger, once bool) *Dispatcher {
	return &Dispatcher{
		job:     job,
		tracker: tracker,
		bucket:  bucket,
		poster:  poster,
		hist:    hist,
		logger:  logger,
		once:    once,
		warn:    limiter.NewBucket(1),
	}
}

// Run processes events until the channel closes. Delivery runs on its own
// context that outlives the caller's by DrainGrace, so every file that was
// already ready when the shutdown signal arrived, including the one in flight
// at that moment, is still drained; past the grace the rest is deferred
// untouched for the next invocation.
func (d *Dispatcher) Run(ctx context.Context, events <-chan watch.Event) Result {
	var res Result

	dctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-dctx.Done():
			return
		case <-ctx.Done():
		}
		grace := time.NewTimer(DrainGrace)
		defer grace.Stop()
		select {
		case <-grace.C:
			cancel()
		case <-dctx.Done():
		}
	}()

	for ev := range events {
		if d.process(dctx, ev, &res) == outcomeFatal {
			return res
		}
	}
	return res
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFatal
)

func (d *Dispatcher) process(ctx context.Context, ev watch.Event, res *Result) outcome {
	if ev.Err != nil {
		// The watcher gave up on this file (settle timeout). Reject it so it
		// cannot wedge the folder, and tell the channel why.
		return d.reject(ctx, ev, ev.Err, res)
	}

	if !d.acquire(ctx, ev, res) {
		return outcomeDone
	}

	d.tracker.SetState(ev.Name, track.Posting)
	d.tracker.AddAttempt(ev.Name)

	info, err := os.Stat(ev.Path)
	if err != nil {
		// Vanished between readiness and delivery. Presumed removed on
		// purpose; drop silently.
		logging.Debugf(d.logger, "[%s] %s vanished before posting", d.job.Name, ev.Name)
		d.tracker.Release(ev.Name)
		return outcomeDone
	}

	if d.logger != nil {
		d.logger.Infof("[%s] Posting %s (%d bytes) to %s", d.job.Name, ev.Name, info.Size(), d.job.Channel)
	}
	err = d.poster.PostFile(ctx, deliver.Upload{
		Path:    ev.Path,
		Title:   ev.Name,
		Channel: d.job.Channel,
		BotName: d.job.BotName,
		Icon:    d.job.Icon,
	})
	if err != nil {
		return d.reject(ctx, ev, err, res)
	}

	dest, moveErr := relocate(ev.Path, watch.PostedDir)
	if moveErr != nil {
		return d.fatalMove(ev, moveErr, res)
	}
	d.tracker.SetState(ev.Name, track.Posted)
	d.record(ev, journal.StatusPosted, "")
	d.tracker.Release(ev.Name)
	res.Posted++
	if d.logger != nil {
		d.logger.Infof("[%s] Posted %s -> %s", d.job.Name, ev.Name, dest)
	}
	return outcomeDone
}

// acquire takes a rate-limit token. In one-shot mode the wait is bounded by
// the job's once_wait budget; on expiry the file is deferred untouched so a
// later run retries the whole pipeline. In daemon mode it blocks, warning the
// channel at most once a minute.
func (d *Dispatcher) acquire(ctx context.Context, ev watch.Event, res *Result) bool {
	if ok, wait := d.bucket.Try(); ok {
		return true
	} else if d.once && wait > d.job.OnceWaitBudget() {
		d.deferFile(ev, res)
		return false
	}

	if !d.once {
		if ok, _ := d.warn.Try(); ok {
			if d.logger != nil {
				d.logger.Warningf("[%s] Upload rate limit exceeded, throttling", d.job.Name)
			}
			notice := deliver.Notice{
				Title:   "(Upload rate limit exceeded.)",
				Text:    fmt.Sprintf("Note: more than %d files per minute are queued. Limiting posting rate for now.", d.job.UploadsPerMinute),
				Icon:    ":snail:",
				Channel: d.job.Channel,
				BotName: d.job.BotName,
			}
			if err := d.poster.PostNotice(ctx, notice); err != nil {
				logging.Debugf(d.logger, "[%s] Rate warning notice failed: %v", d.job.Name, err)
			}
		}
	}

	wctx := ctx
	if d.once {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, d.job.OnceWaitBudget())
		defer cancel()
	}
	if err := d.bucket.Wait(wctx); err != nil {
		d.deferFile(ev, res)
		return false
	}
	return true
}

// deferFile leaves the file in the watched folder for a subsequent run: not
// dropped, not force-posted, not rejected.
func (d *Dispatcher) deferFile(ev watch.Event, res *Result) {
	if d.logger != nil {
		d.logger.Infof("[%s] Deferring %s: no rate-limit token within budget", d.job.Name, ev.Name)
	}
	d.record(ev, journal.StatusDeferred, "rate limit budget exhausted")
	d.tracker.Release(ev.Name)
	res.Deferred++
}

func (d *Dispatcher) reject(ctx context.Context, ev watch.Event, cause error, res *Result) outcome {
	if d.logger != nil {
		d.logger.Errorf("[%s] Rejecting %s: %v", d.job.Name, ev.Name, cause)
	}
	dest, moveErr := relocate(ev.Path, watch.RejectedDir)
	if moveErr != nil {
		return d.fatalMove(ev, moveErr, res)
	}
	d.tracker.SetState(ev.Name, track.Rejected)
	d.record(ev, journal.StatusRejected, cause.Error())
	d.tracker.Release(ev.Name)
	res.Rejected++
	logging.Debugf(d.logger, "[%s] Moved %s -> %s", d.job.Name, ev.Name, dest)

	notice := deliver.Notice{
		Title:   "Sorry! Error posting file.",
		Text:    fmt.Sprintf("Failed to post incoming file '%s'. Admins, please check logs. Error: %v", ev.Name, cause),
		Icon:    ":scream_cat:",
		Channel: d.job.Channel,
		BotName: d.job.BotName,
	}
	if err := d.poster.PostNotice(ctx, notice); err != nil {
		if d.logger != nil {
			d.logger.Errorf("[%s] Error notice failed: %v", d.job.Name, err)
		}
	}
	return outcomeDone
}

// fatalMove handles a failed relocation: the file stays in the watched folder
// in Posting state and the cycle stops, so a persistently broken destination
// cannot spin the dispatcher.
func (d *Dispatcher) fatalMove(ev watch.Event, moveErr error, res *Result) outcome {
	if d.logger != nil {
		d.logger.Errorf("[%s] FATAL: cannot relocate %s: %v", d.job.Name, ev.Name, moveErr)
	}
	res.Fatal = fmt.Errorf("[%s] relocate %s: %w", d.job.Name, ev.Name, moveErr)
	return outcomeFatal
}

func (d *Dispatcher) record(ev watch.Event, status, detail string) {
	if d.hist == nil {
		return
	}
	var size, mod int64
	var attempts int
	if f, ok := d.tracker.Get(ev.Name); ok {
		size, mod, attempts = f.Size, f.ModTime, f.Attempts
	}
	err := d.hist.Put(journal.Record{
		Path:     ev.Path,
		Status:   status,
		Detail:   detail,
		Size:     size,
		ModTime:  mod,
		Attempts: attempts,
	})
	if err != nil {
		logging.Debugf(d.logger, "[%s] History write failed: %v", d.job.Name, err)
	}
}

// relocate moves a file into the named subfolder of its own directory,
// appending a timestamp before the extension when the destination name is
// already taken so nothing is ever overwritten.
func relocate(path, subdir string) (string, error) {
	base := filepath.Base(path)
	destDir := filepath.Join(filepath.Dir(path), subdir)
	dest := filepath.Join(destDir, base)

	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		dest = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", stem, time.Now().UnixNano(), ext))
	}
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}
