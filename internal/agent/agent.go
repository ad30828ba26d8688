package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cleverdata/relay-agent/internal/config"
	"github.com/cleverdata/relay-agent/internal/deliver"
	"github.com/cleverdata/relay-agent/internal/dispatch"
	"github.com/cleverdata/relay-agent/internal/journal"
	"github.com/cleverdata/relay-agent/internal/limiter"
	"github.com/cleverdata/relay-agent/internal/logging"
	"github.com/cleverdata/relay-agent/internal/track"
	"github.com/cleverdata/relay-agent/internal/watch"
)

// Options selects the run mode.
type Options struct {
	Once bool
}

// Agent supervises one watcher/dispatcher/limiter triple per configured
// folder job. Jobs run concurrently and fail independently.
type Agent struct {
	jobs    []config.FolderJob
	hist    *journal.Journal
	logger  logging.Logger
	buckets *limiter.Registry

	// newPoster is swappable in tests; defaults to the Slack client.
	newPoster func(job config.FolderJob) deliver.Poster
}

func New(jobs []config.FolderJob, hist *journal.Journal, logger logging.Logger) *Agent {
	return &Agent{
		jobs:    jobs,
		hist:    hist,
		logger:  logger,
		buckets: limiter.NewRegistry(),
		newPoster: func(job config.FolderJob) deliver.Poster {
			return deliver.New(job.Token)
		},
	}
}

// Validate checks every job's folder before any monitoring begins. A missing
// or unreadable folder is a configuration error and fatal at startup.
func (a *Agent) Validate() error {
	if len(a.jobs) == 0 {
		return fmt.Errorf("no channels configured")
	}
	for _, job := range a.jobs {
		info, err := os.Stat(job.Path)
		if err != nil {
			return fmt.Errorf("[%s] folder %s: %w", job.Name, job.Path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("[%s] %s is not a directory", job.Name, job.Path)
		}
	}
	return nil
}

// Run starts every job and blocks until all of them finish. In one-shot mode
// that is quiescence (every discovered file posted, rejected, or deferred);
// in daemon mode it is context cancellation. The returned error is non-nil
// when any job rejected a file or hit a fatal relocation error, which drives
// the one-shot exit code.
func (a *Agent) Run(ctx context.Context, opts Options) error {
	if err := a.Validate(); err != nil {
		return err
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]dispatch.Result, len(a.jobs))
	)

	for _, job := range a.jobs {
		wg.Add(1)
		go func(job config.FolderJob) {
			defer wg.Done()
			res := a.runJob(ctx, job, opts)
			mu.Lock()
			results[job.Name] = res
			mu.Unlock()
		}(job)
	}
	wg.Wait()

	failed := false
	for name, res := range results {
		if a.logger != nil {
			a.logger.Infof("[%s] Cycle complete: %d posted, %d rejected, %d deferred",
				name, res.Posted, res.Rejected, res.Deferred)
		}
		if res.Fatal != nil && a.logger != nil {
			a.logger.Errorf("[%s] Fatal: %v", name, res.Fatal)
		}
		if res.Failed() {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more folders had delivery failures")
	}
	return nil
}

// runJob wires one folder's triple together and runs it to completion.
func (a *Agent) runJob(ctx context.Context, job config.FolderJob, opts Options) dispatch.Result {
	if a.logger != nil {
		a.logger.Infof("[%s] Starting: folder %s, channel %s, limit %d/min",
			job.Name, job.Path, job.Channel, job.UploadsPerMinute)
	}

	tracker := track.New()
	bucket := a.buckets.Bucket(job.Channel, job.UploadsPerMinute)
	poster := a.newPoster(job)

	if job.Heartbeat && !opts.Once {
		if slack, ok := poster.(*deliver.Client); ok {
			go deliver.Pinger(ctx, slack, job.Name, time.Minute, a.logger)
		}
	}

	watcher := watch.New(job, tracker, a.logger, opts.Once)
	dispatcher := dispatch.New(job, tracker, bucket, poster, a.hist, a.logger, opts.Once)

	var res dispatch.Result
	done := make(chan struct{})
	go func() {
		defer close(done)
		res = dispatcher.Run(ctx, watcher.Events())
	}()

	err := watcher.Run(ctx)
	<-done
	if err != nil {
		if a.logger != nil {
			a.logger.Errorf("[%s] Watcher failed: %v", job.Name, err)
		}
		if res.Fatal == nil {
			res.Fatal = err
		}
	}
	return res
}
