package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleverdata/relay-agent/internal/config"
	"github.com/cleverdata/relay-agent/internal/deliver"
	"github.com/cleverdata/relay-agent/internal/watch"
)

type fakePoster struct {
	mu      sync.Mutex
	fail    map[string]error
	uploads []deliver.Upload
	notices []deliver.Notice
}

func (f *fakePoster) PostFile(_ context.Context, up deliver.Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, up)
	if f.fail != nil {
		if err, ok := f.fail[up.Title]; ok {
			return err
		}
	}
	return nil
}

func (f *fakePoster) PostNotice(_ context.Context, n deliver.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return nil
}

func fastJob(t *testing.T, name, channel string) config.FolderJob {
	t.Helper()
	return config.FolderJob{
		Name:             name,
		Path:             t.TempDir(),
		Channel:          channel,
		Token:            "xoxb-test",
		UploadsPerMinute: 60,
		SettleInterval:   "20ms",
		SettleTimeout:    "2s",
		OnceWait:         "50ms",
	}
}

func withPoster(a *Agent, poster deliver.Poster) *Agent {
	a.newPoster = func(config.FolderJob) deliver.Poster { return poster }
	return a
}

func TestOnceModeAllPostedSucceeds(t *testing.T) {
	job := fastJob(t, "cats", "#cats")
	require.NoError(t, os.WriteFile(filepath.Join(job.Path, "photo.jpg"), []byte("jpeg"), 0o644))

	poster := &fakePoster{}
	a := withPoster(New([]config.FolderJob{job}, nil, nil), poster)

	err := a.Run(context.Background(), Options{Once: true})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(job.Path, watch.PostedDir, "photo.jpg"))
	assert.NoFileExists(t, filepath.Join(job.Path, "photo.jpg"))
	require.Len(t, poster.uploads, 1)
	assert.Equal(t, "#cats", poster.uploads[0].Channel)
}

func TestOnceModeRejectionFailsRun(t *testing.T) {
	job := fastJob(t, "docs", "#docs")
	require.NoError(t, os.WriteFile(filepath.Join(job.Path, "bad.txt"), []byte("x"), 0o644))

	poster := &fakePoster{fail: map[string]error{"bad.txt": errors.New("invalid channel")}}
	a := withPoster(New([]config.FolderJob{job}, nil, nil), poster)

	err := a.Run(context.Background(), Options{Once: true})
	require.Error(t, err, "a rejected file must fail the one-shot run")

	assert.FileExists(t, filepath.Join(job.Path, watch.RejectedDir, "bad.txt"))
	assert.NoFileExists(t, filepath.Join(job.Path, watch.PostedDir, "bad.txt"))
}

func TestFolderFailuresAreIsolated(t *testing.T) {
	good := fastJob(t, "good", "#good")
	bad := fastJob(t, "bad", "#bad")
	require.NoError(t, os.WriteFile(filepath.Join(good.Path, "ok.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bad.Path, "broken.txt"), []byte("x"), 0o644))

	poster := &fakePoster{fail: map[string]error{"broken.txt": errors.New("remote rejection")}}
	a := withPoster(New([]config.FolderJob{good, bad}, nil, nil), poster)

	err := a.Run(context.Background(), Options{Once: true})
	require.Error(t, err)

	// The failing folder did not stop the healthy one.
	assert.FileExists(t, filepath.Join(good.Path, watch.PostedDir, "ok.txt"))
	assert.FileExists(t, filepath.Join(bad.Path, watch.RejectedDir, "broken.txt"))
}

func TestValidateRejectsMissingFolder(t *testing.T) {
	job := fastJob(t, "ghost", "#ghost")
	job.Path = filepath.Join(job.Path, "does-not-exist")

	a := withPoster(New([]config.FolderJob{job}, nil, nil), &fakePoster{})
	err := a.Run(context.Background(), Options{Once: true})
	require.Error(t, err, "a bad folder path is fatal at startup")
	assert.Empty(t, (&fakePoster{}).uploads)
}

func TestValidateRejectsEmptyJobList(t *testing.T) {
	a := New(nil, nil, nil)
	assert.Error(t, a.Validate())
}

func TestDaemonModeStopsOnCancel(t *testing.T) {
	job := fastJob(t, "idle", "#idle")
	job.DisableFsnotify = true

	poster := &fakePoster{}
	a := withPoster(New([]config.FolderJob{job}, nil, nil), poster)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, Options{}) }()

	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "an empty folder has nothing to fail")
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not shut down on cancellation")
	}
}

func TestDaemonModeDeliversThenKeepsRunning(t *testing.T) {
	job := fastJob(t, "live", "#live")
	job.DisableFsnotify = true
	job.PollInterval = "20ms"

	poster := &fakePoster{}
	a := withPoster(New([]config.FolderJob{job}, nil, nil), poster)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, Options{}) }()

	// Add a file while the daemon runs.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(job.Path, "drop.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(job.Path, watch.PostedDir, "drop.txt"))
		return err == nil
	}, 3*time.Second, 25*time.Millisecond, "daemon must post and relocate the file")

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not shut down after delivery")
	}
}
