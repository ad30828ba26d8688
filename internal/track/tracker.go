package track

import (
	"sort"
	"sync"
	"time"
)

// State is a tracked file's position in the delivery pipeline.
type State int

const (
	Detected State = iota
	Stabilizing
	ReadyToPost
	Posting
	Posted
	Rejected
)

func (s State) String() string {
	switch s {
	case Detected:
		return "DETECTED"
	case Stabilizing:
		return "STABILIZING"
	case ReadyToPost:
		return "READY"
	case Posting:
		return "POSTING"
	case Posted:
		return "POSTED"
	case Rejected:
		return "REJECTED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the state ends a file's processing.
func (s State) Terminal() bool { return s == Posted || s == Rejected }

// File is the tracker's record of one in-flight file, keyed by base name.
type File struct {
	Name     string
	Path     string
	State    State
	Size     int64
	ModTime  int64
	Stable   int // consecutive identical size/mtime observations
	Attempts int
	Detected time.Time
	Observed time.Time // last counted observation (or last change)
}

// Tracker holds every non-terminal file of a single watched folder. It
// enforces the one-entry-per-filename rule: a second detection of a name that
// is still in flight is ignored until the first instance is released.
type Tracker struct {
	mu    sync.Mutex
	files map[string]*File
}

func New() *Tracker {
	return &Tracker{files: make(map[string]*File)}
}

// Admit registers a newly detected file. It returns false when the name is
// already tracked, which suppresses duplicate events from the notify and poll
// sources firing for the same file.
func (t *Tracker) Admit(name, path string, size, modTime int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.files[name]; exists {
		return false
	}
	now := time.Now()
	t.files[name] = &File{
		Name:     name,
		Path:     path,
		State:    Detected,
		Size:     size,
		ModTime:  modTime,
		Detected: now,
		Observed: now,
	}
	return true
}

// Get returns a copy of the tracked record, if any.
func (t *Tracker) Get(name string) (File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[name]
	if !ok {
		return File{}, false
	}
	return *f, true
}

// Observe feeds a fresh stat into the stability count. Identical size and
// mtime advance the count, but only when at least minGap has passed since the
// last counted sighting; a sighting that follows too quickly is discarded so
// the required observations are genuinely separated in time, not just
// consecutive. Any change resets the count and restarts the quiet period.
// It returns the updated consecutive-stable count.
func (t *Tracker) Observe(name string, size, modTime int64, at time.Time, minGap time.Duration) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[name]
	if !ok {
		return 0, false
	}
	if f.State != Detected && f.State != Stabilizing {
		return f.Stable, true
	}
	switch {
	case size != f.Size || modTime != f.ModTime:
		f.Size = size
		f.ModTime = modTime
		f.Stable = 0
		f.Observed = at
	case at.Sub(f.Observed) >= minGap:
		f.Stable++
		f.Observed = at
	}
	f.State = Stabilizing
	return f.Stable, true
}

// SetState transitions a tracked file. Unknown names are ignored.
func (t *Tracker) SetState(name string, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.files[name]; ok {
		f.State = s
	}
}

// AddAttempt bumps the delivery attempt counter.
func (t *Tracker) AddAttempt(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.files[name]; ok {
		f.Attempts++
	}
}

// Release removes a file from the tracker, either because it reached a
// terminal state and was relocated, or because it vanished mid-check. After
// release the same name may be admitted again as a fully new file.
func (t *Tracker) Release(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, name)
}

// Settling returns copies of files still in Detected or Stabilizing state,
// for the watcher's periodic re-stat pass. Ordered oldest detection first so
// files becoming ready in the same pass keep their arrival order.
func (t *Tracker) Settling() []File {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]File, 0, len(t.files))
	for _, f := range t.files {
		if f.State == Detected || f.State == Stabilizing {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Detected.Equal(out[j].Detected) {
			return out[i].Name < out[j].Name
		}
		return out[i].Detected.Before(out[j].Detected)
	})
	return out
}

// Len is the number of tracked (non-terminal) files.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
