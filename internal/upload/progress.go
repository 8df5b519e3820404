package upload

import "sync"

// Progress is reported through Params.OnProgress. Loaded and Percent never
// decrease during one upload, and Percent stays at or below 99 until the
// server confirms the file.
type Progress struct {
	Loaded  int64
	Total   int64
	Percent float64
	// CurrentSlice and TotalSlices are zero for single-shot uploads.
	CurrentSlice int
	TotalSlices  int
}

const (
	// transferCap is the highest percent reported while bytes are moving.
	transferCap = 95
	// pollCap is the highest percent reported while waiting on the server.
	pollCap = 99
)

// tracker enforces the progress invariants whatever the callers feed it.
type tracker struct {
	mu          sync.Mutex
	fn          func(Progress)
	total       int64
	totalSlices int
	last        Progress
	started     bool
}

func newTracker(fn func(Progress), total int64, totalSlices int) *tracker {
	return &tracker{fn: fn, total: total, totalSlices: totalSlices}
}

// bytes reports transfer progress, capped at transferCap.
func (t *tracker) bytes(loaded int64, slice int) {
	percent := 0.0
	if t.total > 0 {
		percent = float64(loaded) / float64(t.total) * 100
	}
	if percent > transferCap {
		percent = transferCap
	}
	t.emit(loaded, percent, slice)
}

// transferred marks every byte sent, still pending server confirmation.
func (t *tracker) transferred() {
	t.emit(t.total, transferCap, t.totalSlices)
}

// polling reports server-side processing, rising from 95 toward 99.
func (t *tracker) polling(attempt, maxAttempts int) {
	percent := float64(transferCap)
	if maxAttempts > 0 {
		percent += float64(attempt) / float64(maxAttempts) * 4
	}
	if percent > pollCap {
		percent = pollCap
	}
	t.emit(t.total, percent, t.totalSlices)
}

// done reports confirmed completion.
func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publish(Progress{
		Loaded:       t.total,
		Total:        t.total,
		Percent:      100,
		CurrentSlice: t.totalSlices,
		TotalSlices:  t.totalSlices,
	})
}

func (t *tracker) emit(loaded int64, percent float64, slice int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if loaded > t.total {
		loaded = t.total
	}
	if loaded < t.last.Loaded {
		loaded = t.last.Loaded
	}
	if percent < t.last.Percent {
		percent = t.last.Percent
	}
	if slice < t.last.CurrentSlice {
		slice = t.last.CurrentSlice
	}
	p := Progress{
		Loaded:       loaded,
		Total:        t.total,
		Percent:      percent,
		CurrentSlice: slice,
		TotalSlices:  t.totalSlices,
	}
	if t.started && p == t.last {
		return
	}
	t.publish(p)
}

func (t *tracker) publish(p Progress) {
	t.started = true
	t.last = p
	if t.fn != nil {
		t.fn(p)
	}
}

// snapshot returns the last reported progress.
func (t *tracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
