package downloader

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hostget/hostget/internal/extractor"
	"github.com/hostget/hostget/internal/status"
)

// Task is one file transfer. Progress is safe for concurrent readers; the
// downloader goroutine is the only writer.
type Task struct {
	ID         string
	FileInfo   *extractor.FileInfo
	OutputPath string
	MaxRetries int

	Progress *Progress

	attempt   atomic.Int32
	cancelled atomic.Bool
}

func NewTask(info *extractor.FileInfo, outputPath string, maxRetries int) *Task {
	return &Task{
		ID:         uuid.NewString()[:8],
		FileInfo:   info,
		OutputPath: outputPath,
		MaxRetries: maxRetries,
		Progress:   &Progress{},
	}
}

// Cancel requests a cooperative stop. The transfer ends at the next chunk
// boundary.
func (t *Task) Cancel() { t.cancelled.Store(true) }

func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Attempt reports the zero-based attempt currently running or last run.
func (t *Task) Attempt() int { return int(t.attempt.Load()) }

func (t *Task) SetAttempt(n int) { t.attempt.Store(int32(n)) }

// Progress is the mutable transfer state of a task.
type Progress struct {
	mu         sync.RWMutex
	status     status.Status
	downloaded int64
	total      int64
	speed      float64
	eta        float64
	err        string
}

func (p *Progress) Status() status.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Progress) SetStatus(s status.Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Progress) SetError(msg string) {
	p.mu.Lock()
	p.status = status.Failed
	p.err = msg
	p.mu.Unlock()
}

func (p *Progress) Error() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

func (p *Progress) update(downloaded, total int64, speed, eta float64) {
	p.mu.Lock()
	p.downloaded = downloaded
	p.total = total
	p.speed = speed
	p.eta = eta
	p.mu.Unlock()
}

// ResetForRetry rewinds the task to a pending state before another attempt.
// Byte counters are kept so a resumed attempt reports continuous progress.
func (p *Progress) ResetForRetry() {
	p.mu.Lock()
	p.status = status.Pending
	p.err = ""
	p.speed = 0
	p.eta = 0
	p.mu.Unlock()
}

// Snapshot returns a consistent copy of the progress counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := ProgressSnapshot{
		Downloaded: p.downloaded,
		Total:      p.total,
		Speed:      p.speed,
		ETA:        p.eta,
		Status:     p.status,
		Error:      p.err,
	}
	if p.total > 0 {
		// A host understating its Content-Length must not push this past 100.
		snap.Percentage = min(float64(p.downloaded)/float64(p.total)*100, 100)
	}
	return snap
}

type ProgressSnapshot struct {
	Downloaded int64
	Total      int64
	Percentage float64
	Speed      float64
	ETA        float64
	Status     status.Status
	Error      string
}

// ProgressUpdate is the payload handed to progress callbacks.
type ProgressUpdate struct {
	TaskID     string
	Filename   string
	Downloaded int64
	Total      int64
	Percentage float64
	Speed      float64
	ETA        float64
	Status     string
}

// ProgressFunc receives periodic transfer updates. Callbacks must be fast;
// they run on the transfer goroutine.
type ProgressFunc func(ProgressUpdate)
