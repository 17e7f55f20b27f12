// Package manager orchestrates extraction and concurrent downloads with a
// bounded worker pool, per-task retry budgets and collision-free output
// paths.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hostget/hostget/internal/downloader"
	"github.com/hostget/hostget/internal/extractor"
	"github.com/hostget/hostget/internal/logger"
	"github.com/hostget/hostget/internal/sanitize"
	"github.com/hostget/hostget/internal/status"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

const (
	defaultMaxConcurrent = 3
	defaultMaxRetries    = 3
	maxRetryWait         = 60 * time.Second
)

type Config struct {
	OutputDir       string
	MaxConcurrent   int
	MaxRetries      int
	ChunkSize       int
	ChunkTimeout    time.Duration
	MaxChunkRetries int
	EnableResume    bool
	SpeedLimit      int64
	VerifyChecksum  bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	return c
}

// Result is the final outcome of one task, success or not.
type Result struct {
	Task    *downloader.Task
	Success bool
	Error   string
}

// Manager runs downloads through a weighted semaphore so at most
// MaxConcurrent transfers touch the network at once.
type Manager struct {
	client     *pkghttp.Client
	registry   *extractor.Registry
	downloader *downloader.FileDownloader
	cfg        Config
	sem        *semaphore.Weighted

	mu        sync.Mutex
	tasks     map[string]*downloader.Task
	order     []string
	allocated map[string]struct{}
}

func New(client *pkghttp.Client, registry *extractor.Registry, cfg Config) *Manager {
	cfg = cfg.withDefaults()

	return &Manager{
		client:   client,
		registry: registry,
		downloader: downloader.New(client, downloader.Config{
			ChunkSize:       cfg.ChunkSize,
			ChunkTimeout:    cfg.ChunkTimeout,
			MaxChunkRetries: cfg.MaxChunkRetries,
			EnableResume:    cfg.EnableResume,
			SpeedLimit:      cfg.SpeedLimit,
			VerifyChecksum:  cfg.VerifyChecksum,
		}),
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		tasks:     make(map[string]*downloader.Task),
		allocated: make(map[string]struct{}),
	}
}

// ExtractFiles resolves a share link into file descriptors. Extraction
// errors pass through untouched so callers can match on the extractor's
// sentinel errors.
func (m *Manager) ExtractFiles(ctx context.Context, url, password string) ([]extractor.FileInfo, error) {
	ext, err := m.registry.ForURL(url)
	if err != nil {
		return nil, err
	}

	logger.Infof("Extracting %s with %s", url, ext.Name())

	files, err := ext.Extract(ctx, url, password)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: extractor produced no files", extractor.ErrNotFound)
	}
	return files, nil
}

// CreateTask registers a task with a collision-free output path. Distinct
// tasks never share a path; a retried task keeps the path it was given.
func (m *Manager) CreateTask(info *extractor.FileInfo, outputDir string) (*downloader.Task, error) {
	if outputDir == "" {
		outputDir = m.cfg.OutputDir
	}
	if info.ParentFolder != "" {
		outputDir = filepath.Join(outputDir, sanitize.Filename(info.ParentFolder))
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	path := m.allocatePath(outputDir, info.Filename)
	task := downloader.NewTask(info, path, m.cfg.MaxRetries)

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	m.mu.Unlock()

	return task, nil
}

// allocatePath reserves a unique output path under dir. The reservation set
// covers paths handed out but not yet on disk, so concurrent callers with
// identical filenames cannot race os.Stat into a collision.
func (m *Manager) allocatePath(dir, filename string) string {
	name := sanitize.Filename(filename)

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	m.mu.Lock()
	defer m.mu.Unlock()

	candidate := filepath.Join(dir, name)
	for n := 1; ; n++ {
		_, reserved := m.allocated[candidate]
		if !reserved && !fileExists(candidate) {
			break
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}

	m.allocated[candidate] = struct{}{}
	return candidate
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DownloadTask runs one task to a terminal state, holding a concurrency slot
// for its whole lifetime. The task gets MaxRetries+1 attempts with doubling
// waits in between; cancellation short-circuits the retry loop.
func (m *Manager) DownloadTask(ctx context.Context, task *downloader.Task, onProgress downloader.ProgressFunc) Result {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		task.Progress.SetStatus(status.Cancelled)
		return Result{Task: task, Error: err.Error()}
	}
	defer m.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * time.Second
			if wait > maxRetryWait {
				wait = maxRetryWait
			}

			logger.Infof("Task %s retry %d/%d in %v", task.ID, attempt, task.MaxRetries, wait)

			if err := sleepCtx(ctx, wait); err != nil {
				task.Progress.SetStatus(status.Cancelled)
				return Result{Task: task, Error: "cancelled"}
			}

			task.Progress.ResetForRetry()
		}

		task.SetAttempt(attempt)

		lastErr = m.downloader.Download(ctx, task, onProgress)

		switch task.Progress.Status() {
		case status.Completed:
			return Result{Task: task, Success: true}
		case status.Cancelled:
			return Result{Task: task, Error: "cancelled"}
		}

		if errors.Is(lastErr, context.Canceled) {
			task.Progress.SetStatus(status.Cancelled)
			return Result{Task: task, Error: "cancelled"}
		}

		// Another attempt can never fix a permanent refusal.
		if pkghttp.IsPermanent(lastErr) {
			break
		}
	}

	msg := "download failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return Result{Task: task, Error: msg}
}

// DownloadURL extracts a share link and downloads every file it yields.
// File failures are isolated: one bad file never aborts its siblings. The
// error return covers extraction only.
func (m *Manager) DownloadURL(ctx context.Context, url, password, outputDir string, onProgress downloader.ProgressFunc) ([]Result, error) {
	files, err := m.ExtractFiles(ctx, url, password)
	if err != nil {
		return nil, err
	}

	tasks := make([]*downloader.Task, 0, len(files))
	for i := range files {
		task, err := m.CreateTask(&files[i], outputDir)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	results := make([]Result, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = m.DownloadTask(gctx, task, onProgress)
			return nil
		})
	}
	g.Wait()

	return results, nil
}

// DownloadURLs processes several share links, each isolated from the others.
func (m *Manager) DownloadURLs(ctx context.Context, urls []string, password, outputDir string, onProgress downloader.ProgressFunc) map[string][]Result {
	out := make(map[string][]Result, len(urls))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, url := range urls {
		url := url
		g.Go(func() error {
			results, err := m.DownloadURL(gctx, url, password, outputDir, onProgress)
			if err != nil {
				logger.Errorf("Extraction failed for %s: %v", url, err)
			}

			mu.Lock()
			out[url] = results
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return out
}

// GetTask looks up a live task by id.
func (m *Manager) GetTask(id string) *downloader.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// Tasks returns all known tasks in creation order.
func (m *Manager) Tasks() []*downloader.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*downloader.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id])
	}
	return out
}

// CancelTask requests cancellation of a live task. Returns false for unknown
// ids or tasks already in a terminal state.
func (m *Manager) CancelTask(id string) bool {
	task := m.GetTask(id)
	if task == nil || status.IsTerminal(task.Progress.Status()) {
		return false
	}

	task.Cancel()
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
