// Package downloader streams single files to disk with resume, inline
// AES-CTR decryption, throttling and post-transfer verification.
package downloader

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/hostget/hostget/internal/logger"
	"github.com/hostget/hostget/internal/status"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

var (
	ErrIncompleteTransfer = errors.New("transfer ended before all bytes arrived")

	errCancelled = errors.New("transfer cancelled")
)

const (
	defaultChunkTimeout    = 60 * time.Second
	defaultMaxChunkRetries = 5
	maxChunkRetryWait      = 30 * time.Second

	// progressInterval throttles callback emission so slow consumers do
	// not stall the transfer loop.
	progressInterval = 250 * time.Millisecond
)

type Config struct {
	ChunkSize       int
	ChunkTimeout    time.Duration
	MaxChunkRetries int
	EnableResume    bool
	SpeedLimit      int64 // bytes per second, 0 means unlimited
	VerifyChecksum  bool
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = pkghttp.DefaultChunkSize
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = defaultChunkTimeout
	}
	if c.MaxChunkRetries <= 0 {
		c.MaxChunkRetries = defaultMaxChunkRetries
	}
	return c
}

// FileDownloader transfers single files. One instance is safe for use by
// multiple goroutines; per-transfer state lives on the Task.
type FileDownloader struct {
	client *pkghttp.Client
	cfg    Config
}

func New(client *pkghttp.Client, cfg Config) *FileDownloader {
	return &FileDownloader{client: client, cfg: cfg.withDefaults()}
}

// Download runs one transfer attempt to completion. Cancellation through the
// task is not an error and returns nil with the task marked cancelled; every
// other early exit marks the task failed and returns the cause.
func (d *FileDownloader) Download(ctx context.Context, task *Task, onProgress ProgressFunc) error {
	info := task.FileInfo

	url := info.DirectURL
	if url == "" {
		url = info.URL
	}

	task.Progress.SetStatus(status.Downloading)

	probe, err := d.client.Probe(ctx, url, info.Headers)
	if err != nil {
		if errors.Is(err, context.Canceled) || task.Cancelled() {
			return d.cancelled(task)
		}
		logger.Warnf("Probe failed for %s, proceeding without resume support: %v", task.ID, err)
		probe = &pkghttp.ProbeInfo{Size: info.Size}
	}

	total := probe.Size
	if total <= 0 {
		total = info.Size
	}

	offset := d.resumeOffset(task, probe, total)

	if err := checkDiskSpace(filepath.Dir(task.OutputPath), total-offset); err != nil {
		return d.fail(task, err)
	}

	if total > 0 && offset == total {
		logger.Infof("Task %s already has all %d bytes on disk, verifying", task.ID, total)
		task.Progress.update(total, total, 0, 0)
		return d.finish(ctx, task, onProgress)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(task.OutputPath, flags, 0644)
	if err != nil {
		return d.fail(task, fmt.Errorf("opening output file: %w", err))
	}
	defer file.Close()

	state := &transferState{
		url:        url,
		downloaded: offset,
		total:      total,
		file:       file,
		estimator:  newSpeedEstimator(time.Now(), offset),
	}
	if d.cfg.SpeedLimit > 0 {
		burst := d.cfg.ChunkSize
		if int64(burst) < d.cfg.SpeedLimit {
			burst = int(d.cfg.SpeedLimit)
		}
		state.limiter = rate.NewLimiter(rate.Limit(d.cfg.SpeedLimit), burst)
	}

	if offset > 0 {
		logger.Infof("Task %s resuming at byte %d of %d", task.ID, offset, total)
	}

	for retries := 0; ; retries++ {
		err := d.transfer(ctx, task, state, onProgress)
		if err == nil {
			break
		}

		if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) || task.Cancelled() {
			return d.cancelled(task)
		}

		if retries >= d.cfg.MaxChunkRetries || !pkghttp.IsRetryable(err) {
			return d.fail(task, err)
		}

		logger.Warnf("Task %s chunk failure (attempt %d/%d): %v",
			task.ID, retries+1, d.cfg.MaxChunkRetries, err)

		if !probe.AcceptsRanges && state.downloaded > 0 {
			// No range support means a mid-file reconnect cannot pick
			// up where it left off; start the file over.
			if err := d.restart(state); err != nil {
				return d.fail(task, err)
			}
		}

		wait := time.Duration(1<<retries) * time.Second
		if wait > maxChunkRetryWait {
			wait = maxChunkRetryWait
		}

		// The transfer is paused for the backoff window, not downloading.
		task.Progress.SetStatus(status.Paused)
		emitProgress(task, onProgress)

		if err := sleepCtx(ctx, wait); err != nil {
			return d.cancelled(task)
		}
	}

	if err := file.Sync(); err != nil {
		return d.fail(task, fmt.Errorf("syncing output file: %w", err))
	}

	return d.finish(ctx, task, onProgress)
}

type transferState struct {
	url        string
	downloaded int64
	total      int64
	file       *os.File
	estimator  *speedEstimator
	limiter    *rate.Limiter
}

// transfer runs one streaming pass from the current offset. Every committed
// chunk advances state.downloaded, so a retry after an error continues from
// the last durable byte.
func (d *FileDownloader) transfer(ctx context.Context, task *Task, state *transferState, onProgress ProgressFunc) error {
	info := task.FileInfo

	// A retry pass leaves the paused backoff window behind.
	task.Progress.SetStatus(status.Downloading)

	headers := make(map[string]string, len(info.Headers)+1)
	for k, v := range info.Headers {
		headers[k] = v
	}
	if state.downloaded > 0 {
		headers["Range"] = fmt.Sprintf("bytes=%d-", state.downloaded)
	}

	var decrypter cipher.Stream
	if info.Encrypted {
		var err error
		decrypter, err = newCTRDecrypter(info.EncryptionKey, info.EncryptionIV, state.downloaded)
		if err != nil {
			return err
		}
	}

	stream, err := d.client.DownloadStream(ctx, state.url, pkghttp.StreamOptions{
		Headers:      headers,
		ChunkSize:    d.cfg.ChunkSize,
		ChunkTimeout: d.cfg.ChunkTimeout,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	base := state.downloaded
	if remaining := stream.Total(); remaining > 0 {
		state.total = base + remaining
	}

	var lastEmit time.Time

	for {
		if task.Cancelled() {
			return errCancelled
		}

		chunk, _, _, err := stream.Next()

		if len(chunk) > 0 {
			if state.limiter != nil {
				if werr := state.limiter.WaitN(ctx, len(chunk)); werr != nil {
					return errCancelled
				}
			}

			if decrypter != nil {
				decrypter.XORKeyStream(chunk, chunk)
			}

			if _, werr := state.file.Write(chunk); werr != nil {
				return fmt.Errorf("writing output file: %w", werr)
			}

			state.downloaded += int64(len(chunk))

			speed := state.estimator.update(state.downloaded, time.Now())
			eta := state.estimator.eta(state.downloaded, state.total)
			task.Progress.update(state.downloaded, state.total, speed, eta)

			if time.Since(lastEmit) >= progressInterval {
				lastEmit = time.Now()
				emitProgress(task, onProgress)
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	emitProgress(task, onProgress)

	// Servers that drop the connection early still deliver a clean EOF
	// through the body; the byte count is the ground truth.
	if state.total > 0 && state.downloaded < state.total {
		return fmt.Errorf("%w: got %d of %d bytes",
			pkghttp.ErrUnexpectedEOF, state.downloaded, state.total)
	}

	return nil
}

// resumeOffset decides where the transfer starts based on any partial file
// already on disk.
func (d *FileDownloader) resumeOffset(task *Task, probe *pkghttp.ProbeInfo, total int64) int64 {
	st, err := os.Stat(task.OutputPath)
	if err != nil || st.Size() == 0 {
		return 0
	}

	if !d.cfg.EnableResume || !probe.AcceptsRanges {
		logger.Debugf("Task %s discarding %d byte partial (resume=%t ranges=%t)",
			task.ID, st.Size(), d.cfg.EnableResume, probe.AcceptsRanges)
		return 0
	}

	if total > 0 && st.Size() > total {
		logger.Warnf("Task %s partial file larger than remote (%d > %d), restarting",
			task.ID, st.Size(), total)
		return 0
	}

	return st.Size()
}

// restart truncates the partial file so a host without range support can be
// retried from the beginning.
func (d *FileDownloader) restart(state *transferState) error {
	if err := state.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating partial file: %w", err)
	}
	if _, err := state.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding partial file: %w", err)
	}

	state.downloaded = 0
	state.estimator = newSpeedEstimator(time.Now(), 0)
	return nil
}

func (d *FileDownloader) finish(ctx context.Context, task *Task, onProgress ProgressFunc) error {
	info := task.FileInfo

	if d.cfg.VerifyChecksum && info.Checksum != "" {
		task.Progress.SetStatus(status.Verifying)
		emitProgress(task, onProgress)

		if err := verifyChecksum(task.OutputPath, info.ChecksumType, info.Checksum); err != nil {
			return d.fail(task, err)
		}
	}

	task.Progress.SetStatus(status.Completed)
	emitProgress(task, onProgress)
	logger.Infof("Task %s completed: %s", task.ID, task.OutputPath)
	return nil
}

func (d *FileDownloader) fail(task *Task, err error) error {
	task.Progress.SetError(err.Error())
	logger.Errorf("Task %s failed: %v", task.ID, err)
	return err
}

func (d *FileDownloader) cancelled(task *Task) error {
	task.Progress.SetStatus(status.Cancelled)
	logger.Infof("Task %s cancelled", task.ID)
	return nil
}

func emitProgress(task *Task, onProgress ProgressFunc) {
	if onProgress == nil {
		return
	}

	snap := task.Progress.Snapshot()
	onProgress(ProgressUpdate{
		TaskID:     task.ID,
		Filename:   task.FileInfo.Filename,
		Downloaded: snap.Downloaded,
		Total:      snap.Total,
		Percentage: snap.Percentage,
		Speed:      snap.Speed,
		ETA:        snap.ETA,
		Status:     status.String(snap.Status),
	})
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
