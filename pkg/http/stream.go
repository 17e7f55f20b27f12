package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const DefaultChunkSize = 1024 * 1024

// StreamOptions configures a chunked download stream.
type StreamOptions struct {
	Headers map[string]string
	// ChunkSize bounds each yielded chunk. Defaults to DefaultChunkSize.
	ChunkSize int
	// ChunkTimeout bounds each individual chunk read. Zero disables the
	// bound. Exceeding it yields ErrChunkTimeout, distinct from generic
	// failures, so callers can retry the stream.
	ChunkTimeout time.Duration
}

// Stream yields successive chunks of a response body. Chunks are strictly
// ordered; the buffer returned by Next is reused on the following call.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	buf    []byte

	downloaded int64
	total      int64

	chunkTimeout time.Duration
	timedOut     atomic.Bool
	done         bool
}

// DownloadStream opens a cancellable chunked byte stream over url. The total
// size comes from Content-Length (zero when absent). The request passes
// through the same retry wrapper as every other method.
func (c *Client) DownloadStream(ctx context.Context, urlStr string, opts StreamOptions) (*Stream, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	// A child context lets the per-chunk watchdog abort a stalled read
	// without touching the caller's context.
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := c.do(streamCtx, func() (*http.Request, error) {
		return c.newRequest(streamCtx, http.MethodGet, urlStr, nil, opts.Headers)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	return &Stream{
		body:         resp.Body,
		cancel:       cancel,
		buf:          make([]byte, chunkSize),
		total:        total,
		chunkTimeout: opts.ChunkTimeout,
	}, nil
}

// Next returns the next chunk along with the bytes streamed so far and the
// total expected bytes (zero if unknown). It returns io.EOF after the final
// chunk has been delivered.
func (s *Stream) Next() ([]byte, int64, int64, error) {
	if s.done {
		return nil, s.downloaded, s.total, io.EOF
	}

	var watchdog *time.Timer
	if s.chunkTimeout > 0 {
		watchdog = time.AfterFunc(s.chunkTimeout, func() {
			s.timedOut.Store(true)
			s.cancel()
		})
	}

	n, err := io.ReadFull(s.body, s.buf)

	if watchdog != nil {
		watchdog.Stop()
	}

	s.downloaded += int64(n)

	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.done = true

			if n > 0 {
				return s.buf[:n], s.downloaded, s.total, nil
			}

			return nil, s.downloaded, s.total, io.EOF
		}

		if s.timedOut.Load() {
			return nil, s.downloaded, s.total, fmt.Errorf("%w after %v", ErrChunkTimeout, s.chunkTimeout)
		}

		return nil, s.downloaded, s.total, ClassifyError(err)
	}

	return s.buf[:n], s.downloaded, s.total, nil
}

// Downloaded returns the bytes streamed so far.
func (s *Stream) Downloaded() int64 {
	return s.downloaded
}

// Total returns the expected byte count, zero if the server did not say.
func (s *Stream) Total() int64 {
	return s.total
}

// Close releases the underlying connection. Always safe to call.
func (s *Stream) Close() error {
	s.cancel()
	return s.body.Close()
}
