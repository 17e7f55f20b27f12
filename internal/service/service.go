// Package service is the high level facade tying extraction, download
// orchestration, durable task records and event publication together.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hostget/hostget/internal/downloader"
	"github.com/hostget/hostget/internal/events"
	"github.com/hostget/hostget/internal/logger"
	"github.com/hostget/hostget/internal/manager"
	"github.com/hostget/hostget/internal/repository"
	"github.com/hostget/hostget/internal/status"
)

// ProgressEvent is the payload published on the download_progress topic.
type ProgressEvent struct {
	TaskID string
	Update downloader.ProgressUpdate
}

// CompleteEvent is published once per Download call on success.
type CompleteEvent struct {
	TaskID string
	Files  int
}

// ErrorEvent is published when a Download call ends in failure.
type ErrorEvent struct {
	TaskID string
	Err    string
}

// Service exposes the engine's public operations. One registry record tracks
// each Download call, however many files the link expands to.
type Service struct {
	manager  *manager.Manager
	registry *repository.TaskRegistry
	bus      *events.Bus

	mu   sync.Mutex
	live map[string]map[string]struct{} // registry id -> live task ids
}

func New(mgr *manager.Manager, registry *repository.TaskRegistry, bus *events.Bus) *Service {
	return &Service{
		manager:  mgr,
		registry: registry,
		bus:      bus,
		live:     make(map[string]map[string]struct{}),
	}
}

// Download resolves a share link and downloads everything it yields, driving
// the registry record through extracting, downloading and a terminal state.
// The returned id identifies the record whether the transfer succeeded or
// not; the error reports what went wrong.
func (s *Service) Download(ctx context.Context, url, outputDir, password string) (string, error) {
	id, err := s.registry.Create(url, outputDir)
	if err != nil {
		return "", fmt.Errorf("creating task record: %w", err)
	}

	s.mu.Lock()
	s.live[id] = make(map[string]struct{})
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.live, id)
		s.mu.Unlock()
	}()

	s.setStatus(id, status.Extracting)

	results, err := s.manager.DownloadURL(ctx, url, password, outputDir, func(u downloader.ProgressUpdate) {
		s.handleProgress(id, u)
	})
	if err != nil {
		s.finalize(id, status.Failed, err.Error())
		return id, err
	}

	var failures []string
	cancelled := false
	for _, r := range results {
		if r.Success {
			continue
		}
		if r.Error == "cancelled" {
			cancelled = true
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %s", r.Task.FileInfo.Filename, r.Error))
	}

	switch {
	case len(failures) > 0:
		msg := strings.Join(failures, "; ")
		s.finalize(id, status.Failed, msg)
		return id, fmt.Errorf("%d of %d files failed: %s", len(failures), len(results), msg)
	case cancelled:
		s.finalize(id, status.Cancelled, "")
		return id, nil
	default:
		s.finalize(id, status.Completed, "")
		s.bus.Emit(events.DownloadComplete, CompleteEvent{TaskID: id, Files: len(results)})
		return id, nil
	}
}

// Cancel requests cancellation of a running Download and marks the record
// cancelled. Transfers stop at their next chunk boundary. Returns false when
// the id is unknown or already terminal.
func (s *Service) Cancel(id string) bool {
	info, err := s.registry.Get(id)
	if err != nil {
		return false
	}
	if status.IsTerminal(status.Parse(info.Status)) {
		return false
	}

	s.mu.Lock()
	taskIDs := make([]string, 0, len(s.live[id]))
	for taskID := range s.live[id] {
		taskIDs = append(taskIDs, taskID)
	}
	s.mu.Unlock()

	for _, taskID := range taskIDs {
		s.manager.CancelTask(taskID)
	}

	s.setStatus(id, status.Cancelled)
	return true
}

// GetStatus fetches the durable record for a Download call.
func (s *Service) GetStatus(id string) (*repository.TaskInfo, error) {
	return s.registry.Get(id)
}

// ListActive returns all non-terminal records, oldest first.
func (s *Service) ListActive() ([]*repository.TaskInfo, error) {
	return s.registry.ListActive()
}

func (s *Service) handleProgress(id string, u downloader.ProgressUpdate) {
	s.mu.Lock()
	if tasks, ok := s.live[id]; ok {
		tasks[u.TaskID] = struct{}{}
	}
	s.mu.Unlock()

	if u.Status == status.String(status.Downloading) {
		s.registry.Update(id, repository.TaskUpdate{
			Status: ptr(u.Status),
			Progress: &repository.ProgressSnapshot{
				Downloaded: u.Downloaded,
				Total:      u.Total,
				Percentage: u.Percentage,
				Speed:      u.Speed,
				ETA:        u.ETA,
			},
		})
	}

	s.bus.Emit(events.DownloadProgress, ProgressEvent{TaskID: id, Update: u})
}

func (s *Service) setStatus(id string, st status.Status) {
	if err := s.registry.Update(id, repository.TaskUpdate{Status: ptr(status.String(st))}); err != nil {
		logger.Errorf("Failed to update task %s status: %v", id, err)
	}
}

func (s *Service) finalize(id string, st status.Status, errMsg string) {
	upd := repository.TaskUpdate{
		Status: ptr(status.String(st)),
		Error:  ptr(errMsg),
	}
	if err := s.registry.Update(id, upd); err != nil {
		logger.Errorf("Failed to finalize task %s: %v", id, err)
	}

	if st == status.Failed && errMsg != "" {
		s.bus.Emit(events.DownloadError, ErrorEvent{TaskID: id, Err: errMsg})
	}
}

func ptr[T any](v T) *T { return &v }
