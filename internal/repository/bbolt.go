// Package repository persists task records to bbolt so transfer state
// survives process restarts and is visible across processes.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/hostget/hostget/internal/status"
)

const (
	tasksBucket    = "tasks"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	// ErrTaskNotFound is returned when a task id has no record.
	ErrTaskNotFound = errors.New("task not found")
)

// TaskInfo is the durable record of one download request.
type TaskInfo struct {
	ID        string           `json:"id"`
	URL       string           `json:"url"`
	OutputDir string           `json:"output_dir"`
	Status    string           `json:"status"`
	Progress  ProgressSnapshot `json:"progress"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ProgressSnapshot is the persisted slice of transfer progress.
type ProgressSnapshot struct {
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
	Speed      float64 `json:"speed"`
	ETA        float64 `json:"eta"`
}

// TaskUpdate carries the fields to change; nil fields are left untouched.
type TaskUpdate struct {
	Status   *string
	Progress *ProgressSnapshot
	Error    *string
}

// TaskRegistry is a bbolt-backed task store. Safe for concurrent use; every
// mutation is one serialized write transaction.
type TaskRegistry struct {
	db *bbolt.DB
}

func NewTaskRegistry(dbPath string) (*TaskRegistry, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	reg := &TaskRegistry{db: db}

	if err := reg.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return reg, nil
}

func (r *TaskRegistry) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(tasksBucket)); err != nil {
			return fmt.Errorf("failed to create tasks bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		if err := meta.Put([]byte("schema_version"), versionBytes); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Create inserts a pending record and returns its generated id.
func (r *TaskRegistry) Create(url, outputDir string) (string, error) {
	now := time.Now().UTC()
	info := &TaskInfo{
		ID:        uuid.NewString(),
		URL:       url,
		OutputDir: outputDir,
		Status:    status.String(status.Pending),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.db.Update(func(tx *bbolt.Tx) error {
		return putTask(tx, info)
	})
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Update applies a partial update to an existing record.
func (r *TaskRegistry) Update(id string, upd TaskUpdate) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		info, err := getTask(tx, id)
		if err != nil {
			return err
		}

		if upd.Status != nil {
			info.Status = *upd.Status
		}
		if upd.Progress != nil {
			info.Progress = *upd.Progress
		}
		if upd.Error != nil {
			info.Error = *upd.Error
		}
		info.UpdatedAt = time.Now().UTC()

		return putTask(tx, info)
	})
}

// Get fetches one record by id.
func (r *TaskRegistry) Get(id string) (*TaskInfo, error) {
	var info *TaskInfo

	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		info, err = getTask(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ListActive returns every record not in a terminal state, oldest first.
func (r *TaskRegistry) ListActive() ([]*TaskInfo, error) {
	var active []*TaskInfo

	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tasksBucket)).ForEach(func(_, v []byte) error {
			var info TaskInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("failed to decode task record: %w", err)
			}

			if !status.IsTerminal(status.Parse(info.Status)) {
				active = append(active, &info)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// Delete removes a record. Deleting an unknown id is not an error.
func (r *TaskRegistry) Delete(id string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tasksBucket)).Delete([]byte(id))
	})
}

// Close flushes and closes the underlying database.
func (r *TaskRegistry) Close() error {
	return r.db.Close()
}

func putTask(tx *bbolt.Tx, info *TaskInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode task record: %w", err)
	}
	return tx.Bucket([]byte(tasksBucket)).Put([]byte(info.ID), data)
}

func getTask(tx *bbolt.Tx, id string) (*TaskInfo, error) {
	data := tx.Bucket([]byte(tasksBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode task record: %w", err)
	}
	return &info, nil
}
