// Package state persists orchestrator state: one manager file with the id
// counter, one JSON record per worker, and an append-only action log.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/kazz187/bugyo/internal/worker"
	"github.com/kazz187/bugyo/pkg/cerr"
	"github.com/kazz187/bugyo/pkg/storage"
)

const (
	managerPath   = "manager.json"
	workersPrefix = "workers"
	actionLogPath = "action_log.jsonl"

	// actionLogWindow caps how many action log entries are replayed on load.
	actionLogWindow = 1000
)

// ManagerState holds orchestrator-level counters.
type ManagerState struct {
	NextID int64 `json:"next_id"`
}

// ActionLogEntry is one line of the append-only orchestration log.
type ActionLogEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Worker    string `json:"worker,omitempty"`
}

// Store reads and writes durable orchestrator state through a Storage
// backend. Writes are crash-safe via the backend's atomic Write.
type Store struct {
	storage storage.Storage
}

func NewStore(s storage.Storage) *Store {
	return &Store{storage: s}
}

// LoadManager returns the saved manager state, or nil when none exists.
func (s *Store) LoadManager(ctx context.Context) (*ManagerState, error) {
	data, err := s.storage.Read(ctx, managerPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, cerr.WrapStorageReadError("manager state", err)
	}
	var state ManagerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error",
			fmt.Errorf("failed to parse manager state: %w", err))
	}
	return &state, nil
}

func (s *Store) SaveManager(ctx context.Context, state *ManagerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error",
			fmt.Errorf("failed to serialize manager state: %w", err))
	}
	if err := s.storage.Write(ctx, managerPath, data); err != nil {
		return cerr.WrapStorageWriteError("manager state", err)
	}
	return nil
}

// LoadNextID returns the persisted id counter, or 1 when no manager state
// has been saved yet. Worker ids start at 1; zero means "no worker".
func (s *Store) LoadNextID(ctx context.Context) (int64, error) {
	state, err := s.LoadManager(ctx)
	if err != nil {
		return 0, err
	}
	if state == nil || state.NextID < 1 {
		return 1, nil
	}
	return state.NextID, nil
}

func (s *Store) SaveNextID(ctx context.Context, nextID int64) error {
	return s.SaveManager(ctx, &ManagerState{NextID: nextID})
}

func workerPath(name string) string {
	return path.Join(workersPrefix, name+".json")
}

// SaveWorker writes one worker record, keyed by the worker's name.
func (s *Store) SaveWorker(ctx context.Context, record *worker.Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error",
			fmt.Errorf("failed to serialize worker %s: %w", record.Snapshot.Name, err))
	}
	if err := s.storage.Write(ctx, workerPath(record.Snapshot.Name), data); err != nil {
		return cerr.WrapStorageWriteError("worker record", err)
	}
	return nil
}

// LoadWorkers reads every stored worker record. Unreadable or unparseable
// files are skipped; their errors come back joined alongside the
// successfully parsed records.
func (s *Store) LoadWorkers(ctx context.Context) ([]*worker.Record, error) {
	paths, err := s.storage.List(ctx, workersPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("worker records", err)
	}

	var (
		records []*worker.Record
		errs    []error
	)
	for _, p := range paths {
		if !strings.HasSuffix(p, ".json") {
			continue
		}
		data, err := s.storage.Read(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read %s: %w", p, err))
			continue
		}
		var record worker.Record
		if err := json.Unmarshal(data, &record); err != nil {
			errs = append(errs, fmt.Errorf("failed to parse %s: %w", p, err))
			continue
		}
		records = append(records, &record)
	}
	return records, errors.Join(errs...)
}

func (s *Store) DeleteWorker(ctx context.Context, name string) error {
	if err := s.storage.Delete(ctx, workerPath(name)); err != nil {
		return cerr.WrapStorageDeleteError("worker record", err)
	}
	return nil
}

// RenameWorker moves a record file to its new name. The destination must
// not already exist.
func (s *Store) RenameWorker(ctx context.Context, oldName, newName string) error {
	if err := s.storage.Rename(ctx, workerPath(oldName), workerPath(newName)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return cerr.NewError(cerr.NotFound, fmt.Sprintf("worker record %s not found", oldName), err)
		}
		return cerr.NewError(cerr.Internal, "server error",
			fmt.Errorf("failed to rename worker record %s to %s: %w", oldName, newName, err))
	}
	return nil
}

// AppendAction adds one entry to the action log.
func (s *Store) AppendAction(ctx context.Context, message, workerName string) error {
	entry := ActionLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   message,
		Worker:    workerName,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error",
			fmt.Errorf("failed to serialize action log entry: %w", err))
	}
	if err := s.storage.Append(ctx, actionLogPath, append(data, '\n')); err != nil {
		return cerr.WrapStorageWriteError("action log", err)
	}
	return nil
}

// LoadActionLog returns at most the last actionLogWindow entries.
// Malformed lines are skipped.
func (s *Store) LoadActionLog(ctx context.Context) ([]ActionLogEntry, error) {
	data, err := s.storage.Read(ctx, actionLogPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, cerr.WrapStorageReadError("action log", err)
	}

	var entries []ActionLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry ActionLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) > actionLogWindow {
		entries = entries[len(entries)-actionLogWindow:]
	}
	return entries, nil
}
