package task

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrStoreUnavailable is returned when a task record cannot be written. While
// the store is unavailable no new work should be accepted.
var ErrStoreUnavailable = errors.New("task store unavailable")

const (
	storeVersion = 1
	taskExt      = ".task"
)

// envelope is the on-disk record format. The payload is a msgpack-encoded
// Task; the checksum is CRC-32 (IEEE) over the payload bytes.
type envelope struct {
	Version  int    `msgpack:"version"`
	Payload  []byte `msgpack:"payload"`
	Checksum uint32 `msgpack:"checksum"`
}

// Store persists one file per task under a data directory. Records are
// written to a temp file and renamed into place, so a crash mid-write leaves
// either the old record or the new one, never a torn file.
type Store struct {
	dir      string
	log      zerolog.Logger
	mu       sync.Mutex
	degraded bool
}

// NewStore opens (creating if needed) the task directory.
func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create task store directory: %w", err)
	}

	return &Store{
		dir: dir,
		log: log.With().Str("component", "task_store").Logger(),
	}, nil
}

// Dir returns the directory holding the task records.
func (s *Store) Dir() string {
	return s.dir
}

// Healthy reports whether the last write succeeded. A degraded store clears
// once a write goes through again.
func (s *Store) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.degraded
}

// Save writes the task's current state to disk, replacing any previous record.
func (s *Store) Save(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}

	record, err := msgpack.Marshal(&envelope{
		Version:  storeVersion,
		Payload:  payload,
		Checksum: crc32.ChecksumIEEE(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to encode record for task %s: %w", t.ID, err)
	}

	if err := s.writeAtomic(s.path(t.ID), record); err != nil {
		s.degraded = true
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("Task store write failed, store unavailable")
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.degraded = false
	return nil
}

// Delete removes a task record. Missing records are not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// Load reads every task record from the store directory. Records that fail
// to decode or whose checksum does not match are removed and skipped, and
// leftover temp files from interrupted writes are cleaned up.
func (s *Store) Load() ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read task store directory: %w", err)
	}

	tasks := make([]*Task, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		if strings.Contains(entry.Name(), ".tmp-") {
			os.Remove(path)
			continue
		}
		if !strings.HasSuffix(entry.Name(), taskExt) {
			continue
		}

		t, err := readRecord(path)
		if err != nil {
			s.log.Warn().Err(err).Str("file", entry.Name()).Msg("Discarding corrupt task record")
			if rmErr := os.Remove(path); rmErr != nil {
				s.log.Error().Err(rmErr).Str("file", entry.Name()).Msg("Failed to remove corrupt task record")
			}
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+taskExt)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func readRecord(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Version != storeVersion {
		return nil, fmt.Errorf("unsupported record version %d", env.Version)
	}
	if crc32.ChecksumIEEE(env.Payload) != env.Checksum {
		return nil, errors.New("checksum mismatch")
	}

	var t Task
	if err := msgpack.Unmarshal(env.Payload, &t); err != nil {
		return nil, fmt.Errorf("invalid task payload: %w", err)
	}
	return &t, nil
}
