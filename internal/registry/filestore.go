package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/task"
)

const (
	tasksetFileName = "tasks.json"
	eventLogName    = "events.jsonl"
)

// FileStore is a directory-backed Task Registry: one subdirectory per spec,
// each holding a tasks.json taskset and an events.jsonl append-only log.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore opens (creating if needed) a registry rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("registry dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the registry root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) specDir(spec string) string {
	return filepath.Join(s.dir, spec)
}

func (s *FileStore) loadTaskset(spec string) (*task.Taskset, error) {
	data, err := os.ReadFile(filepath.Join(s.specDir(spec), tasksetFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read taskset %s: %w", spec, err)
	}
	var ts task.Taskset
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("decode taskset %s: %w", spec, err)
	}
	return &ts, nil
}

func (s *FileStore) saveTaskset(ts *task.Taskset) error {
	dir := s.specDir(ts.SpecName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create spec dir %s: %w", ts.SpecName, err)
	}
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode taskset %s: %w", ts.SpecName, err)
	}
	tmp := filepath.Join(dir, tasksetFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write taskset %s: %w", ts.SpecName, err)
	}
	return os.Rename(tmp, filepath.Join(dir, tasksetFileName))
}

// SaveTaskset stores a full taskset, bumping its updated timestamp.
func (s *FileStore) SaveTaskset(ts *task.Taskset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts.UpdatedAt = time.Now().UTC()
	return s.saveTaskset(ts)
}

func (s *FileStore) GetTaskset(spec string) (*task.Taskset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTaskset(spec)
}

func (s *FileStore) GetTask(spec, taskID string) (*task.Task, error) {
	ts, err := s.GetTaskset(spec)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, nil
	}
	return ts.Get(taskID), nil
}

func (s *FileStore) ListTasksets() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list registry dir: %w", err)
	}
	specs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			specs = append(specs, e.Name())
		}
	}
	sort.Strings(specs)
	return specs, nil
}

func (s *FileStore) GetReadyTasks(spec string) ([]*task.Task, error) {
	specs := []string{spec}
	if spec == "" {
		var err error
		specs, err = s.ListTasksets()
		if err != nil {
			return nil, err
		}
	}

	var ready []*task.Task
	for _, name := range specs {
		ts, err := s.GetTaskset(name)
		if err != nil {
			return nil, err
		}
		if ts == nil {
			continue
		}
		for _, t := range ts.Tasks {
			if t.State == task.StateReady {
				ready = append(ready, t)
			}
		}
	}
	return ready, nil
}

func (s *FileStore) UpdateTaskState(spec, taskID string, newState task.State, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, err := s.loadTaskset(spec)
	if err != nil {
		return err
	}
	if ts == nil {
		return fmt.Errorf("taskset %q not found", spec)
	}
	t := ts.Get(taskID)
	if t == nil {
		return fmt.Errorf("task %q not found in spec %q", taskID, spec)
	}

	t.State = newState
	t.UpdatedAt = time.Now().UTC()
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	for k, v := range metadata {
		t.Metadata[k] = v
		switch k {
		case "runner_id":
			t.RunnerID = v
		case "assigned_slot":
			t.AssignedSlot = v
		}
	}
	ts.UpdatedAt = t.UpdatedAt

	if err := s.saveTaskset(ts); err != nil {
		return err
	}

	logger.WithTask(taskID).Debug().
		Str("spec", spec).
		Str("state", string(newState)).
		Msg("task state updated")
	return nil
}

func (s *FileStore) RecordEvent(ev *task.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.specDir(ev.SpecName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create spec dir %s: %w", ev.SpecName, err)
	}
	line, err := ev.ToJSONL()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", ev.SpecName, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append event %s: %w", ev.SpecName, err)
	}
	return nil
}

// ReadEvents returns every event recorded for a spec in append order.
func (s *FileStore) ReadEvents(spec string) ([]*task.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.specDir(spec), eventLogName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read event log %s: %w", spec, err)
	}
	var events []*task.Event
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		ev, err := task.EventFromJSONL(line)
		if err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
