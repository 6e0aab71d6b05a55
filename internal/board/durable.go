package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DurableStore persists confirmed tasks. The mutation coordinator writes
// through after every apply; ReadAll serves cold-start room loads.
type DurableStore interface {
	WriteTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, projectID, taskID string) error
	ReadAll(ctx context.Context, projectID string) ([]Task, error)
	Name() string
}

type durableCloser interface {
	Close() error
}

// CloseDurableStore closes the backend if it holds external resources.
func CloseDurableStore(store DurableStore) error {
	if closer, ok := store.(durableCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

// MemoryDurableStore keeps confirmed tasks in process memory. It is the
// default backend for development and tests.
type MemoryDurableStore struct {
	mu       sync.Mutex
	projects map[string]map[string]Task
}

func NewMemoryDurableStore() *MemoryDurableStore {
	return &MemoryDurableStore{projects: map[string]map[string]Task{}}
}

func (m *MemoryDurableStore) WriteTask(ctx context.Context, task Task) error {
	if task.ID == "" || task.ProjectID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	project := m.projects[task.ProjectID]
	if project == nil {
		project = map[string]Task{}
		m.projects[task.ProjectID] = project
	}
	project[task.ID] = task
	return nil
}

func (m *MemoryDurableStore) DeleteTask(ctx context.Context, projectID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if project, ok := m.projects[projectID]; ok {
		delete(project, taskID)
	}
	return nil
}

func (m *MemoryDurableStore) ReadAll(ctx context.Context, projectID string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project := m.projects[projectID]
	tasks := make([]Task, 0, len(project))
	for _, task := range project {
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (m *MemoryDurableStore) Name() string {
	return "memory"
}

// JSONFileDurableStore persists the full task map as one JSON document,
// written atomically via a temp file rename.
type JSONFileDurableStore struct {
	path string

	mu       sync.Mutex
	loaded   bool
	projects map[string]map[string]Task
}

func NewJSONFileDurableStore(path string) (*JSONFileDurableStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &JSONFileDurableStore{path: path, projects: map[string]map[string]Task{}}, nil
}

func (f *JSONFileDurableStore) WriteTask(ctx context.Context, task Task) error {
	if task.ID == "" || task.ProjectID == "" {
		return ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoadedLocked(); err != nil {
		return err
	}
	project := f.projects[task.ProjectID]
	if project == nil {
		project = map[string]Task{}
		f.projects[task.ProjectID] = project
	}
	project[task.ID] = task
	return f.saveLocked()
}

func (f *JSONFileDurableStore) DeleteTask(ctx context.Context, projectID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoadedLocked(); err != nil {
		return err
	}
	if project, ok := f.projects[projectID]; ok {
		delete(project, taskID)
		if len(project) == 0 {
			delete(f.projects, projectID)
		}
	}
	return f.saveLocked()
}

func (f *JSONFileDurableStore) ReadAll(ctx context.Context, projectID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	project := f.projects[projectID]
	tasks := make([]Task, 0, len(project))
	for _, task := range project {
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (f *JSONFileDurableStore) Name() string {
	return "file"
}

func (f *JSONFileDurableStore) ensureLoadedLocked() error {
	if f.loaded {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.loaded = true
			return nil
		}
		return err
	}
	var snapshot map[string]map[string]Task
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot != nil {
		f.projects = snapshot
	}
	f.loaded = true
	return nil
}

func (f *JSONFileDurableStore) saveLocked() error {
	data, err := json.Marshal(f.projects)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// BuildDurableStoreFromDSN selects a backend by DSN scheme: memory://,
// file://<path> (or a bare path), postgres://.
func BuildDurableStoreFromDSN(dsn string) (DurableStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileDurableStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryDurableStore(), nil
	case "postgres", "postgresql":
		return NewPostgresDurableStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported durable store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, dsn string) (string, error) {
	if parsed.Scheme == "" {
		return dsn, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("missing path in dsn: %s", dsn)
	}
	return path, nil
}
