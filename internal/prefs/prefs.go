// Package prefs is the client's local key-value store: session token,
// role, cached theme and last room.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	CurrentVersion = 1

	defaultDebounce = 500 * time.Millisecond
)

// Well-known keys.
const (
	KeySessionToken = "session_token"
	KeyRole         = "role"
	KeyTheme        = "theme_id"
	KeyLastRoom     = "last_room"
)

// Store is a string key-value store.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

type fileState struct {
	Version   int               `json:"version"`
	Values    map[string]string `json:"values"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
}

// File is a Store persisted as JSON. Writes are debounced, locked and
// atomic; concurrent clients sharing a file see last-writer-wins.
type File struct {
	path     string
	lockPath string

	mu       sync.Mutex
	values   map[string]string
	dirty    bool
	timer    *time.Timer
	debounce time.Duration
	lastErr  error
}

var _ Store = (*File)(nil)

// Option configures a File.
type Option func(*File)

// WithDebounce sets the delay between a Set and the write that follows.
func WithDebounce(d time.Duration) Option {
	return func(f *File) {
		if d > 0 {
			f.debounce = d
		}
	}
}

// NewFile creates a store at path. Call Load to read existing values.
func NewFile(path string, opts ...Option) *File {
	path = strings.TrimSpace(path)
	f := &File{
		path:     path,
		lockPath: path + ".lock",
		values:   make(map[string]string),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open creates a store at path and loads it.
func Open(path string, opts ...Option) (*File, error) {
	f := NewFile(path, opts...)
	if err := f.Load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

// Load replaces in-memory values with the file contents.
func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path == "" {
		return nil
	}

	loaded, err := f.loadLocked()
	if err != nil {
		return err
	}
	f.values = loaded
	f.dirty = false
	return nil
}

// Get implements Store.
func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[strings.TrimSpace(key)]
	return v, ok
}

// Set implements Store. The write happens after the debounce delay; the
// error of the previous background write, if any, is returned.
func (f *File) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("prefs: empty key")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.values[key]; ok && prev == value {
		return f.lastErr
	}
	f.values[key] = value
	f.markDirtyLocked()
	return f.lastErr
}

// Delete removes key.
func (f *File) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key = strings.TrimSpace(key)
	if _, ok := f.values[key]; !ok {
		return
	}
	delete(f.values, key)
	f.markDirtyLocked()
}

// Keys lists stored keys in order.
func (f *File) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close flushes pending writes.
func (f *File) Close() error {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	needsSave := f.dirty
	f.mu.Unlock()
	if !needsSave {
		return nil
	}
	return f.SaveNow()
}

// SaveNow writes immediately.
func (f *File) SaveNow() error {
	f.mu.Lock()
	if f.path == "" {
		f.mu.Unlock()
		return nil
	}
	state := fileState{
		Version:   CurrentVersion,
		Values:    cloneValues(f.values),
		UpdatedAt: time.Now().UTC(),
	}
	f.dirty = false
	f.mu.Unlock()

	if err := withFileLock(f.lockPath, func() error {
		return writeAtomicJSON(f.path, state)
	}); err != nil {
		f.mu.Lock()
		f.dirty = true
		f.lastErr = err
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	f.lastErr = nil
	f.mu.Unlock()
	return nil
}

func (f *File) markDirtyLocked() {
	f.dirty = true
	if f.path == "" {
		return
	}
	if f.timer == nil {
		f.timer = time.AfterFunc(f.debounce, func() {
			_ = f.SaveNow()
		})
		return
	}
	_ = f.timer.Reset(f.debounce)
}

func (f *File) loadLocked() (map[string]string, error) {
	var out fileState
	if err := withFileLock(f.lockPath, func() error {
		payload, err := os.ReadFile(f.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if len(payload) == 0 {
			return nil
		}

		if err := json.Unmarshal(payload, &out); err == nil && out.Version > 0 {
			return nil
		}

		// Unversioned files are a flat object of values.
		var legacy map[string]string
		if err := json.Unmarshal(payload, &legacy); err != nil {
			return fmt.Errorf("parse %s: %w", f.path, err)
		}
		out = fileState{Version: CurrentVersion, Values: legacy}
		return nil
	}); err != nil {
		return nil, err
	}
	if out.Values == nil {
		out.Values = make(map[string]string)
	}
	return out.Values, nil
}

func withFileLock(lockPath string, fn func() error) error {
	if strings.TrimSpace(lockPath) == "" {
		return fn()
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}()
	return fn()
}

// writeAtomicJSON writes an owner-only file via tmp and rename.
func writeAtomicJSON(path string, state fileState) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cloneValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*Memory)(nil)

// NewMemory creates a Memory store seeded with values.
func NewMemory(values map[string]string) *Memory {
	return &Memory{values: cloneValues(values)}
}

// Get implements Store.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set implements Store.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
