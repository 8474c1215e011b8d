package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tOgg1/chatsync/internal/models"
)

// Context is the CLI's current room selection.
type Context struct {
	// Room is the selected room id; empty is the default room.
	Room string `yaml:"room,omitempty" json:"room"`
	// VerifiedAt is when the room password was last accepted.
	VerifiedAt time.Time `yaml:"verified_at,omitempty" json:"verified_at,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// RoomKey returns the selected room.
func (c *Context) RoomKey() models.RoomKey {
	return models.NormalizeRoom(c.Room)
}

// UseRoom records a verified room.
func (c *Context) UseRoom(room models.RoomKey, now time.Time) {
	c.Room = string(room)
	c.VerifiedAt = now
	c.UpdatedAt = now
}

// Clear returns to the default room.
func (c *Context) Clear() {
	c.Room = ""
	c.VerifiedAt = time.Time{}
	c.UpdatedAt = time.Now()
}

func (c *Context) String() string {
	if c.Room == "" {
		return "room:default"
	}
	return "room:" + c.Room
}

// ContextStore loads and saves the context file.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a context store. An empty path means
// ~/.config/chatsync/context.yaml.
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "chatsync", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context. A missing file yields an empty context.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}
	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}
	return ctx, nil
}

// Save writes the context to disk.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}
	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}
	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
