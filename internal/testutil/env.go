// Package testutil holds helpers shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tOgg1/chatsync/internal/transport"
)

// Isolate points HOME and every chatsync directory at a fresh temp dir and
// returns it.
func Isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("CHATSYNC_GLOBAL_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("CHATSYNC_GLOBAL_CONFIG_DIR", filepath.Join(dir, "config"))
	return dir
}

// NextEvent decodes the next event from a change stream or fails the test
// after timeout.
func NextEvent(t *testing.T, ch <-chan transport.RawEvent, timeout time.Duration) transport.Event {
	t.Helper()
	select {
	case raw, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		ev, err := transport.Decode(raw)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for change")
	}
	return nil
}

// StreamClosed reports whether ch is closed within timeout. Pending events
// are drained.
func StreamClosed(ch <-chan transport.RawEvent, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
