package testutil

import (
	"os"
	"testing"
)

// SkipIfSlow skips tests that open databases, hash passwords or wait on
// timers when -short is given or CHATSYNC_TEST_SKIP_SLOW is set.
func SkipIfSlow(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping slow test in -short mode")
	}
	if os.Getenv("CHATSYNC_TEST_SKIP_SLOW") != "" {
		t.Skip("skipping slow test: CHATSYNC_TEST_SKIP_SLOW is set")
	}
}
