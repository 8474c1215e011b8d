package prefs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")

	f, err := Open(path)
	require.NoError(t, err)
	_, ok := f.Get(KeyTheme)
	require.False(t, ok)

	require.NoError(t, f.Set(KeyTheme, "kirby"))
	require.NoError(t, f.Set(KeySessionToken, "tok-123"))
	require.NoError(t, f.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := Open(path)
	require.NoError(t, err)
	v, ok := reopened.Get(KeyTheme)
	require.True(t, ok)
	require.Equal(t, "kirby", v)
	require.Equal(t, []string{KeySessionToken, KeyTheme}, reopened.Keys())
}

func TestDebouncedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	f := NewFile(path, WithDebounce(10*time.Millisecond))
	require.NoError(t, f.Set(KeyRole, "owner"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	other, err := Open(path)
	require.NoError(t, err)
	v, _ := other.Get(KeyRole)
	require.Equal(t, "owner", v)
}

func TestLegacyFlatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"theme_id":"usagi","last_room":"family"}`), 0o600))

	f, err := Open(path)
	require.NoError(t, err)
	v, _ := f.Get(KeyLastRoom)
	require.Equal(t, "family", v)
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	_, err := Open(path)
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, f.Set("a", "1"))
	f.Delete("a")
	_, ok := f.Get("a")
	require.False(t, ok)
	require.NoError(t, f.Close())
	require.Error(t, f.Set(" ", "x"))
}

func TestMemory(t *testing.T) {
	m := NewMemory(map[string]string{KeyTheme: "rowlet"})
	v, ok := m.Get(KeyTheme)
	require.True(t, ok)
	require.Equal(t, "rowlet", v)
	require.NoError(t, m.Set(KeyTheme, "shaymin"))
	v, _ = m.Get(KeyTheme)
	require.Equal(t, "shaymin", v)
}
