package localstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDBPath_Explicit(t *testing.T) {
	dir := t.TempDir()
	p, err := DBPath(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "relay.db"), p)
}

func TestDataDir_EnvOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	t.Setenv("RELAY_HOME", dir)
	got, err := DataDir("")
	require.NoError(t, err)
	require.Equal(t, dir, got)
}

func TestDeviceID_Stable(t *testing.T) {
	dir := t.TempDir()
	first, err := DeviceID(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := DeviceID(dir)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
