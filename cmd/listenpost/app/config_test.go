package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/listening-post/internal/listen"
	"github.com/roman-kulish/listening-post/internal/storage"
	"github.com/roman-kulish/listening-post/internal/waterfall"
)

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(filepath.Join("testdata", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "debug", config.Settings.LogLevel)
	assert.True(t, config.Settings.Development)
	assert.Equal(t, 5*time.Second, config.Backend.Timeout)
	assert.Equal(t, 5, config.Transport.MaxReconnects)
	assert.Equal(t, 2500*time.Millisecond, config.Transport.PollInterval)

	assert.Equal(t, "/api/scanner/start", config.Scan.Endpoint.Start)
	assert.Equal(t, "ws://127.0.0.1:5000/ws/scanner", config.Scan.Websocket)
	assert.Equal(t, 0.9, config.Scan.Tracker.WrapHigh)
	assert.Equal(t, 0.1, config.Scan.Tracker.WrapLow)

	assert.Equal(t, 800, config.Waterfall.Pipeline.Width)
	assert.Equal(t, waterfall.Theme("thermal"), config.Waterfall.Pipeline.Theme)
	assert.Empty(t, config.Waterfall.Events)

	assert.Equal(t, 250*time.Millisecond, config.Listen.Coordinator.Debounce)
	assert.Equal(t, 5, config.Listen.Coordinator.ResumeAttempts)
	assert.Equal(t, listen.DefaultUnlockTimeout, config.Listen.Coordinator.UnlockTimeout, "omitted keys keep defaults")
	assert.Equal(t, "0", config.Listen.Coordinator.Device)

	assert.Equal(t, storage.DefaultQueueSize, config.Storage.QueueSize)
	assert.Equal(t, 2*time.Second, config.Storage.FlushInterval)
	assert.Equal(t, "127.0.0.1:9090", config.API.Addr)
}

func TestLoadConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{
			name: "missing backend",
			yaml: "scan: {}",
		},
		{
			name: "consumer without stream",
			yaml: `
backend: {baseURL: "http://localhost:5000"}
scan: {endpoint: {start: /s, stop: /t}}
waterfall: {endpoint: {start: /s, stop: /t}, events: /e}
listen: {endpoint: {start: /s, stop: /t}, events: /e}
`,
		},
		{
			name: "inverted wrap thresholds",
			yaml: `
backend: {baseURL: "http://localhost:5000"}
scan: {endpoint: {start: /s, stop: /t}, events: /e, tracker: {wrapHigh: 0.1, wrapLow: 0.5}}
waterfall: {endpoint: {start: /s, stop: /t}, events: /e}
listen: {endpoint: {start: /s, stop: /t}, events: /e}
`,
		},
		{
			name: "bad duration",
			yaml: `
backend: {baseURL: "http://localhost:5000", timeout: soon}
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o600))

			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestCreateStorage(t *testing.T) {
	dir := t.TempDir()

	store, err := createStorage(&StorageConfig{DataDirectory: dir})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = createStorage(&StorageConfig{DataDirectory: filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
