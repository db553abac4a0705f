package reload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/smartmeter-bridge/internal/config"
)

func TestUniquePathsFiltersDuplicatesAndBlanks(t *testing.T) {
	got := uniquePaths([]string{"", "/tmp/a", "/tmp/b", "/tmp/a", "\t", "/tmp/c", "/tmp/b"})
	assert.Equal(t, []string{"/tmp/a", "/tmp/b", "/tmp/c"}, got)
}

func TestWatcherTracksConfigAndTLSFiles(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	caFile := filepath.Join(dir, "ca.pem")
	writeFile(t, configFile, "mqtt: {}")
	writeFile(t, caFile, "ca")

	cfg := &config.Config{MQTT: config.MQTTConfig{TLS: config.TLSConfig{
		CAFile:   caFile,
		CertFile: filepath.Join(dir, "missing.pem"),
	}}}

	var watcher Watcher
	require.NoError(t, watcher.Update(configFile, cfg))
	assert.Len(t, watcher.files, 2)
	assert.Contains(t, watcher.files, configFile)
	assert.Contains(t, watcher.files, caFile)
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	keyFile := filepath.Join(dir, "client.key")
	certFile := filepath.Join(dir, "client.pem")
	writeFile(t, configFile, "first")
	writeFile(t, keyFile, "key")
	writeFile(t, certFile, "cert")

	cfg := &config.Config{MQTT: config.MQTTConfig{TLS: config.TLSConfig{CertFile: certFile, KeyFile: keyFile}}}
	watcher, err := NewWatcher(configFile, cfg)
	require.NoError(t, err)

	changed, err := watcher.Check()
	require.NoError(t, err)
	assert.Empty(t, changed)

	time.Sleep(10 * time.Millisecond)
	writeFile(t, configFile, "first-UPDATED")
	require.NoError(t, os.Remove(keyFile))

	changed, err = watcher.Check()
	require.NoError(t, err)
	assert.Equal(t, []string{keyFile, configFile}, changed)
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	require.NoError(t, watcher.Update("", &config.Config{}))
	changed, err := watcher.Check()
	require.NoError(t, err)
	assert.Nil(t, changed)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
