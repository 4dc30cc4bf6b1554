package worlddb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptions_Defaults(t *testing.T) {
	var o Options
	o.setDefaults()
	require.NoError(t, o.Validate())
	require.NotNil(t, o.Logger)
	require.NotNil(t, o.World)
	require.Equal(t, DefaultSaveInterval, o.SaveInterval)
	require.Equal(t, DefaultFreeInterval, o.FreeInterval)
	require.False(t, o.WaitForWorld)
	require.Equal(t, DefaultScanBatch, o.ScanBatch)
	require.Positive(t, o.Concurrency)
}

func TestOptions_Validate(t *testing.T) {
	o := Options{SaveInterval: -time.Second, ScanBatch: 1 << 20}
	require.Error(t, o.Validate())

	_, err := Open(t.TempDir(), NewSchema(), Options{PauseTimeout: -1})
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worlddb.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"dir": "/var/lib/world",
		"verbose": true,
		"save_interval": "1m",
		"free_interval": "1h",
		"pause_timeout": "250ms",
		"wait_for_world": true,
		"scan_batch": 128
	}`), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/world", c.Dir)

	o := c.Options(nil)
	require.True(t, o.Verbose)
	require.True(t, o.WaitForWorld)
	require.Equal(t, time.Minute, o.SaveInterval)
	require.Equal(t, time.Hour, o.FreeInterval)
	require.Equal(t, 250*time.Millisecond, o.PauseTimeout)
	require.Equal(t, time.Duration(0), o.LoadWaitTimeout)
	require.Equal(t, 128, o.ScanBatch)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"nodir.json":    `{"save_interval": "1m"}`,
		"badtime.json":  `{"dir": "x", "save_interval": "soon"}`,
		"badbatch.json": `{"dir": "x", "scan_batch": -1}`,
		"syntax.json":   `{"dir": `,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := LoadConfig(path)
		require.Error(t, err, name)
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
