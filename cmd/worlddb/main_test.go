package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"worlddb"}, args...))
	return out.String(), err
}

func TestRecoverAndInspect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.bin"), []byte{1, 2}, 0o644))

	out, err := run(t, "--dir", dir, "inspect")
	require.NoError(t, err)
	require.Contains(t, out, "state=StagingChanges running=true")
	require.Contains(t, out, "needs recovery")

	out, err = run(t, "-d", dir, "recover")
	require.NoError(t, err)
	require.Contains(t, out, "discarded interrupted save pass (StagingChanges)")

	out, err = run(t, "-d", dir, "recover")
	require.NoError(t, err)
	require.Contains(t, out, "database is up to date")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(t.TempDir(), "worlddb.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{"dir": "`+dir+`"}`), 0o644))

	out, err := run(t, "--config", cfg, "inspect")
	require.NoError(t, err)
	require.Contains(t, out, "state=UpToDate running=false")
}

func TestDirRequired(t *testing.T) {
	_, err := run(t, "inspect")
	require.Error(t, err)
}
