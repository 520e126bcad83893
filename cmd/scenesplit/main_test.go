package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/scenesplit/internal/acquire"
	"github.com/heimdex/scenesplit/internal/storage"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "scenesplit "+Version+"\n", out.String())
}

func TestSplitRequiresOneArgument(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"split"})
	assert.Error(t, cmd.Execute())
}

func TestOpenSource(t *testing.T) {
	src, closeFn, err := openSource("https://example.com/watch?v=1")
	require.NoError(t, err)
	closeFn()
	assert.Equal(t, acquire.SourceURL, src.Kind)

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	src, closeFn, err = openSource(path)
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, acquire.SourceUpload, src.Kind)
	assert.Equal(t, "clip", src.Title())

	_, _, err = openSource(filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Error(t, err)
}

func TestSweepCommand_DryRun(t *testing.T) {
	temp := t.TempDir()
	t.Setenv("SCENESPLIT_TEMP_DIR", temp)
	t.Setenv("SCENESPLIT_OUTPUT_DIR", t.TempDir())
	t.Setenv("SCENESPLIT_CONFIG", "")
	require.NoError(t, os.MkdirAll(filepath.Join(temp, "orphan"), 0o755))

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep", "--dry-run", "--max-age", "1ns"})

	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "temp: would remove 1 entries"), out.String())
	assert.DirExists(t, filepath.Join(temp, "orphan"))
}

func TestReport(t *testing.T) {
	var out bytes.Buffer
	report(&out, "output", &storage.SweepResult{Removed: []string{"a"}, BytesFreed: 2048}, false)
	assert.Equal(t, "output: removed 1 entries, 2.0 KiB\n  a\n", out.String())
}
