package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.json"), []byte(`{"users":["10"]}`), 0o644))
	ts := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC).UnixMilli()
	maps := `{"20":[{"name":"b.map","url":"https://x/b","timestamp":` + strconv.FormatInt(ts, 10) + `}],"10":[]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps.json"), []byte(maps), 0o644))
}

func TestExtractUsers(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	var out, errOut bytes.Buffer
	err := run(context.Background(), []string{"-config", filepath.Join(dir, "missing.json"), "-path", dir, "extract-users"}, &out, &errOut)
	require.NoError(t, err, errOut.String())

	assert.Contains(t, out.String(), "📊 Found 2 users with maps")
	assert.Contains(t, out.String(), "📊 Current user list has 1 users")
	assert.Contains(t, out.String(), "✅ Successfully saved 2 unique user IDs")
	assert.Contains(t, out.String(), "📋 User IDs: 10, 20")

	b, err := os.ReadFile(filepath.Join(dir, "users.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"users":["10","20"]}`, string(b))
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-path", dir, "-config", filepath.Join(dir, "none.yaml"), "stats"}, &out, &bytes.Buffer{}))

	s := out.String()
	assert.Contains(t, s, "👥 Total unique users who interacted with bot: 1\n")
	assert.Contains(t, s, "🗺️  Users with uploaded maps: 2\n")
	assert.Contains(t, s, "  10 (0 maps)\n")
	assert.Contains(t, s, "  20: 1 maps\n")
	assert.Contains(t, s, "    - b.map (2024-03-09)\n")
	assert.Contains(t, s, "  users.json: ✅ exists\n")
	assert.Contains(t, s, "  maps.json: ✅ exists\n")
}

func TestConfigFileSelectsStorage(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  driver: sqlite\n  path: "+filepath.Join(dir, "bot.db")+"\n"), 0o644))

	sc, err := storageConfig(cfgPath, "", "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, filepath.Join(dir, "bot.db"), sc.Path)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfgPath, "extract-users"}, &out, &bytes.Buffer{}))
	assert.Contains(t, out.String(), "Found 0 users with maps")
}

func TestUsageErrors(t *testing.T) {
	var errOut bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &bytes.Buffer{}, &errOut))
	assert.Error(t, run(context.Background(), []string{"-path", t.TempDir(), "bogus"}, &bytes.Buffer{}, &errOut))
}
