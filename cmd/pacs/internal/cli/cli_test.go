package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMergesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")
	require.NoError(t, os.WriteFile(first, []byte(`
ae:
  title: FIRSTAE
  listen_addr: ":1111"
database:
  driver: sqlite
  sqlite_file: first.db
storage:
  backend: memory
`), 0o644))
	require.NoError(t, os.WriteFile(second, []byte(`
ae:
  title: SECONDAE
`), 0o644))

	cli := &CLI{ConfigPaths: []string{first, second}}
	cfg, err := loadConfig(cli)
	require.NoError(t, err)
	assert.Equal(t, "SECONDAE", cfg.AE.Title)
	assert.Equal(t, ":1111", cfg.AE.ListenAddr)
}

func TestLoadConfigAppliesAETAndPortOverrides(t *testing.T) {
	cli := &CLI{AET: "OVERRIDEAE", Port: 9999}
	cfg, err := loadConfig(cli)
	require.NoError(t, err)
	assert.Equal(t, "OVERRIDEAE", cfg.AE.Title)
	assert.Equal(t, ":9999", cfg.AE.ListenAddr)
}

func TestLoadConfigRejectsInvalidMergedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: oracle
`), 0o644))

	cli := &CLI{ConfigPaths: []string{path}}
	_, err := loadConfig(cli)
	assert.Error(t, err)
}
