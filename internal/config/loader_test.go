package config

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/versionlog/internal/changes"
	"github.com/rpattn/versionlog/internal/identity"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfig(t, `
database:
  host: db.internal
  port: 6543
  dbname: audit
  max_conns: 12
history:
  id_mode: string
  encoding: before_after
  delete_mode: tombstone
  ignore_fields: [updated_at, lock_version]
  strict_options: true
  isolation: read_committed
  kinds:
    - tag: widget
      table: widgets
      id_kind: int
    - tag: note
      table: notes
      id_column: slug
server:
  addr: ":9090"
  read_timeout: 5s
logging:
  level: debug
`)

	cfg, err := Load(dir, nil)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "audit", cfg.Database.DBName)
	assert.Equal(t, int32(12), cfg.Database.MaxConns)
	assert.Equal(t, "postgres", cfg.Database.User)

	assert.Equal(t, identity.IDModeString, cfg.History.Identity.IDMode)
	assert.Equal(t, changes.EncodingBeforeAfter, cfg.History.Changes.Encoding)
	assert.Equal(t, changes.DeleteTombstone, cfg.History.Changes.DeleteMode)
	assert.Equal(t, []string{"updated_at", "lock_version"}, cfg.History.Changes.Ignore)
	assert.True(t, cfg.History.StrictOptions)
	assert.Equal(t, sql.LevelReadCommitted, cfg.Isolation)

	assert.Equal(t, []KindConfig{
		{Tag: "widget", Table: "widgets", IDKind: "int"},
		{Tag: "note", Table: "notes", IDColumn: "slug"},
	}, cfg.Kinds)
	registry, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, []string{"note", "widget"}, registry.Tags())
	note, ok := registry.Lookup("note")
	require.True(t, ok)
	assert.Equal(t, DefaultIDKind, note.IDKind)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := writeConfig(t, "database:\n  host: from-file\n")
	t.Setenv("VERSIONLOG_DATABASE_HOST", "from-env")
	t.Setenv("VERSIONLOG_HISTORY_ID_MODE", "string")

	cfg, err := Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Host)
	assert.Equal(t, identity.IDModeString, cfg.History.Identity.IDMode)
}

func TestLoadRejectsInvalidHistoryConfig(t *testing.T) {
	for name, content := range map[string]string{
		"id mode":   "history:\n  id_mode: binary\n",
		"encoding":  "history:\n  encoding: xml\n",
		"isolation": "history:\n  isolation: chaos\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "database: [unterminated\n"), nil)
	assert.Error(t, err)
}

func TestRegistryRejectsBadKinds(t *testing.T) {
	_, err := Config{Kinds: []KindConfig{{Tag: "widget", Table: "widgets", IDKind: "binary"}}}.Registry()
	assert.Error(t, err)

	_, err = Config{Kinds: []KindConfig{{Tag: "a", Table: "t"}, {Tag: "a", Table: "u"}}}.Registry()
	assert.Error(t, err)
}
