package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFlattensNestedYAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9090"
db:
  dialect: sqlite
  dsn: "file::memory:"
triage:
  heartbeat_interval: 90s
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.String("server.addr", ":8070"))
	assert.Equal(t, "sqlite", cfg.String("db.dialect", "mysql"))
	assert.Equal(t, 90*time.Second, cfg.Duration("triage.heartbeat_interval", time.Minute))
}

func TestPrecedenceOverridesBeatEnvBeatsFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  addr: from-file\n")
	t.Setenv("JOBMON__SERVER__ADDR", "from-env")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.String("server.addr", ""))

	cfg, err = Load(path, map[string]string{"server.addr": "from-override"})
	require.NoError(t, err)
	assert.Equal(t, "from-override", cfg.String("server.addr", ""))
}

func TestEnvKeysMapDoubleUnderscoreToDots(t *testing.T) {
	t.Setenv("JOBMON__WORKER__REPORT_BY_BUFFER", "2.5")
	t.Setenv("UNPREFIXED__SERVER__ADDR", "ignored")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Float("worker.report_by_buffer", 3.1))
	_, ok := cfg.Lookup("server.addr")
	assert.False(t, ok)
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	cfg, err := Load("", map[string]string{
		"a.go_style":  "2m30s",
		"a.bare":      "45",
		"a.fraction":  "0.5",
		"a.malformed": "soon",
	})
	require.NoError(t, err)

	assert.Equal(t, 150*time.Second, cfg.Duration("a.go_style", 0))
	assert.Equal(t, 45*time.Second, cfg.Duration("a.bare", 0))
	assert.Equal(t, 500*time.Millisecond, cfg.Duration("a.fraction", 0))
	assert.Equal(t, time.Minute, cfg.Duration("a.malformed", time.Minute))
	assert.Equal(t, time.Minute, cfg.Duration("a.missing", time.Minute))
}

func TestBoolVariants(t *testing.T) {
	cfg, err := Load("", map[string]string{
		"f.on":   "yes",
		"f.off":  "0",
		"f.junk": "maybe",
	})
	require.NoError(t, err)

	assert.True(t, cfg.Bool("f.on", false))
	assert.False(t, cfg.Bool("f.off", true))
	assert.True(t, cfg.Bool("f.junk", true))
	assert.False(t, cfg.Bool("f.missing", false))
}

func TestIntFallsBackOnGarbage(t *testing.T) {
	cfg, err := Load("", map[string]string{"n.bad": "many", "n.good": " 7 "})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Int("n.bad", 3))
	assert.Equal(t, 7, cfg.Int("n.good", 3))
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
