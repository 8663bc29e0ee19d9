package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"trace-correlator/internal/services/privacy"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.EqualValues(t, 20000, cfg.ArtifactWindow())
	require.Equal(t, 500*time.Millisecond, cfg.PlaybackInterval())
	require.Equal(t, privacy.ModeOff, cfg.Privacy())
}

func TestLoadConfig_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)

	cfg, err = LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_YAMLAndTOML(t *testing.T) {
	dir := t.TempDir()

	yml := filepath.Join(dir, "correlator.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(`
db_path: /cases/a.db
privacy_mode: masked
matcher:
  artifact_window_ms: 5000
playback:
  max_visible: 50
map:
  tile_layer: esri
`), 0o644))
	cfg, err := LoadConfig(yml)
	require.NoError(t, err)
	require.Equal(t, "/cases/a.db", cfg.DBPath)
	require.Equal(t, privacy.ModeMasked, cfg.Privacy())
	require.EqualValues(t, 5000, cfg.ArtifactWindow())
	require.Equal(t, 50, cfg.Playback.MaxVisible)
	// 未出现的字段保持默认
	require.Equal(t, 500, cfg.Playback.IntervalMS)
	require.Equal(t, "data/extract", cfg.ExtractRoot)

	tml := filepath.Join(dir, "correlator.toml")
	require.NoError(t, os.WriteFile(tml, []byte(`
listen_addr = "0.0.0.0:9000"
log_format = "json"

[ktx]
transcoder = "/usr/local/bin/ktx2png"

[playback]
interval_ms = 250
`), 0o644))
	cfg, err = LoadConfig(tml)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	require.Equal(t, "/usr/local/bin/ktx2png", cfg.KTX.Transcoder)
	require.Equal(t, 250*time.Millisecond, cfg.PlaybackInterval())
	require.Equal(t, 10, cfg.Playback.Step)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	ini := filepath.Join(dir, "correlator.ini")
	require.NoError(t, os.WriteFile(ini, []byte("x=1"), 0o644))
	_, err := LoadConfig(ini)
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("privacy_mode: partial\nmap:\n  tile_layer: google\nlog_level: loud\n"), 0o644))
	_, err = LoadConfig(bad)
	require.ErrorContains(t, err, "privacy mode")
	require.ErrorContains(t, err, "tile_layer")
	require.ErrorContains(t, err, "log level")
}

func TestTileLayerURL(t *testing.T) {
	u, ok := TileLayerURL("")
	require.True(t, ok)
	require.Contains(t, u, "openstreetmap")
	u, ok = TileLayerURL("cartoDark")
	require.True(t, ok)
	require.Contains(t, u, "dark_all")
	_, ok = TileLayerURL("osm2")
	require.False(t, ok)
}
