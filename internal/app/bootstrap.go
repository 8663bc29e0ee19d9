package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trace-correlator/internal/logging"
	"trace-correlator/internal/platform/timebase"
	"trace-correlator/internal/services/privacy"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config 存放应用级配置。字段同时带 yaml/toml 标签，两种文件格式共用一套结构。
type Config struct {
	DBPath      string `yaml:"db_path" toml:"db_path"`
	ExtractRoot string `yaml:"extract_root" toml:"extract_root"`
	ExportDir   string `yaml:"export_dir" toml:"export_dir"`
	// TargetsPath 为空表示使用内置提取规则。
	TargetsPath string `yaml:"targets_path" toml:"targets_path"`
	ListenAddr  string `yaml:"listen_addr" toml:"listen_addr"`
	PrivacyMode string `yaml:"privacy_mode" toml:"privacy_mode"`
	Operator    string `yaml:"operator" toml:"operator"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	LogFormat   string `yaml:"log_format" toml:"log_format"`

	Matcher  MatcherConfig  `yaml:"matcher" toml:"matcher"`
	Playback PlaybackConfig `yaml:"playback" toml:"playback"`
	KTX      KTXConfig      `yaml:"ktx" toml:"ktx"`
	Map      MapConfig      `yaml:"map" toml:"map"`
}

type MatcherConfig struct {
	ArtifactWindowMS int64 `yaml:"artifact_window_ms" toml:"artifact_window_ms"`
}

type PlaybackConfig struct {
	IntervalMS int `yaml:"interval_ms" toml:"interval_ms"`
	// MaxVisible <= 0 表示不限制可见标记数量。
	MaxVisible int `yaml:"max_visible" toml:"max_visible"`
	Step       int `yaml:"step" toml:"step"`
}

type KTXConfig struct {
	// Transcoder 是外部 KTX->PNG 转换程序，为空时只能展示已转换好的图片。
	Transcoder string `yaml:"transcoder" toml:"transcoder"`
	CacheSize  int    `yaml:"cache_size" toml:"cache_size"`
}

type MapConfig struct {
	TileLayer string `yaml:"tile_layer" toml:"tile_layer"`
}

// DefaultConfig 返回本地默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:      "data/correlator.db",
		ExtractRoot: "data/extract",
		ExportDir:   "data/exports",
		ListenAddr:  "127.0.0.1:8787",
		PrivacyMode: string(privacy.ModeOff),
		Operator:    "system",
		LogLevel:    "info",
		LogFormat:   "text",
		Matcher:     MatcherConfig{ArtifactWindowMS: 20000},
		Playback:    PlaybackConfig{IntervalMS: 500, Step: 10},
		KTX:         KTXConfig{CacheSize: 256},
		Map:         MapConfig{TileLayer: "osm"},
	}
}

// LoadConfig 读取配置文件并覆盖到默认值上：.yaml/.yml 或 .toml。
// path 为空或文件不存在时直接返回默认配置。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format: %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 检查配置取值。
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if strings.TrimSpace(c.ExtractRoot) == "" {
		errs = append(errs, errors.New("extract_root is required"))
	}
	if strings.TrimSpace(c.ExportDir) == "" {
		errs = append(errs, errors.New("export_dir is required"))
	}
	if _, err := privacy.ParseMode(c.PrivacyMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format: %s", c.LogFormat))
	}
	if c.Matcher.ArtifactWindowMS < 0 {
		errs = append(errs, errors.New("matcher.artifact_window_ms must be >= 0"))
	}
	if c.Playback.IntervalMS < 0 || c.Playback.Step < 0 {
		errs = append(errs, errors.New("playback.interval_ms and playback.step must be >= 0"))
	}
	if _, ok := TileLayerURL(c.Map.TileLayer); !ok {
		errs = append(errs, fmt.Errorf("unknown map.tile_layer: %s", c.Map.TileLayer))
	}
	return errors.Join(errs...)
}

// ArtifactWindow 返回快照匹配窗口。
func (c Config) ArtifactWindow() timebase.Instant {
	return timebase.Instant(c.Matcher.ArtifactWindowMS)
}

// PlaybackInterval 返回回放 tick 间隔。
func (c Config) PlaybackInterval() time.Duration {
	return time.Duration(c.Playback.IntervalMS) * time.Millisecond
}

// Privacy 返回隐私模式（Validate 之后不会出错）。
func (c Config) Privacy() privacy.Mode {
	m, _ := privacy.ParseMode(c.PrivacyMode)
	return m
}
