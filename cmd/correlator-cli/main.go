package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"trace-correlator/internal/adapters/rules"
	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/app"
	"trace-correlator/internal/logging"
	"trace-correlator/internal/services/webapp"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "case":
		return runCase(ctx, args[1:])
	case "device":
		return runDevice(ctx, args[1:])
	case "ingest":
		return runIngest(ctx, args[1:])
	case "area":
		return runArea(ctx, args[1:])
	case "targets":
		return runTargets(ctx, args[1:])
	case "timeline":
		return runTimeline(ctx, args[1:])
	case "play":
		return runPlay(ctx, args[1:])
	case "report":
		return runReport(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "verify":
		return runVerify(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "version":
		fmt.Printf("correlator-cli %s (commit %s, built %s)\n", app.Version, app.Commit, app.BuildTime)
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// commonFlags 是每个子命令都有的 --config / --db / --log-level。
type commonFlags struct {
	config   *string
	db       *string
	logLevel *string
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, commonFlags{
		config:   fs.String("config", os.Getenv("TRACE_CORRELATOR_CONFIG"), "config file (.yaml/.yml/.toml)"),
		db:       fs.String("db", "", "sqlite database path (overrides config)"),
		logLevel: fs.String("log-level", "", "debug|info|warn|error (overrides config)"),
	}
}

// load 读取配置并初始化日志。必须在 fs.Parse 之后调用。
func (c commonFlags) load() (app.Config, error) {
	cfg, err := app.LoadConfig(strings.TrimSpace(*c.config))
	if err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(*c.db); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(*c.logLevel); v != "" {
		cfg.LogLevel = v
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, err
	}
	logging.Init(level, cfg.LogFormat)
	return cfg, nil
}

// openStore 打开（并迁移）案件库；返回的 close 必须调用。
func openStore(ctx context.Context, cfg app.Config) (*sqliteadapter.Store, func(), error) {
	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return sqliteadapter.NewStore(db), func() { _ = db.Close() }, nil
}

// activeTargets 解析本次使用的提取规则：--targets > Web 端激活的文件 > 配置文件。
func activeTargets(ctx context.Context, store *sqliteadapter.Store, cfg app.Config, override string) (*rules.LoadedTargets, error) {
	path := strings.TrimSpace(override)
	if path == "" {
		if v, _ := store.GetSchemaMetaValue(ctx, sqliteadapter.MetaActiveTargetsPath); strings.TrimSpace(v) != "" {
			path = strings.TrimSpace(v)
		}
	}
	if path == "" {
		path = cfg.TargetsPath
	}
	return rules.NewLoader(path).Load(ctx)
}

func requireFlag(name, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func operatorOr(cfg app.Config, v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return cfg.Operator
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	fs, common := newFlagSet("migrate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}

	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	version, _ := store.GetSchemaMetaValue(ctx, "schema_version")
	fmt.Printf("migrations applied successfully: db=%s schema_version=%s\n", cfg.DBPath, version)
	return nil
}

// runTargets 目前支持 targets validate。
func runTargets(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "validate" {
		fmt.Println("Usage:")
		fmt.Println("  correlator-cli targets validate [--targets path]")
		if len(args) == 0 {
			return nil
		}
		return fmt.Errorf("unknown targets command: %s", args[0])
	}

	fs, common := newFlagSet("targets validate")
	path := fs.String("targets", "", "extraction targets file (default: config/builtin)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*path) == "" {
		*path = cfg.TargetsPath
	}

	loaded, err := rules.NewLoader(*path).Load(ctx)
	if err != nil {
		return err
	}
	fmt.Println("targets validation passed")
	fmt.Printf("source=%s version=%s total=%d sha256=%s\n", loaded.Source, loaded.Bundle.Version, len(loaded.Bundle.Targets), loaded.SHA256)
	for _, t := range loaded.Bundle.Targets {
		fmt.Printf("  %s kind=%s\n", t.ID, t.Kind)
	}
	return nil
}

// runServe 启动内置 Web UI + API。
func runServe(ctx context.Context, args []string) error {
	fs, common := newFlagSet("serve")
	listen := fs.String("listen", "", "listen address (overrides config)")
	privacyMode := fs.String("privacy-mode", "", "off|masked (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*privacyMode); v != "" {
		cfg.PrivacyMode = v
	}

	// 支持 Ctrl+C 优雅退出
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.Run(sigCtx, webapp.Options{Config: cfg, Logger: logging.New("webapp")})
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  correlator-cli migrate [--config path] [--db data/correlator.db]")
	fmt.Println("  correlator-cli case create|list|show|status|delete ...")
	fmt.Println("  correlator-cli device add|list|remove ...")
	fmt.Println("  correlator-cli ingest --device-id DEV_ID [--kinds locations,wifi,snapshots,usage] [--targets path]")
	fmt.Println("  correlator-cli area add|list|update|delete ...")
	fmt.Println("  correlator-cli targets validate [--targets path]")
	fmt.Println("  correlator-cli timeline --case-id CASE_ID --start T --end T [--cursor N] [--max-visible N] [--format table|markdown|json]")
	fmt.Println("  correlator-cli play --case-id CASE_ID --start T --end T [--interval 500ms]")
	fmt.Println("  correlator-cli report --case-id CASE_ID [--report-id REPORT_ID]")
	fmt.Println("  correlator-cli export zip|pdf --case-id CASE_ID [--start T --end T] [--privacy-mode off|masked]")
	fmt.Println("  correlator-cli verify audits|snapshots --case-id CASE_ID")
	fmt.Println("  correlator-cli verify zip --zip PATH_TO_ZIP")
	fmt.Println("  correlator-cli serve [--listen 127.0.0.1:8787] [--privacy-mode off|masked]")
	fmt.Println("  correlator-cli version")
	fmt.Println()
	fmt.Println("Time values (T) accept unix milliseconds, RFC3339 or \"2006-01-02 15:04:05\" (UTC).")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func logger(component string) *slog.Logger {
	return logging.New(component)
}
