package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/services/ingest"

	"github.com/dustin/go-humanize"
)

// runCase 是 case 子命令路由。
func runCase(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCaseUsage()
		return nil
	}
	switch args[0] {
	case "create":
		return runCaseCreate(ctx, args[1:])
	case "list":
		return runCaseList(ctx, args[1:])
	case "show":
		return runCaseShow(ctx, args[1:])
	case "status":
		return runCaseStatus(ctx, args[1:])
	case "delete":
		return runCaseDelete(ctx, args[1:])
	default:
		printCaseUsage()
		return fmt.Errorf("unknown case command: %s", args[0])
	}
}

func printCaseUsage() {
	fmt.Println("Usage:")
	fmt.Println("  correlator-cli case create [--case-id id] [--case-no no] [--title text] [--operator name] [--note text]")
	fmt.Println("  correlator-cli case list [--limit 50] [--offset 0]")
	fmt.Println("  correlator-cli case show --case-id id")
	fmt.Println("  correlator-cli case status --case-id id --status open|archived|closed")
	fmt.Println("  correlator-cli case delete --case-id id")
}

func runCaseCreate(ctx context.Context, args []string) error {
	fs, common := newFlagSet("case create")
	caseID := fs.String("case-id", "", "case id (optional, generated when empty)")
	caseNo := fs.String("case-no", "", "work order / document number")
	title := fs.String("title", "", "case title")
	operator := fs.String("operator", "", "operator id or name")
	note := fs.String("note", "", "case note")
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

	id, err := store.EnsureCase(ctx, strings.TrimSpace(*caseID), strings.TrimSpace(*caseNo), strings.TrimSpace(*title), operatorOr(cfg, *operator), strings.TrimSpace(*note))
	if err != nil {
		return err
	}
	fmt.Printf("case_id=%s\n", id)
	return nil
}

func runCaseList(ctx context.Context, args []string) error {
	fs, common := newFlagSet("case list")
	limit := fs.Int("limit", 50, "max rows")
	offset := fs.Int("offset", 0, "row offset")
	asJSON := fs.Bool("json", false, "print as json")
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

	rows, err := store.ListCases(ctx, *limit, *offset)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(rows)
	}
	t := newTable(formatTable)
	t.AppendHeader(tableRow("Case ID", "Case No", "Title", "Status", "Updated"))
	for _, c := range rows {
		t.AppendRow(tableRow(c.CaseID, c.CaseNo, c.Title, c.Status, humanize.Time(time.Unix(c.UpdatedAt, 0))))
	}
	fmt.Println(t.Render())
	return nil
}

func runCaseShow(ctx context.Context, args []string) error {
	fs, common := newFlagSet("case show")
	caseID := fs.String("case-id", "", "case id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
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

	ov, err := store.GetCaseOverview(ctx, id)
	if err != nil {
		return err
	}
	if ov == nil {
		return fmt.Errorf("case not found: %s", id)
	}
	return printJSON(ov)
}

func runCaseStatus(ctx context.Context, args []string) error {
	fs, common := newFlagSet("case status")
	caseID := fs.String("case-id", "", "case id (required)")
	status := fs.String("status", "", "open|archived|closed")
	operator := fs.String("operator", "", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
		return err
	}
	st, err := model.ParseCaseStatus(*status)
	if err != nil {
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

	if err := store.UpdateCaseStatus(ctx, id, st); err != nil {
		return err
	}
	_ = store.AppendAudit(ctx, id, "", "case", "status", "success", operatorOr(cfg, *operator), "cli.case.status", map[string]any{"status": st})
	fmt.Printf("case_id=%s status=%s\n", id, st)
	return nil
}

func runCaseDelete(ctx context.Context, args []string) error {
	fs, common := newFlagSet("case delete")
	caseID := fs.String("case-id", "", "case id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
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

	if err := store.DeleteCase(ctx, id); err != nil {
		return err
	}
	fmt.Printf("case deleted: %s (audit logs and report index kept)\n", id)
	return nil
}

// runDevice 是 device 子命令路由。
func runDevice(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printDeviceUsage()
		return nil
	}
	switch args[0] {
	case "add":
		return runDeviceAdd(ctx, args[1:])
	case "list":
		return runDeviceList(ctx, args[1:])
	case "remove":
		return runDeviceRemove(ctx, args[1:])
	default:
		printDeviceUsage()
		return fmt.Errorf("unknown device command: %s", args[0])
	}
}

func printDeviceUsage() {
	fmt.Println("Usage:")
	fmt.Println("  correlator-cli device add --case-id id --image PATH [--image PATH ...] [--name text] [--ingest]")
	fmt.Println("  correlator-cli device list --case-id id")
	fmt.Println("  correlator-cli device remove --device-id id")
}

// stringList 是可重复的字符串 flag。
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runDeviceAdd(ctx context.Context, args []string) error {
	fs, common := newFlagSet("device add")
	caseID := fs.String("case-id", "", "case id (required)")
	name := fs.String("name", "", "device name (default: read from image)")
	operator := fs.String("operator", "", "operator id or name")
	targetsPath := fs.String("targets", "", "extraction targets file")
	runIngestNow := fs.Bool("ingest", false, "ingest evidence right after registering")
	var images stringList
	fs.Var(&images, "image", "device image (zip/tar/tgz/directory), repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
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

	targets, err := activeTargets(ctx, store, cfg, *targetsPath)
	if err != nil {
		return err
	}
	dev, err := ingest.AddDevice(ctx, store, ingest.AddDeviceOptions{
		CaseID:      id,
		Name:        *name,
		ImagePaths:  images,
		Operator:    operatorOr(cfg, *operator),
		ExtractRoot: cfg.ExtractRoot,
		Targets:     targets,
	})
	if err != nil {
		return err
	}
	fmt.Printf("device_id=%s name=%q product_version=%s images=%d\n", dev.ID, dev.Name, dev.ProductVersion, len(dev.ImagePaths))
	if !*runIngestNow {
		return nil
	}

	res, err := ingest.Run(ctx, store, ingest.Options{
		DeviceID:    dev.ID,
		ExtractRoot: cfg.ExtractRoot,
		Targets:     targets,
		Operator:    operatorOr(cfg, *operator),
		Logger:      logger("ingest"),
	})
	if err != nil {
		return err
	}
	printIngestResult(res)
	return nil
}

func runDeviceList(ctx context.Context, args []string) error {
	fs, common := newFlagSet("device list")
	caseID := fs.String("case-id", "", "case id (required)")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
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

	rows, err := store.ListDevices(ctx, id)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(rows)
	}
	t := newTable(formatTable)
	t.AppendHeader(tableRow("#", "Device ID", "Name", "iOS", "Images"))
	for i, d := range rows {
		t.AppendRow(tableRow(i+1, d.ID, d.Name, d.ProductVersion, strings.Join(d.ImagePaths, "\n")))
	}
	fmt.Println(t.Render())
	return nil
}

func runDeviceRemove(ctx context.Context, args []string) error {
	fs, common := newFlagSet("device remove")
	deviceID := fs.String("device-id", "", "device id (required)")
	operator := fs.String("operator", "", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("device-id", *deviceID)
	if err != nil {
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

	dev, err := store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("device not found: %s", id)
	}
	if err := store.RemoveDevice(ctx, id); err != nil {
		return err
	}
	_ = store.AppendAudit(ctx, dev.CaseID, id, "device", "device_remove", "success", operatorOr(cfg, *operator), "cli.device.remove", map[string]any{"device_name": dev.Name})
	fmt.Printf("device removed: %s\n", id)
	return nil
}

// runIngest 对已登记设备执行提取 + 解析 + 入库。
func runIngest(ctx context.Context, args []string) error {
	fs, common := newFlagSet("ingest")
	deviceID := fs.String("device-id", "", "device id (required)")
	kinds := fs.String("kinds", "", "comma separated: locations,wifi,snapshots,usage (default all)")
	targetsPath := fs.String("targets", "", "extraction targets file")
	operator := fs.String("operator", "", "operator id or name")
	concurrency := fs.Int("concurrency", 2, "evidence kinds processed in parallel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("device-id", *deviceID)
	if err != nil {
		return err
	}
	var parsed []model.EvidenceKind
	for _, k := range strings.Split(*kinds, ",") {
		if strings.TrimSpace(k) == "" {
			continue
		}
		kind, err := model.ParseKind(k)
		if err != nil {
			return err
		}
		parsed = append(parsed, kind)
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

	targets, err := activeTargets(ctx, store, cfg, *targetsPath)
	if err != nil {
		return err
	}
	res, err := ingest.Run(ctx, store, ingest.Options{
		DeviceID:    id,
		Kinds:       parsed,
		ExtractRoot: cfg.ExtractRoot,
		Targets:     targets,
		Operator:    operatorOr(cfg, *operator),
		Concurrency: *concurrency,
		Logger:      logger("ingest"),
	})
	if err != nil {
		return err
	}
	printIngestResult(res)
	return nil
}

func printIngestResult(res *ingest.Result) {
	fmt.Println("ingest completed")
	fmt.Printf("case_id=%s device_id=%s product_version=%s targets_sha256=%s\n", res.CaseID, res.DeviceID, res.ProductVersion, res.TargetsSHA256)
	for _, s := range res.Steps {
		if s.OK() {
			fmt.Printf("  %-10s ok    %s records (%s)\n", s.Kind, humanize.Comma(int64(s.Count)), s.Entry)
		} else {
			fmt.Printf("  %-10s FAIL  %s\n", s.Kind, s.Error)
		}
	}
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
}

// runArea 是 area 子命令路由。
func runArea(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printAreaUsage()
		return nil
	}
	switch args[0] {
	case "add", "update":
		return runAreaSave(ctx, args[0], args[1:])
	case "list":
		return runAreaList(ctx, args[1:])
	case "delete":
		return runAreaDelete(ctx, args[1:])
	default:
		printAreaUsage()
		return fmt.Errorf("unknown area command: %s", args[0])
	}
}

func printAreaUsage() {
	fmt.Println("Usage:")
	fmt.Println("  correlator-cli area add --case-id id --name text --lat F --lon F --radius M [--color #hex]")
	fmt.Println("  correlator-cli area update --area-id id --name text --lat F --lon F --radius M [--color #hex]")
	fmt.Println("  correlator-cli area list --case-id id [--start T --end T]")
	fmt.Println("  correlator-cli area delete --area-id id")
}

func areaFlags(fs *flag.FlagSet) (name, color *string, lat, lon, radius *float64) {
	name = fs.String("name", "", "area name")
	color = fs.String("color", "", "display color")
	lat = fs.Float64("lat", 0, "center latitude")
	lon = fs.Float64("lon", 0, "center longitude")
	radius = fs.Float64("radius", 0, "radius in meters")
	return
}

func runAreaSave(ctx context.Context, mode string, args []string) error {
	fs, common := newFlagSet("area " + mode)
	caseID := fs.String("case-id", "", "case id (add)")
	areaID := fs.String("area-id", "", "area id (update)")
	name, color, lat, lon, radius := areaFlags(fs)
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

	a := model.Area{Name: strings.TrimSpace(*name), Latitude: *lat, Longitude: *lon, RadiusMeters: *radius, Color: strings.TrimSpace(*color)}
	if mode == "add" {
		if a.CaseID, err = requireFlag("case-id", *caseID); err != nil {
			return err
		}
		saved, err := store.AddArea(ctx, a)
		if err != nil {
			return err
		}
		fmt.Printf("area_id=%s\n", saved.ID)
		return nil
	}

	if a.ID, err = requireFlag("area-id", *areaID); err != nil {
		return err
	}
	if err := store.UpdateArea(ctx, a); err != nil {
		return err
	}
	fmt.Printf("area updated: %s\n", a.ID)
	return nil
}

func runAreaDelete(ctx context.Context, args []string) error {
	fs, common := newFlagSet("area delete")
	areaID := fs.String("area-id", "", "area id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("area-id", *areaID)
	if err != nil {
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

	if err := store.DeleteArea(ctx, id); err != nil {
		return err
	}
	fmt.Printf("area deleted: %s\n", id)
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
