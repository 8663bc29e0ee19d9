package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"trace-correlator/internal/adapters/archive"
	"trace-correlator/internal/adapters/ios"
	"trace-correlator/internal/adapters/rules"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/logging"

	"golang.org/x/sync/errgroup"
)

// ErrDeviceNotFound 表示要导入的设备未登记。
var ErrDeviceNotFound = errors.New("ingest: device not found")

// Store 是导入流程需要的持久化能力（sqlite.Store 满足该接口）。
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	UpdateDeviceInfo(ctx context.Context, deviceID, productVersion, identifier string) error
	ReplaceLocations(ctx context.Context, deviceID string, rows []model.Location) error
	ReplaceWifiSightings(ctx context.Context, deviceID string, rows []model.WifiSighting) error
	ReplaceSnapshotArtifacts(ctx context.Context, deviceID string, rows []model.SnapshotArtifact) error
	ReplaceUsageIntervals(ctx context.Context, deviceID string, rows []model.UsageInterval) error
	AppendAudit(ctx context.Context, caseID, deviceID, eventType, action, status, actor, source string, detail any) error
}

// Options 定义一次设备导入的输入参数。
type Options struct {
	DeviceID string
	// Kinds 为空时导入全部四类证据。
	Kinds []model.EvidenceKind
	// ExtractRoot 是提取文件的落盘根目录，按 <device_id>/<kind> 分目录。
	ExtractRoot string
	Targets     *rules.LoadedTargets
	Operator    string
	// Concurrency 是同时处理的证据类型数，<=0 时取 2。
	Concurrency int
	// OnStep 在每类证据完成后回调（可能来自不同 goroutine）。
	OnStep func(StepResult)
	Logger *slog.Logger
}

// StepResult 是单类证据的导入结果。
type StepResult struct {
	Kind     model.EvidenceKind `json:"kind"`
	TargetID string             `json:"target_id,omitempty"`
	Source   string             `json:"source,omitempty"`
	Entry    string             `json:"entry,omitempty"`
	Count    int                `json:"count"`
	Error    string             `json:"error,omitempty"`
}

func (s StepResult) OK() bool { return s.Error == "" }

// Result 定义一次导入的摘要输出。
type Result struct {
	CaseID         string       `json:"case_id"`
	DeviceID       string       `json:"device_id"`
	ProductVersion string       `json:"product_version,omitempty"`
	Steps          []StepResult `json:"steps"`
	Warnings       []string     `json:"warnings,omitempty"`
	TargetsSHA256  string       `json:"targets_sha256"`
	StartedAt      int64        `json:"started_at"`
	FinishedAt     int64        `json:"finished_at"`
}

// Run 对一台设备执行提取 + 解析 + 入库：
// - 每类证据按规则顺序尝试，任一镜像命中即可
// - 单类失败记为 warning，不影响其他类；该类已有数据保持不变
// - 成功的类整体替换该设备原有记录
func Run(ctx context.Context, store Store, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = logging.New("ingest")
	}
	targets, err := targetsOrDefault(ctx, opts.Targets)
	if err != nil {
		return nil, err
	}
	opts.Targets = targets
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = model.AllKinds()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 2
	}

	dev, err := store.GetDevice(ctx, opts.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, opts.DeviceID)
	}
	if len(dev.ImagePaths) == 0 {
		return nil, fmt.Errorf("device %s has no image paths", dev.ID)
	}
	log = log.With("case_id", dev.CaseID, "device_id", dev.ID)

	res := &Result{
		CaseID:        dev.CaseID,
		DeviceID:      dev.ID,
		Steps:         make([]StepResult, len(kinds)),
		TargetsSHA256: opts.Targets.SHA256,
		StartedAt:     time.Now().Unix(),
	}
	_ = store.AppendAudit(ctx, dev.CaseID, dev.ID, "ingest", "ingest_start", "started", opts.Operator, "ingest.Run", map[string]any{
		"kinds":          kinds,
		"image_paths":    dev.ImagePaths,
		"targets_source": opts.Targets.Source,
		"targets_sha256": opts.Targets.SHA256,
	})

	w := &worker{store: store, dev: dev, opts: opts, log: log}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, kind := range kinds {
		g.Go(func() error {
			step := w.runKind(gctx, kind)
			mu.Lock()
			res.Steps[i] = step
			mu.Unlock()
			if opts.OnStep != nil {
				opts.OnStep(step)
			}
			// 取消属于整体失败，其余错误只记在 step 上
			if errors.Is(gctx.Err(), context.Canceled) {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = store.AppendAudit(context.WithoutCancel(ctx), dev.CaseID, dev.ID, "ingest", "ingest_finish", "canceled", opts.Operator, "ingest.Run", map[string]any{"error": err.Error()})
		return nil, err
	}

	if info, err := w.deviceInfo(ctx); err == nil {
		res.ProductVersion = info.ProductVersion
		if err := store.UpdateDeviceInfo(ctx, dev.ID, info.ProductVersion, info.Identifier); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("update device info: %v", err))
		}
	} else if !errors.Is(err, archive.ErrNotFound) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("device info: %v", err))
	}

	status := "success"
	for _, s := range res.Steps {
		if !s.OK() {
			status = "partial"
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", s.Kind, s.Error))
		}
	}
	res.FinishedAt = time.Now().Unix()
	_ = store.AppendAudit(ctx, dev.CaseID, dev.ID, "ingest", "ingest_finish", status, opts.Operator, "ingest.Run", map[string]any{
		"steps":    res.Steps,
		"warnings": res.Warnings,
	})
	log.Info("ingest finished", "status", status, "warnings", len(res.Warnings))
	return res, nil
}

type worker struct {
	store Store
	dev   *model.Device
	opts  Options
	log   *slog.Logger
}

func (w *worker) outDir(kind model.EvidenceKind) string {
	return filepath.Join(w.opts.ExtractRoot, w.dev.ID, string(kind))
}

// runKind 依次尝试该类证据的每条规则，第一条成功解析的规则生效。
func (w *worker) runKind(ctx context.Context, kind model.EvidenceKind) StepResult {
	step := StepResult{Kind: kind}
	targets := w.opts.Targets.ForKind(kind)
	if len(targets) == 0 {
		step.Error = "no enabled extraction target"
		return step
	}

	var errs []error
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			step.Error = err.Error()
			return step
		}
		n, x, err := w.ingestTarget(ctx, kind, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID, err))
			continue
		}
		step.TargetID, step.Count = t.ID, n
		if x != nil {
			step.Source, step.Entry = x.Source, x.Entry
		}
		w.log.Info("kind ingested", "kind", kind, "target", t.ID, "count", n)
		return step
	}
	err := errors.Join(errs...)
	step.Error = err.Error()
	w.log.Warn("kind failed", "kind", kind, "err", err)
	return step
}

func (w *worker) ingestTarget(ctx context.Context, kind model.EvidenceKind, t model.ExtractionTarget) (int, *archive.Extracted, error) {
	p, err := rules.Compile(t)
	if err != nil {
		return 0, nil, err
	}
	out := w.outDir(kind)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return 0, nil, fmt.Errorf("create extract dir: %w", err)
	}

	if kind == model.KindSnapshots {
		xs, err := archive.ExtractAll(ctx, w.dev.ImagePaths, p, out)
		if err != nil {
			return 0, nil, err
		}
		rows := make([]model.SnapshotArtifact, 0, len(xs))
		for _, x := range xs {
			s, err := ios.SnapshotFromExtracted(x, w.dev.ID)
			if err != nil {
				return 0, nil, err
			}
			rows = append(rows, s)
		}
		if err := w.store.ReplaceSnapshotArtifacts(ctx, w.dev.ID, rows); err != nil {
			return 0, nil, fmt.Errorf("save snapshots: %w", err)
		}
		return len(rows), &xs[0], nil
	}

	x, err := archive.ExtractFirst(ctx, w.dev.ImagePaths, p, out)
	if err != nil {
		return 0, nil, err
	}
	n, err := w.parseAndSave(ctx, kind, x.LocalPath)
	if err != nil {
		return 0, nil, err
	}
	return n, x, nil
}

func (w *worker) parseAndSave(ctx context.Context, kind model.EvidenceKind, path string) (int, error) {
	switch kind {
	case model.KindLocations:
		rows, err := ios.ReadRoutinedLocations(ctx, path, w.dev.ID)
		if err != nil {
			return 0, err
		}
		if err := w.store.ReplaceLocations(ctx, w.dev.ID, rows); err != nil {
			return 0, fmt.Errorf("save locations: %w", err)
		}
		return len(rows), nil
	case model.KindUsage:
		rows, err := ios.ReadKnowledgeUsage(ctx, path, w.dev.ID)
		if err != nil {
			return 0, err
		}
		if err := w.store.ReplaceUsageIntervals(ctx, w.dev.ID, rows); err != nil {
			return 0, fmt.Errorf("save usage: %w", err)
		}
		return len(rows), nil
	case model.KindWifi:
		rows, err := ios.ReadWifiLocations(ctx, path, w.dev.ID)
		if err != nil {
			return 0, err
		}
		if err := w.store.ReplaceWifiSightings(ctx, w.dev.ID, rows); err != nil {
			return 0, fmt.Errorf("save wifi: %w", err)
		}
		return len(rows), nil
	default:
		return 0, fmt.Errorf("unsupported evidence kind: %s", kind)
	}
}

func (w *worker) deviceInfo(ctx context.Context) (ios.DeviceInfo, error) {
	return probeDeviceInfo(ctx, w.dev.ImagePaths, w.opts.Targets, filepath.Join(w.opts.ExtractRoot, w.dev.ID, "info"))
}

// probeDeviceInfo 先看备份根目录的 Info.plist，再按规则从镜像中提取 SystemVersion.plist。
func probeDeviceInfo(ctx context.Context, images []string, targets *rules.LoadedTargets, outDir string) (ios.DeviceInfo, error) {
	for _, img := range images {
		p := filepath.Join(img, "Info.plist")
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			if info, err := ios.ReadDeviceInfo(p); err == nil {
				return info, nil
			}
		}
	}
	if targets == nil {
		return ios.DeviceInfo{}, archive.ErrNotFound
	}
	var errs []error
	for _, t := range targets.ForKind(model.KindDeviceInfo) {
		pat, err := rules.Compile(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		x, err := archive.ExtractFirst(ctx, images, pat, outDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return ios.ReadDeviceInfo(x.LocalPath)
	}
	if len(errs) == 0 {
		return ios.DeviceInfo{}, archive.ErrNotFound
	}
	return ios.DeviceInfo{}, errors.Join(errs...)
}

// DeviceRegistry 是登记设备需要的持久化能力。
type DeviceRegistry interface {
	AddDevice(ctx context.Context, d model.Device) (model.Device, error)
	AppendAudit(ctx context.Context, caseID, deviceID, eventType, action, status, actor, source string, detail any) error
}

// AddDeviceOptions 定义登记设备的输入。
type AddDeviceOptions struct {
	CaseID     string
	Name       string
	ImagePaths []string
	Operator   string
	// ExtractRoot 用于探测设备信息时的临时落盘目录。
	ExtractRoot string
	// Targets 为空时使用内置规则。
	Targets *rules.LoadedTargets
	Logger  *slog.Logger
}

// targetsOrDefault 在未指定规则时加载内置规则。
func targetsOrDefault(ctx context.Context, t *rules.LoadedTargets) (*rules.LoadedTargets, error) {
	if t != nil {
		return t, nil
	}
	return rules.NewLoader("").Load(ctx)
}

// AddDevice 登记设备。名称为空时尝试从镜像的 plist 中读取，仍为空则取第一个镜像的文件名。
func AddDevice(ctx context.Context, reg DeviceRegistry, opts AddDeviceOptions) (model.Device, error) {
	paths := make([]string, 0, len(opts.ImagePaths))
	for _, p := range opts.ImagePaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return model.Device{}, errors.New("at least one image path is required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.New("ingest")
	}
	targets, err := targetsOrDefault(ctx, opts.Targets)
	if err != nil {
		return model.Device{}, err
	}

	d := model.Device{CaseID: opts.CaseID, Name: strings.TrimSpace(opts.Name), OS: model.OSIOS, ImagePaths: paths}
	if info, err := probeDeviceInfo(ctx, paths, targets, filepath.Join(opts.ExtractRoot, "probe")); err != nil {
		log.Info("device info not found", "case_id", opts.CaseID, "err", err)
	} else {
		if d.Name == "" {
			d.Name = info.Name
		}
		d.ProductVersion, d.Identifier = info.ProductVersion, info.Identifier
	}
	if d.Name == "" {
		d.Name = strings.TrimSuffix(filepath.Base(paths[0]), filepath.Ext(paths[0]))
	}

	saved, err := reg.AddDevice(ctx, d)
	if err != nil {
		return model.Device{}, err
	}
	if err := reg.AppendAudit(ctx, saved.CaseID, saved.ID, "device", "device_add", "success", opts.Operator, "ingest.AddDevice", map[string]any{
		"device_name":     saved.Name,
		"image_paths":     saved.ImagePaths,
		"product_version": saved.ProductVersion,
	}); err != nil {
		log.Warn("append audit failed", "case_id", saved.CaseID, "device_id", saved.ID, "action", "device_add", "err", err)
	}
	return saved, nil
}
