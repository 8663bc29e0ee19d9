package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Source 是证据集合的数据来源（持久化层/命令面）。
// 所有时间字段在进入 Source 之前已转换为 timebase.Instant。
type Source interface {
	ListDevices(ctx context.Context, caseID string) ([]model.Device, error)
	GetLocations(ctx context.Context, deviceID string) ([]model.Location, error)
	GetWifiSightings(ctx context.Context, caseID string) ([]model.WifiSighting, error)
	GetSnapshotArtifacts(ctx context.Context, deviceID string) ([]model.SnapshotArtifact, error)
	GetUsageIntervals(ctx context.Context, deviceID string) ([]model.UsageInterval, error)
}

// Failure 记录一次单设备（或案件级 WiFi）拉取失败。
// 失败不会中断整体聚合，由调用方决定如何展示。
type Failure struct {
	DeviceID string             `json:"device_id,omitempty"`
	Kind     model.EvidenceKind `json:"kind"`
	Message  string             `json:"error"`
	Err      error              `json:"-"`
}

func (f Failure) String() string {
	if f.DeviceID == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s/%s: %s", f.DeviceID, f.Kind, f.Message)
}

// Options 控制聚合行为。
type Options struct {
	// Concurrency 是同时拉取的设备数上限，<=0 时取 4。
	Concurrency int
	Logger      *slog.Logger
}

// Store 是一次案件加载的证据集合，填充后只读。
type Store struct {
	caseID    string
	devices   []model.DeviceRef
	ordinals  map[string]int
	locations []model.Location
	wifi      []model.WifiSighting
	snapshots []model.SnapshotArtifact
	usage     []model.UsageInterval
	failures  []Failure
}

type deviceBatch struct {
	locations []model.Location
	snapshots []model.SnapshotArtifact
	usage     []model.UsageInterval
	failures  []Failure
}

// Populate 按案件设备列表聚合四类证据：
// - 展示序号按设备列表枚举顺序分配（第一个设备为 1）
// - 单设备拉取失败记入 Failures，继续处理其他设备
// - 只有 ListDevices 失败或记录违反不变式时返回错误
func Populate(ctx context.Context, src Source, caseID string, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = logging.New("evidence")
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}

	devices, err := src.ListDevices(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	s := &Store{
		caseID:   caseID,
		devices:  make([]model.DeviceRef, 0, len(devices)),
		ordinals: make(map[string]int, len(devices)),
	}
	for i, d := range devices {
		ord := i + 1
		s.devices = append(s.devices, model.DeviceRef{DeviceID: d.ID, DisplayOrdinal: ord, Name: d.Name})
		s.ordinals[d.ID] = ord
	}

	batches := make([]deviceBatch, len(devices))
	var (
		wifi        []model.WifiSighting
		wifiFailure *Failure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, d := range devices {
		g.Go(func() error {
			b, err := fetchDevice(gctx, src, d.ID, s.ordinals[d.ID])
			if err != nil {
				return err
			}
			batches[i] = b
			return nil
		})
	}
	g.Go(func() error {
		rows, err := src.GetWifiSightings(gctx, caseID)
		if err != nil {
			wifiFailure = &Failure{Kind: model.KindWifi, Message: err.Error(), Err: err}
			return nil
		}
		for j := range rows {
			if err := rows[j].Validate(); err != nil {
				return err
			}
			rows[j].DisplayOrdinal = s.ordinals[rows[j].DeviceID]
		}
		wifi = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, b := range batches {
		s.locations = append(s.locations, b.locations...)
		s.snapshots = append(s.snapshots, b.snapshots...)
		s.usage = append(s.usage, b.usage...)
		for _, f := range b.failures {
			log.Warn("device evidence fetch failed",
				"case_id", caseID, "device_id", devices[i].ID, "kind", f.Kind, "err", f.Err)
			s.failures = append(s.failures, f)
		}
	}
	s.wifi = wifi
	if wifiFailure != nil {
		log.Warn("wifi fetch failed", "case_id", caseID, "err", wifiFailure.Err)
		s.failures = append(s.failures, *wifiFailure)
	}

	log.Debug("evidence populated",
		"case_id", caseID,
		"devices", len(s.devices),
		"locations", len(s.locations),
		"wifi", len(s.wifi),
		"snapshots", len(s.snapshots),
		"usage", len(s.usage),
		"failures", len(s.failures),
	)
	return s, nil
}

func fetchDevice(ctx context.Context, src Source, deviceID string, ordinal int) (deviceBatch, error) {
	var b deviceBatch
	fail := func(kind model.EvidenceKind, err error) {
		b.failures = append(b.failures, Failure{DeviceID: deviceID, Kind: kind, Message: err.Error(), Err: err})
	}

	if rows, err := src.GetLocations(ctx, deviceID); err != nil {
		fail(model.KindLocations, err)
	} else {
		for i := range rows {
			rows[i].DeviceID = deviceID
			rows[i].DisplayOrdinal = ordinal
			if err := rows[i].Validate(); err != nil {
				return b, err
			}
		}
		b.locations = rows
	}

	if rows, err := src.GetSnapshotArtifacts(ctx, deviceID); err != nil {
		fail(model.KindSnapshots, err)
	} else {
		for i := range rows {
			rows[i].DeviceID = deviceID
			if err := rows[i].Validate(); err != nil {
				return b, err
			}
		}
		b.snapshots = rows
	}

	if rows, err := src.GetUsageIntervals(ctx, deviceID); err != nil {
		fail(model.KindUsage, err)
	} else {
		for i := range rows {
			rows[i].DeviceID = deviceID
			if err := rows[i].Validate(); err != nil {
				return b, err
			}
		}
		b.usage = rows
	}
	return b, nil
}

// FromRecords 直接用内存记录构造集合（测试与离线导入使用），规则与 Populate 相同。
func FromRecords(caseID string, devices []model.Device, locations []model.Location, wifi []model.WifiSighting, snapshots []model.SnapshotArtifact, usage []model.UsageInterval) (*Store, error) {
	return Populate(context.Background(), staticSource{
		devices:   devices,
		locations: locations,
		wifi:      wifi,
		snapshots: snapshots,
		usage:     usage,
	}, caseID, Options{Concurrency: 1})
}

func (s *Store) CaseID() string { return s.caseID }

func (s *Store) Devices() []model.DeviceRef { return slices.Clone(s.devices) }

func (s *Store) Locations() []model.Location { return slices.Clone(s.locations) }

func (s *Store) WifiSightings() []model.WifiSighting { return slices.Clone(s.wifi) }

func (s *Store) Snapshots() []model.SnapshotArtifact { return slices.Clone(s.snapshots) }

func (s *Store) UsageIntervals() []model.UsageInterval { return slices.Clone(s.usage) }

func (s *Store) Failures() []Failure { return slices.Clone(s.failures) }

// Ordinal 返回设备展示序号；未知设备返回 0。
func (s *Store) Ordinal(deviceID string) int { return s.ordinals[deviceID] }

type staticSource struct {
	devices   []model.Device
	locations []model.Location
	wifi      []model.WifiSighting
	snapshots []model.SnapshotArtifact
	usage     []model.UsageInterval
}

func (s staticSource) ListDevices(context.Context, string) ([]model.Device, error) {
	return slices.Clone(s.devices), nil
}

func (s staticSource) GetLocations(_ context.Context, deviceID string) ([]model.Location, error) {
	return filterByDevice(s.locations, deviceID, func(l model.Location) string { return l.DeviceID }), nil
}

func (s staticSource) GetWifiSightings(context.Context, string) ([]model.WifiSighting, error) {
	return slices.Clone(s.wifi), nil
}

func (s staticSource) GetSnapshotArtifacts(_ context.Context, deviceID string) ([]model.SnapshotArtifact, error) {
	return filterByDevice(s.snapshots, deviceID, func(a model.SnapshotArtifact) string { return a.DeviceID }), nil
}

func (s staticSource) GetUsageIntervals(_ context.Context, deviceID string) ([]model.UsageInterval, error) {
	return filterByDevice(s.usage, deviceID, func(u model.UsageInterval) string { return u.DeviceID }), nil
}

func filterByDevice[T any](items []T, deviceID string, owner func(T) string) []T {
	out := make([]T, 0)
	for _, it := range items {
		if owner(it) == deviceID {
			out = append(out, it)
		}
	}
	return out
}
