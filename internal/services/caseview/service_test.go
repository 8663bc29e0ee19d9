package caseview

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"
	"trace-correlator/internal/services/timeline"

	"github.com/stretchr/testify/require"
)

type memSource struct {
	devices   []model.Device
	locations []model.Location
	wifi      []model.WifiSighting
	snapshots []model.SnapshotArtifact
	usage     []model.UsageInterval
}

func (m *memSource) ListDevices(context.Context, string) ([]model.Device, error) {
	return m.devices, nil
}

func (m *memSource) GetLocations(_ context.Context, deviceID string) ([]model.Location, error) {
	var out []model.Location
	for _, l := range m.locations {
		if l.DeviceID == deviceID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memSource) GetWifiSightings(context.Context, string) ([]model.WifiSighting, error) {
	return m.wifi, nil
}

func (m *memSource) GetSnapshotArtifacts(_ context.Context, deviceID string) ([]model.SnapshotArtifact, error) {
	var out []model.SnapshotArtifact
	for _, s := range m.snapshots {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSource) GetUsageIntervals(_ context.Context, deviceID string) ([]model.UsageInterval, error) {
	var out []model.UsageInterval
	for _, u := range m.usage {
		if u.DeviceID == deviceID {
			out = append(out, u)
		}
	}
	return out, nil
}

func sampleSource() *memSource {
	src := &memSource{
		devices: []model.Device{{ID: "dev1", Name: "A"}, {ID: "dev2", Name: "B"}},
		snapshots: []model.SnapshotArtifact{
			{DeviceID: "dev1", Filename: "s.ktx", Filepath: "/x/s.ktx", Timestamp: 3_000},
		},
		usage: []model.UsageInterval{
			{DeviceID: "dev2", BundleIdentifier: "com.apple.Maps", StartTime: 0, EndTime: 10_000, Kind: model.UsageFocus},
		},
		wifi: []model.WifiSighting{
			{DeviceID: "dev1", MAC: 1, Latitude: 31, Longitude: 121, Timestamp: 2_500},
			{DeviceID: "dev1", MAC: 2, Latitude: 31, Longitude: 121, Timestamp: 9_000},
		},
	}
	for i := 0; i < 8; i++ {
		dev := "dev1"
		if i%2 == 1 {
			dev = "dev2"
		}
		src.locations = append(src.locations, model.Location{
			DeviceID:  dev,
			Latitude:  31 + float64(i)*0.001,
			Longitude: 121,
			Timestamp: timebase.Instant(i * 1_000),
		})
	}
	return src
}

func TestLoadAndQuery(t *testing.T) {
	s, err := Load(context.Background(), sampleSource(), "case1", Options{})
	require.NoError(t, err)
	require.Len(t, s.Matched, 8)
	require.Equal(t, timebase.Instant(0), *s.Bounds.Start)
	require.Equal(t, timebase.Instant(7_000), *s.Bounds.End)

	// 按输入顺序贪心：dev1 在 t=0 的定位先处理，快照在窗口内即被占用
	require.True(t, s.Matched[0].HasArtifact)
	require.False(t, s.Matched[2].HasArtifact)
	require.NotNil(t, s.Matched[1].Usage)

	v := s.Query(timeline.NewRange(1_000, 6_000), 3, 2)
	require.Equal(t, 6, v.FilteredCount)
	require.Equal(t, 1, v.FilteredWifi)
	require.Len(t, v.Devices, 2)
	require.Equal(t, 2, v.Projection.WindowLo)
	require.Equal(t, 4, v.Projection.WindowHi)
	require.Equal(t, timebase.Instant(4_000), v.Projection.Current.Timestamp)
	require.Len(t, v.Projection.Wifi, 1)

	empty := s.Query(timeline.Range{Start: timebase.Instant(0).Ptr()}, 0, 0)
	require.Zero(t, empty.FilteredCount)
	require.Nil(t, empty.Projection.Current)
}

func TestRegistry_ReplaceNeverPatches(t *testing.T) {
	ctx := context.Background()
	src := sampleSource()
	reg := NewRegistry()
	require.Nil(t, reg.Get("case1"))

	first, err := reg.Ensure(ctx, src, "case1", Options{})
	require.NoError(t, err)
	again, err := reg.Ensure(ctx, src, "case1", Options{})
	require.NoError(t, err)
	require.Same(t, first, again)

	src.locations = src.locations[:2]
	second, err := reg.Reload(ctx, src, "case1", Options{})
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Len(t, first.Matched, 8)
	require.Len(t, reg.Get("case1").Matched, 2)

	reg.Invalidate("case1")
	require.Nil(t, reg.Get("case1"))
}

// gatedSource 在 ListDevices 处停住，直到测试放行。
type gatedSource struct {
	*memSource
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) ListDevices(ctx context.Context, caseID string) ([]model.Device, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.memSource.ListDevices(ctx, caseID)
}

func TestRegistry_InvalidateDuringReloadDropsStaleSession(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	src := &gatedSource{memSource: sampleSource(), entered: make(chan struct{}), release: make(chan struct{})}

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := reg.Reload(ctx, src, "case1", Options{})
		done <- result{s, err}
	}()

	<-src.entered
	reg.Invalidate("case1")
	close(src.release)

	res := <-done
	require.NoError(t, res.err)
	require.NotNil(t, res.s)
	require.Nil(t, reg.Get("case1"), "reload started before invalidation must not be registered")

	fresh, err := reg.Ensure(ctx, src.memSource, "case1", Options{})
	require.NoError(t, err)
	require.Same(t, fresh, reg.Get("case1"))
}

func TestAreaHits(t *testing.T) {
	locs := []model.MatchedLocation{
		{Location: model.Location{DeviceID: "dev1", Latitude: 31.0000, Longitude: 121, Timestamp: 1}},
		{Location: model.Location{DeviceID: "dev2", Latitude: 31.0005, Longitude: 121, Timestamp: 2}},
		{Location: model.Location{DeviceID: "dev1", Latitude: 31.0100, Longitude: 121, Timestamp: 3}},
	}
	hits := AreaHits(locs, []model.Area{
		{ID: "a1", Name: "near", Latitude: 31, Longitude: 121, RadiusMeters: 100},
		{ID: "a2", Name: "far", Latitude: 0, Longitude: 0, RadiusMeters: 100},
	})
	require.Len(t, hits, 2)
	require.Equal(t, 2, hits[0].Count)
	require.Equal(t, []string{"dev1", "dev2"}, hits[0].Devices)
	require.Equal(t, timebase.Instant(1), hits[0].First)
	require.Equal(t, timebase.Instant(2), hits[0].Last)
	require.Zero(t, hits[1].Count)

	// 纬度 0.001 度约 111 米
	d := DistanceMeters(31, 121, 31.001, 121)
	require.InDelta(t, 111.2, d, 0.5)
	require.Zero(t, DistanceMeters(10, 10, 10, 10))
	require.False(t, math.IsNaN(DistanceMeters(0, 0, 0, 180)))
}

type fakeReports struct {
	overview *model.CaseOverview
	reports  []model.ReportInfo
}

func (f fakeReports) GetCaseOverview(context.Context, string) (*model.CaseOverview, error) {
	return f.overview, nil
}

func (f fakeReports) GetReportByID(_ context.Context, id string) (*model.ReportInfo, error) {
	for i := range f.reports {
		if f.reports[i].ReportID == id {
			return &f.reports[i], nil
		}
	}
	return nil, nil
}

func (f fakeReports) ListReportsByCase(context.Context, string) ([]model.ReportInfo, error) {
	return f.reports, nil
}

func TestGetReportView(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "r.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF"), 0o644))
	rr := fakeReports{
		overview: &model.CaseOverview{CaseSummary: model.CaseSummary{CaseID: "case1"}},
		reports: []model.ReportInfo{
			{ReportID: "rep2", CaseID: "case1", FilePath: p},
			{ReportID: "rep1", CaseID: "case1", FilePath: "/missing"},
			{ReportID: "rep9", CaseID: "other", FilePath: p},
		},
	}

	v, err := GetReportView(ctx, rr, "case1", "", true)
	require.NoError(t, err)
	require.Equal(t, "rep2", v.Report.ReportID)
	require.Equal(t, 4, v.ContentLength)

	v, err = GetReportView(ctx, rr, "case1", "rep9", true)
	require.NoError(t, err)
	require.Nil(t, v.Report)

	_, err = GetReportView(ctx, rr, "case1", "rep1", true)
	require.Error(t, err)

	_, err = GetReportView(ctx, fakeReports{}, "case1", "", false)
	require.Error(t, err)
}
