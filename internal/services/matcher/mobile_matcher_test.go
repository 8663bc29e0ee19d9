package matcher

import (
	"math/rand"
	"sort"
	"testing"

	"trace-correlator/internal/domain/evidence"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"

	"github.com/google/go-cmp/cmp"
)

func loc(dev string, ts int64) model.Location {
	return model.Location{DeviceID: dev, Latitude: 1, Longitude: 1, Timestamp: timebase.Instant(ts)}
}

func snap(dev, name string, ts int64) model.SnapshotArtifact {
	return model.SnapshotArtifact{DeviceID: dev, Filename: name, Filepath: "/extract/" + name, Timestamp: timebase.Instant(ts)}
}

func artifactNames(ms []model.MatchedLocation) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		if m.HasArtifact {
			out[i] = m.Artifact.Filename
		}
	}
	return out
}

func TestMatch_ConsumedArtifactIsNotReused(t *testing.T) {
	got := Match(Input{
		Locations: []model.Location{loc("D1", 0), loc("D1", 30000), loc("D1", 50000)},
		Snapshots: []model.SnapshotArtifact{snap("D1", "a.ktx", 15000)},
	}, Options{})

	if diff := cmp.Diff([]string{"a.ktx", "", ""}, artifactNames(got)); diff != "" {
		t.Fatalf("artifact assignment mismatch (-want +got):\n%s", diff)
	}
}

func TestMatch_GreedyIsOrderDependent(t *testing.T) {
	// 第一条定位先占用唯一快照，即使第二条定位离它更近。
	got := Match(Input{
		Locations: []model.Location{loc("D1", 0), loc("D1", 10000)},
		Snapshots: []model.SnapshotArtifact{snap("D1", "a.ktx", 9000)},
	}, Options{})
	if diff := cmp.Diff([]string{"a.ktx", ""}, artifactNames(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestMatch_TieBreaksOnCollectionOrder(t *testing.T) {
	got := Match(Input{
		Locations: []model.Location{loc("D1", 10000)},
		Snapshots: []model.SnapshotArtifact{snap("D1", "late.ktx", 15000), snap("D1", "early.ktx", 5000)},
	}, Options{})
	if got[0].Artifact == nil || got[0].Artifact.Filename != "late.ktx" {
		t.Fatalf("expected first-encountered candidate, got %+v", got[0].Artifact)
	}
}

func TestMatch_Threshold(t *testing.T) {
	got := Match(Input{
		Locations: []model.Location{loc("D1", 0), loc("D1", 100000)},
		Snapshots: []model.SnapshotArtifact{snap("D1", "edge.ktx", 20000), snap("D1", "far.ktx", 120001)},
	}, Options{})
	if diff := cmp.Diff([]string{"edge.ktx", ""}, artifactNames(got)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if got[1].HasArtifact || got[1].Artifact != nil {
		t.Fatalf("artifact beyond window must not match: %+v", got[1])
	}

	got = Match(Input{
		Locations: []model.Location{loc("D1", 0)},
		Snapshots: []model.SnapshotArtifact{snap("D1", "a.ktx", 4000)},
	}, Options{ArtifactWindow: 3000})
	if got[0].HasArtifact {
		t.Fatalf("custom window should reject 4000ms distance")
	}
}

func TestMatch_SameDeviceOnly(t *testing.T) {
	got := Match(Input{
		Locations: []model.Location{loc("D1", 0)},
		Snapshots: []model.SnapshotArtifact{snap("D2", "other.ktx", 0)},
		Usage: []model.UsageInterval{
			{DeviceID: "D2", BundleIdentifier: "com.other", StartTime: 0, EndTime: 10, Kind: model.UsageUsage},
		},
	}, Options{})
	if got[0].HasArtifact || got[0].Usage != nil {
		t.Fatalf("cross-device evidence attached: %+v", got[0])
	}
}

func TestMatch_UsageContainment(t *testing.T) {
	usage := []model.UsageInterval{
		{DeviceID: "D1", BundleIdentifier: "com.app.x", StartTime: 1000, EndTime: 5000, Kind: model.UsageFocus},
	}
	got := Match(Input{
		Locations: []model.Location{loc("D1", 500), loc("D1", 3000), loc("D1", 6000), loc("D1", 5000)},
		Usage:     usage,
	}, Options{})

	var bundles []string
	for _, m := range got {
		if m.Usage == nil {
			bundles = append(bundles, "")
			continue
		}
		bundles = append(bundles, m.Usage.BundleIdentifier)
	}
	// 输出按时间排序：500, 3000, 5000, 6000；同一区间可被多条定位共享。
	if diff := cmp.Diff([]string{"", "com.app.x", "com.app.x", ""}, bundles); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestMatch_OverlappingUsageFirstWins(t *testing.T) {
	got := Match(Input{
		Locations: []model.Location{loc("D1", 150)},
		Usage: []model.UsageInterval{
			{DeviceID: "D1", BundleIdentifier: "first", StartTime: 100, EndTime: 200, Kind: model.UsageUsage},
			{DeviceID: "D1", BundleIdentifier: "second", StartTime: 0, EndTime: 300, Kind: model.UsageFocus},
		},
	}, Options{})
	if got[0].Usage == nil || got[0].Usage.BundleIdentifier != "first" {
		t.Fatalf("expected first interval in input order, got %+v", got[0].Usage)
	}
}

func TestMatch_PropertiesOnRandomInput(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	devices := []string{"D1", "D2", "D3"}
	var in Input
	for i := 0; i < 300; i++ {
		in.Locations = append(in.Locations, loc(devices[r.Intn(3)], int64(r.Intn(600000))))
	}
	for i := 0; i < 80; i++ {
		in.Snapshots = append(in.Snapshots, model.SnapshotArtifact{
			ID:        int64(i + 1),
			DeviceID:  devices[r.Intn(3)],
			Filename:  "s.ktx",
			Filepath:  "/s.ktx",
			Timestamp: timebase.Instant(r.Intn(600000)),
		})
	}
	for i := 0; i < 20; i++ {
		start := int64(r.Intn(600000))
		in.Usage = append(in.Usage, model.UsageInterval{
			ID:        int64(i + 1),
			DeviceID:  devices[r.Intn(3)],
			StartTime: timebase.Instant(start),
			EndTime:   timebase.Instant(start + int64(r.Intn(30000))),
			Kind:      model.UsageUsage,
		})
	}
	locsBefore := append([]model.Location(nil), in.Locations...)

	got := Match(in, Options{})
	if len(got) != len(in.Locations) {
		t.Fatalf("len=%d want=%d", len(got), len(in.Locations))
	}
	if diff := cmp.Diff(locsBefore, in.Locations); diff != "" {
		t.Fatalf("input mutated:\n%s", diff)
	}

	// 排序
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Timestamp < got[j].Timestamp }) {
		t.Fatalf("output not sorted by timestamp")
	}

	seen := map[int64]bool{}
	for _, m := range got {
		if m.HasArtifact != (m.Artifact != nil) {
			t.Fatalf("has_artifact inconsistent: %+v", m)
		}
		if m.Artifact != nil {
			// 独占
			if seen[m.Artifact.ID] {
				t.Fatalf("artifact %d attached twice", m.Artifact.ID)
			}
			seen[m.Artifact.ID] = true
			if m.Artifact.DeviceID != m.DeviceID {
				t.Fatalf("artifact from another device")
			}
			if absDiff(m.Artifact.Timestamp, m.Timestamp) > DefaultArtifactWindow {
				t.Fatalf("artifact beyond window")
			}
		}

		// 包含关系：有包含区间 <=> 附加了区间
		contained := false
		for _, u := range in.Usage {
			if u.DeviceID == m.DeviceID && u.Contains(m.Timestamp) {
				contained = true
				break
			}
		}
		if contained != (m.Usage != nil) {
			t.Fatalf("usage containment violated at ts=%d device=%s", m.Timestamp, m.DeviceID)
		}
	}

	// 幂等
	again := Match(in, Options{})
	if diff := cmp.Diff(got, again); diff != "" {
		t.Fatalf("match not deterministic:\n%s", diff)
	}
}

func TestMatchLocations_FromEvidenceStore(t *testing.T) {
	store, err := evidence.FromRecords("case_1",
		[]model.Device{{ID: "D1", Name: "phone"}},
		[]model.Location{loc("D1", 30000), loc("D1", 0)},
		nil,
		[]model.SnapshotArtifact{snap("D1", "a.ktx", 29000)},
		nil,
	)
	if err != nil {
		t.Fatalf("populate: %v", err)
	}
	got := MatchLocations(store, Options{})
	if len(got) != 2 || got[0].Timestamp != 0 || got[1].Timestamp != 30000 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].DisplayOrdinal != 1 {
		t.Fatalf("ordinal not carried: %+v", got[0])
	}
	if !got[1].HasArtifact {
		t.Fatalf("expected artifact on ts=30000")
	}
}
