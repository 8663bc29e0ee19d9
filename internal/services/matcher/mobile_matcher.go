package matcher

import (
	"sort"

	"trace-correlator/internal/domain/evidence"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"
)

// DefaultArtifactWindow 是定位与快照可关联的最大时间差（毫秒，含边界）。
const DefaultArtifactWindow timebase.Instant = 20_000

// Options 控制关联参数。
type Options struct {
	// ArtifactWindow <=0 时使用 DefaultArtifactWindow。
	ArtifactWindow timebase.Instant
}

func (o Options) window() timebase.Instant {
	if o.ArtifactWindow <= 0 {
		return DefaultArtifactWindow
	}
	return o.ArtifactWindow
}

// Input 是一次关联的全部输入（只读）。
type Input struct {
	Locations []model.Location
	Snapshots []model.SnapshotArtifact
	Usage     []model.UsageInterval
}

// MatchLocations 对证据集合执行关联，见 Match。
func MatchLocations(store *evidence.Store, opts Options) []model.MatchedLocation {
	return Match(Input{
		Locations: store.Locations(),
		Snapshots: store.Snapshots(),
		Usage:     store.UsageIntervals(),
	}, opts)
}

// Match 为每条定位附加同设备的快照与应用使用区间，返回按时间升序的新序列。
//
// 快照：按定位的输入顺序贪心选择“未被占用且时间差最小”的快照，
// 时间差相同取输入顺序靠前者；时间差超过窗口则不关联。被选中的快照在本轮内不再参与关联。
// 这是逐条贪心，不是全局最优匹配。
//
// 使用区间：取输入顺序中第一个满足 start <= ts <= end 的同设备区间，可被多条定位共享。
func Match(in Input, opts Options) []model.MatchedLocation {
	window := opts.window()

	snapsByDevice := make(map[string][]int)
	for i, s := range in.Snapshots {
		snapsByDevice[s.DeviceID] = append(snapsByDevice[s.DeviceID], i)
	}
	usageByDevice := make(map[string][]int)
	for i, u := range in.Usage {
		usageByDevice[u.DeviceID] = append(usageByDevice[u.DeviceID], i)
	}
	consumed := make([]bool, len(in.Snapshots))

	out := make([]model.MatchedLocation, 0, len(in.Locations))
	for _, loc := range in.Locations {
		m := model.MatchedLocation{Location: loc}

		best := -1
		var bestDiff timebase.Instant
		for _, idx := range snapsByDevice[loc.DeviceID] {
			if consumed[idx] {
				continue
			}
			diff := absDiff(loc.Timestamp, in.Snapshots[idx].Timestamp)
			if best < 0 || diff < bestDiff {
				best, bestDiff = idx, diff
			}
		}
		if best >= 0 && bestDiff <= window {
			consumed[best] = true
			art := in.Snapshots[best]
			m.HasArtifact = true
			m.Artifact = &art
		}

		for _, idx := range usageByDevice[loc.DeviceID] {
			if in.Usage[idx].Contains(loc.Timestamp) {
				u := in.Usage[idx]
				m.Usage = &u
				break
			}
		}

		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

func absDiff(a, b timebase.Instant) timebase.Instant {
	if a > b {
		return a - b
	}
	return b - a
}
