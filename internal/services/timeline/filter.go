package timeline

import (
	"sort"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"
)

// Range 是时间轴的选择区间，两端均含。
// 任一端为空时视为“尚未选择”，过滤结果为空（不是错误）。
type Range struct {
	Start *timebase.Instant `json:"start,omitempty"`
	End   *timebase.Instant `json:"end,omitempty"`
}

// NewRange 构造两端完整的区间。
func NewRange(start, end timebase.Instant) Range {
	return Range{Start: start.Ptr(), End: end.Ptr()}
}

// Complete 表示两端都已给出。
func (r Range) Complete() bool {
	return r.Start != nil && r.End != nil
}

func (r Range) contains(ts timebase.Instant) bool {
	return *r.Start <= ts && ts <= *r.End
}

// Filter 取出 start <= ts <= end 的关联定位，按时间升序返回新切片。
// start > end 时结果为空。
func Filter(all []model.MatchedLocation, r Range) []model.MatchedLocation {
	out := make([]model.MatchedLocation, 0)
	if !r.Complete() {
		return out
	}
	for _, m := range all {
		if r.contains(m.Timestamp) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// FilterWifi 对 WiFi 观测应用与 Filter 相同的区间谓词（不区分设备）。
func FilterWifi(all []model.WifiSighting, r Range) []model.WifiSighting {
	out := make([]model.WifiSighting, 0)
	if !r.Complete() {
		return out
	}
	for _, w := range all {
		if r.contains(w.Timestamp) {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Bounds 返回序列的最早与最晚时间，空序列返回空区间。
// 用于在未选择区间时给出默认值。
func Bounds(all []model.MatchedLocation) Range {
	if len(all) == 0 {
		return Range{}
	}
	lo, hi := all[0].Timestamp, all[0].Timestamp
	for _, m := range all[1:] {
		if m.Timestamp < lo {
			lo = m.Timestamp
		}
		if m.Timestamp > hi {
			hi = m.Timestamp
		}
	}
	return NewRange(lo, hi)
}
