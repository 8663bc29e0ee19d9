package timeline

import "trace-correlator/internal/domain/model"

// Window 返回游标 cursor 处的可见区间 [lo, hi)。
//
// maxVisible <= 0 表示不设上限；序列长度超过上限时只保留以游标结尾的最近 maxVisible 条，
// 否则从序列开头到游标全部可见。
// 游标越过末尾时按最后一条处理；负游标或空序列返回空区间。
func Window(n, cursor, maxVisible int) (lo, hi int) {
	if n <= 0 || cursor < 0 {
		return 0, 0
	}
	if cursor >= n {
		cursor = n - 1
	}
	hi = cursor + 1
	if maxVisible > 0 && n > maxVisible {
		lo = max(0, hi-maxVisible)
	}
	return lo, hi
}

// Visible 返回 filtered 在游标处的可见子序列（共享底层数组，调用方不得修改）。
func Visible(filtered []model.MatchedLocation, cursor, maxVisible int) []model.MatchedLocation {
	lo, hi := Window(len(filtered), cursor, maxVisible)
	return filtered[lo:hi]
}

// VisibleWifi 按时间而非下标同步：返回时间不晚于游标处定位的全部 WiFi 观测。
// filteredWifi 需已按时间升序（FilterWifi 的输出）。
func VisibleWifi(filteredWifi []model.WifiSighting, filtered []model.MatchedLocation, cursor int) []model.WifiSighting {
	if len(filtered) == 0 || cursor < 0 {
		return filteredWifi[:0]
	}
	if cursor >= len(filtered) {
		cursor = len(filtered) - 1
	}
	limit := filtered[cursor].Timestamp
	n := 0
	for n < len(filteredWifi) && filteredWifi[n].Timestamp <= limit {
		n++
	}
	return filteredWifi[:n]
}

// Projection 是某一游标位置的展示投影。
type Projection struct {
	Total      int                     `json:"total"`
	Cursor     int                     `json:"cursor"`
	MaxVisible int                     `json:"max_visible"`
	WindowLo   int                     `json:"window_lo"`
	WindowHi   int                     `json:"window_hi"`
	Current    *model.MatchedLocation  `json:"current,omitempty"`
	Visible    []model.MatchedLocation `json:"visible"`
	Wifi       []model.WifiSighting    `json:"wifi"`
}

// Project 组合 Window 与 VisibleWifi。返回的切片是新分配的。
func Project(filtered []model.MatchedLocation, filteredWifi []model.WifiSighting, cursor, maxVisible int) Projection {
	lo, hi := Window(len(filtered), cursor, maxVisible)
	p := Projection{
		Total:      len(filtered),
		Cursor:     cursor,
		MaxVisible: maxVisible,
		WindowLo:   lo,
		WindowHi:   hi,
		Visible:    append([]model.MatchedLocation{}, filtered[lo:hi]...),
		Wifi:       append([]model.WifiSighting{}, VisibleWifi(filteredWifi, filtered, cursor)...),
	}
	if hi > 0 {
		cur := filtered[hi-1]
		p.Current = &cur
		p.Cursor = hi - 1
	}
	return p
}
