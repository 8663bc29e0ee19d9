package timebase

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// AppleEpochOffset 是 Apple “Mac Absolute Time”（2001-01-01 00:00:00 UTC）相对 Unix 纪元的秒数。
// CoreData/CoreDuet/locationd 等系统库均以该纪元存储时间。
const AppleEpochOffset = 978307200

// ErrNonFinite 表示设备时间为 NaN/Inf，这类值不能参与排序，必须在入库前拒绝。
var ErrNonFinite = errors.New("timebase: non-finite device time")

// Instant 是统一时间基：Unix 纪元起的毫秒数。
// 所有流（位置/WiFi/快照/应用使用）在进入证据集合前都必须转换为 Instant。
type Instant int64

// ToAbsoluteInstant 把设备原生纪元秒转换为 Instant：(e + o) * 1000，向零截断。
func ToAbsoluteInstant(deviceEpochSeconds, epochOffsetSeconds float64) (Instant, error) {
	if !finite(deviceEpochSeconds) || !finite(epochOffsetSeconds) {
		return 0, fmt.Errorf("%w: e=%v o=%v", ErrNonFinite, deviceEpochSeconds, epochOffsetSeconds)
	}
	ms := (deviceEpochSeconds + epochOffsetSeconds) * 1000
	// float64(MaxInt64) 就是 2^63，等于它也已经越界
	if ms >= math.MaxInt64 || ms < math.MinInt64 {
		return 0, fmt.Errorf("%w: overflow e=%v o=%v", ErrNonFinite, deviceEpochSeconds, epochOffsetSeconds)
	}
	return Instant(int64(ms)), nil
}

// FromAppleSeconds 是 ToAbsoluteInstant(e, AppleEpochOffset) 的简写。
func FromAppleSeconds(e float64) (Instant, error) {
	return ToAbsoluteInstant(e, AppleEpochOffset)
}

// FromTime 把 time.Time 转为 Instant（毫秒精度）。
func FromTime(t time.Time) Instant {
	return Instant(t.UnixMilli())
}

func (i Instant) Time() time.Time {
	return time.UnixMilli(int64(i)).UTC()
}

func (i Instant) String() string {
	return i.Time().Format("2006-01-02T15:04:05.000Z07:00")
}

// Ptr 便于构造可选边界（timeline.Range）。
func (i Instant) Ptr() *Instant {
	return &i
}

// ParseInstant 解析 CLI/API 传入的时间：
// - RFC3339 / RFC3339Nano
// - "2006-01-02 15:04:05" 或 "2006-01-02T15:04:05"（按 UTC）
// - 纯数字：视为毫秒
func ParseInstant(s string) (Instant, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("timebase: empty time")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Instant(n), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return FromTime(t), nil
		}
	}
	return 0, fmt.Errorf("timebase: unrecognized time %q", s)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
