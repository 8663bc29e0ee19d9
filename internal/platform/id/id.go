package id

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New 生成带前缀的唯一 ID：prefix + "_" + 小写 ULID。
// ULID 按时间单调递增，字典序即创建顺序，便于日志阅读与按 ID 排序。
func New(prefix string) string {
	mu.Lock()
	u := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	mu.Unlock()
	return prefix + "_" + strings.ToLower(u.String())
}

// Time 从 New 生成的 ID 中还原创建时间；无法解析时返回零值。
func Time(v string) time.Time {
	i := strings.LastIndexByte(v, '_')
	if i < 0 || i+1 >= len(v) {
		return time.Time{}
	}
	u, err := ulid.ParseStrict(strings.ToUpper(v[i+1:]))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time())
}
