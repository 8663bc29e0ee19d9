package caseview

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"trace-correlator/internal/domain/evidence"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/logging"
	"trace-correlator/internal/services/matcher"
	"trace-correlator/internal/services/timeline"
)

// Options 控制一次案件加载。
type Options struct {
	Matcher     matcher.Options
	Concurrency int
	Logger      *slog.Logger
}

// Session 是一次案件加载的只读快照：证据集合 + 关联结果。
// 数据变化后重新 Load 并整体替换，不在原 Session 上修补。
type Session struct {
	CaseID   string
	Evidence *evidence.Store
	// Matched 按时间升序。
	Matched  []model.MatchedLocation
	Bounds   timeline.Range
	LoadedAt time.Time
}

// Load 拉取案件证据并执行关联。
func Load(ctx context.Context, src evidence.Source, caseID string, opts Options) (*Session, error) {
	log := logger(opts)
	store, err := evidence.Populate(ctx, src, caseID, evidence.Options{Concurrency: opts.Concurrency, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("populate evidence: %w", err)
	}
	matched := matcher.MatchLocations(store, opts.Matcher)
	log.Info("case loaded", "case_id", caseID, "devices", len(store.Devices()), "locations", len(matched), "failures", len(store.Failures()))
	return &Session{
		CaseID:   caseID,
		Evidence: store,
		Matched:  matched,
		Bounds:   timeline.Bounds(matched),
		LoadedAt: time.Now(),
	}, nil
}

// TimelineView 是一次时间轴查询的结果（用于 UI/导出）。
type TimelineView struct {
	CaseID        string              `json:"case_id"`
	Range         timeline.Range      `json:"range"`
	Bounds        timeline.Range      `json:"bounds"`
	Devices       []model.DeviceRef   `json:"devices"`
	Failures      []evidence.Failure  `json:"failures,omitempty"`
	FilteredCount int                 `json:"filtered_count"`
	FilteredWifi  int                 `json:"filtered_wifi"`
	Projection    timeline.Projection `json:"projection"`
}

// Query 按时间范围过滤并投影播放窗口。范围不完整时结果为空（而不是全部）。
func (s *Session) Query(r timeline.Range, cursor, maxVisible int) TimelineView {
	filtered := timeline.Filter(s.Matched, r)
	wifi := timeline.FilterWifi(s.Evidence.WifiSightings(), r)
	return TimelineView{
		CaseID:        s.CaseID,
		Range:         r,
		Bounds:        s.Bounds,
		Devices:       s.Evidence.Devices(),
		Failures:      s.Evidence.Failures(),
		FilteredCount: len(filtered),
		FilteredWifi:  len(wifi),
		Projection:    timeline.Project(filtered, wifi, cursor, maxVisible),
	}
}

// Filtered 返回范围内的全部关联结果（导出用，不做窗口截断）。
func (s *Session) Filtered(r timeline.Range) []model.MatchedLocation {
	return timeline.Filter(s.Matched, r)
}

func logger(opts Options) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return logging.New("caseview")
}

// Registry 按案件保存当前 Session。每个案件一个原子指针，读者拿到的总是完整的一份。
//
// 每个案件另有一个代数：Invalidate 使代数加一。Reload 只在加载期间代数未变时登记结果，
// 失效之前开始的加载不会把旧数据放回来。
type Registry struct {
	mu    sync.Mutex
	slots map[string]*caseSlot
}

type caseSlot struct {
	cur atomic.Pointer[Session]
	gen uint64 // 受 Registry.mu 保护
}

func NewRegistry() *Registry {
	return &Registry{slots: map[string]*caseSlot{}}
}

// slotLocked 返回案件槽位，不存在则创建。调用方持有 r.mu。
func (r *Registry) slotLocked(caseID string) *caseSlot {
	sl, ok := r.slots[caseID]
	if !ok {
		sl = &caseSlot{}
		r.slots[caseID] = sl
	}
	return sl
}

// Get 返回案件当前的 Session，未加载或已失效返回 nil。
func (r *Registry) Get(caseID string) *Session {
	r.mu.Lock()
	sl, ok := r.slots[caseID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return sl.cur.Load()
}

// Replace 无条件替换案件的 Session。
func (r *Registry) Replace(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slotLocked(s.CaseID).cur.Store(s)
}

// replaceIfCurrent 仅在案件代数仍为 gen 时登记 s，返回是否登记。
func (r *Registry) replaceIfCurrent(s *Session, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := r.slotLocked(s.CaseID)
	if sl.gen != gen {
		return false
	}
	sl.cur.Store(s)
	return true
}

func (r *Registry) generation(caseID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slotLocked(caseID).gen
}

// Invalidate 丢弃案件的 Session（设备/证据变化后调用），并使进行中的加载作废。
func (r *Registry) Invalidate(caseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := r.slotLocked(caseID)
	sl.gen++
	sl.cur.Store(nil)
}

// Ensure 返回已有 Session，没有则加载并登记。
func (r *Registry) Ensure(ctx context.Context, src evidence.Source, caseID string, opts Options) (*Session, error) {
	if s := r.Get(caseID); s != nil {
		return s, nil
	}
	return r.Reload(ctx, src, caseID, opts)
}

// Reload 重新加载并替换。加载期间案件被 Invalidate 时，结果照常返回给调用方，但不登记。
func (r *Registry) Reload(ctx context.Context, src evidence.Source, caseID string, opts Options) (*Session, error) {
	gen := r.generation(caseID)
	s, err := Load(ctx, src, caseID, opts)
	if err != nil {
		return nil, err
	}
	if !r.replaceIfCurrent(s, gen) {
		logger(opts).Info("discard stale session", "case_id", caseID)
	}
	return s, nil
}

// ReportReader 是报告页需要的查询能力。
type ReportReader interface {
	GetCaseOverview(ctx context.Context, caseID string) (*model.CaseOverview, error)
	GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error)
	ListReportsByCase(ctx context.Context, caseID string) ([]model.ReportInfo, error)
}

// ReportView 是报告展示查询结果。
type ReportView struct {
	Overview      *model.CaseOverview `json:"overview,omitempty"`
	Report        *model.ReportInfo   `json:"report,omitempty"`
	Content       []byte              `json:"-"`
	ContentLength int                 `json:"content_length,omitempty"`
}

// GetReportView 查询案件报告索引与可选内容。reportID 为空时返回最新报告。
func GetReportView(ctx context.Context, rr ReportReader, caseID, reportID string, includeContent bool) (*ReportView, error) {
	overview, err := rr.GetCaseOverview(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if overview == nil {
		return nil, fmt.Errorf("case not found: %s", caseID)
	}

	var report *model.ReportInfo
	if reportID != "" {
		report, err = rr.GetReportByID(ctx, reportID)
		if err == nil && report != nil && report.CaseID != caseID {
			report = nil
		}
	} else {
		var list []model.ReportInfo
		list, err = rr.ListReportsByCase(ctx, caseID)
		if len(list) > 0 {
			report = &list[0]
		}
	}
	if err != nil {
		return nil, err
	}
	out := &ReportView{Overview: overview, Report: report}
	if report == nil || !includeContent {
		return out, nil
	}
	raw, err := os.ReadFile(report.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read report file: %w", err)
	}
	out.Content = raw
	out.ContentLength = len(raw)
	return out, nil
}
