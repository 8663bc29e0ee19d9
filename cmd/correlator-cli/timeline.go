package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/app"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"
	"trace-correlator/internal/services/caseview"
	"trace-correlator/internal/services/matcher"
	"trace-correlator/internal/services/privacy"
	"trace-correlator/internal/services/timeline"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type outputFormat string

const (
	formatTable    outputFormat = "table"
	formatMarkdown outputFormat = "markdown"
	formatJSON     outputFormat = "json"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", formatTable:
		return formatTable, nil
	case formatMarkdown, formatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}

// tableWriter 在 go-pretty 上固定样式，并记住渲染方式。
type tableWriter struct {
	table.Writer
	format outputFormat
}

func newTable(f outputFormat) tableWriter {
	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	return tableWriter{Writer: w, format: f}
}

func (t tableWriter) Render() string {
	if t.format == formatMarkdown {
		return t.Writer.RenderMarkdown()
	}
	return t.Writer.Render()
}

func tableRow(vals ...any) table.Row {
	return table.Row(vals)
}

func fmtInstant(ts timebase.Instant) string {
	return ts.Time().Format("2006-01-02 15:04:05.000")
}

// parseRangeFlags 解析 --start/--end；缺省一端时范围不完整（结果为空）。
func parseRangeFlags(start, end string) (timeline.Range, error) {
	var r timeline.Range
	if strings.TrimSpace(start) != "" {
		v, err := timebase.ParseInstant(start)
		if err != nil {
			return r, fmt.Errorf("invalid --start: %w", err)
		}
		r.Start = &v
	}
	if strings.TrimSpace(end) != "" {
		v, err := timebase.ParseInstant(end)
		if err != nil {
			return r, fmt.Errorf("invalid --end: %w", err)
		}
		r.End = &v
	}
	return r, nil
}

func loadSession(ctx context.Context, store *sqliteadapter.Store, cfg app.Config, caseID string) (*caseview.Session, error) {
	ov, err := store.GetCaseOverview(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if ov == nil {
		return nil, fmt.Errorf("case not found: %s", caseID)
	}
	return caseview.Load(ctx, store, caseID, caseview.Options{
		Matcher: matcher.Options{ArtifactWindow: cfg.ArtifactWindow()},
		Logger:  logger("caseview"),
	})
}

// matchedRow 把一条关联结果转成表格行：时间、设备、坐标、快照、应用。
func matchedRow(i int, m model.MatchedLocation) table.Row {
	snap, bundle := "-", "-"
	if m.HasArtifact && m.Artifact != nil {
		snap = m.Artifact.Filename
	}
	if m.Usage != nil {
		bundle = m.Usage.BundleIdentifier
	}
	return tableRow(i, fmtInstant(m.Timestamp), fmt.Sprintf("#%d", m.DisplayOrdinal),
		formatFloat(m.Latitude)+", "+formatFloat(m.Longitude), snap, bundle)
}

// runTimeline 按范围过滤并打印回放窗口（同 Web 端 timeline 接口）。
func runTimeline(ctx context.Context, args []string) error {
	fs, common := newFlagSet("timeline")
	caseID := fs.String("case-id", "", "case id (required)")
	start := fs.String("start", "", "range start")
	end := fs.String("end", "", "range end")
	cursor := fs.Int("cursor", -1, "playback cursor (default: last row)")
	maxVisible := fs.Int("max-visible", -1, "window size, 0 = unlimited (default: config)")
	all := fs.Bool("all", false, "use the whole case time range")
	format := fs.String("format", "table", "table|markdown|json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
		return err
	}
	outFmt, err := parseFormat(*format)
	if err != nil {
		return err
	}
	rng, err := parseRangeFlags(*start, *end)
	if err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	sess, err := loadSession(ctx, store, cfg, id)
	if err != nil {
		return err
	}
	if *all {
		rng = sess.Bounds
	}
	if *cursor < 0 {
		*cursor = len(sess.Matched)
	}
	if *maxVisible < 0 {
		*maxVisible = cfg.Playback.MaxVisible
	}

	view := sess.Query(rng, *cursor, *maxVisible)
	if cfg.Privacy() == privacy.ModeMasked {
		view.Projection.Visible = privacy.MaskMatched(view.Projection.Visible)
	}
	if outFmt == formatJSON {
		return printJSON(view)
	}

	for _, f := range view.Failures {
		fmt.Fprintf(os.Stderr, "warning: %s\n", f.String())
	}
	if !rng.Complete() {
		fmt.Println("range incomplete: pass --start and --end, or --all")
	}
	t := newTable(outFmt)
	t.AppendHeader(tableRow("#", "Time (UTC)", "Dev", "Coordinate", "Snapshot", "App"))
	for i, m := range view.Projection.Visible {
		t.AppendRow(matchedRow(view.Projection.WindowLo+i, m))
	}
	t.AppendFooter(tableRow("", "filtered", view.FilteredCount, "wifi", len(view.Projection.Wifi), fmt.Sprintf("window %d..%d", view.Projection.WindowLo, view.Projection.WindowHi)))
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Align: text.AlignRight}})
	fmt.Println(t.Render())
	return nil
}

// runPlay 在终端回放时间轴：每个 tick 打印当前位置。Ctrl+C 停止。
func runPlay(ctx context.Context, args []string) error {
	fs, common := newFlagSet("play")
	caseID := fs.String("case-id", "", "case id (required)")
	start := fs.String("start", "", "range start")
	end := fs.String("end", "", "range end")
	all := fs.Bool("all", false, "use the whole case time range")
	from := fs.Int("from", 0, "start cursor")
	interval := fs.Duration("interval", 0, "tick interval (default: config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
		return err
	}
	rng, err := parseRangeFlags(*start, *end)
	if err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	sess, err := loadSession(ctx, store, cfg, id)
	if err != nil {
		return err
	}
	if *all {
		rng = sess.Bounds
	}
	filtered := sess.Filtered(rng)
	wifi := timeline.FilterWifi(sess.Evidence.WifiSightings(), rng)
	if len(filtered) == 0 {
		fmt.Println("nothing to play: range is empty or incomplete")
		return nil
	}
	if *interval <= 0 {
		*interval = cfg.PlaybackInterval()
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	finished := make(chan struct{})
	var once sync.Once
	var printMu sync.Mutex
	last := -1
	ctl := timeline.NewController(len(filtered), timeline.ControllerOptions{
		Interval: *interval,
		Step:     cfg.Playback.Step,
		OnChange: func(idx int, st timeline.State) {
			printMu.Lock()
			defer printMu.Unlock()
			if idx != last {
				last = idx
				p := timeline.Project(filtered, wifi, idx, cfg.Playback.MaxVisible)
				m := filtered[idx]
				if cfg.Privacy() == privacy.ModeMasked {
					m = privacy.MaskMatched([]model.MatchedLocation{m})[0]
				}
				row := matchedRow(idx, m)
				fmt.Printf("[%d/%d] %s dev=%s at=%s snapshot=%s app=%s visible=%d wifi=%d\n",
					idx+1, len(filtered), row[1], row[2], row[3], row[4], row[5], len(p.Visible), len(p.Wifi))
			}
			if st == timeline.Stopped && idx >= len(filtered)-1 {
				once.Do(func() { close(finished) })
			}
		},
	})
	defer ctl.Close()

	ctl.Seek(*from)
	if !ctl.Play() {
		fmt.Println("already at the end")
		return nil
	}
	started := time.Now()
	select {
	case <-finished:
		fmt.Printf("playback finished in %s\n", time.Since(started).Round(time.Millisecond))
	case <-sigCtx.Done():
		ctl.Pause()
		fmt.Printf("playback paused at %d\n", ctl.Index())
	}
	return nil
}

// runReport 查询案件报告索引。
func runReport(ctx context.Context, args []string) error {
	fs, common := newFlagSet("report")
	caseID := fs.String("case-id", "", "case id (required)")
	reportID := fs.String("report-id", "", "report id (default: latest)")
	list := fs.Bool("list", false, "list all reports of the case")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	if *list {
		rows, err := store.ListReportsByCase(ctx, id)
		if err != nil {
			return err
		}
		t := newTable(formatTable)
		t.AppendHeader(tableRow("Report ID", "Type", "Generated", "SHA256", "Path"))
		for _, r := range rows {
			t.AppendRow(tableRow(r.ReportID, r.ReportType, time.Unix(r.GeneratedAt, 0).UTC().Format(time.DateTime), r.SHA256[:min(12, len(r.SHA256))], r.FilePath))
		}
		fmt.Println(t.Render())
		return nil
	}

	view, err := caseview.GetReportView(ctx, store, id, strings.TrimSpace(*reportID), false)
	if err != nil {
		return err
	}
	if view.Report == nil {
		fmt.Printf("case_id=%s no report found\n", view.Overview.CaseID)
		return nil
	}
	fmt.Printf("case_id=%s report_id=%s type=%s path=%s generated_at=%d sha256=%s\n",
		view.Report.CaseID, view.Report.ReportID, view.Report.ReportType, view.Report.FilePath, view.Report.GeneratedAt, view.Report.SHA256)
	return nil
}

// runAreaList 列出区域，并统计范围内（默认整个案件）的命中。
func runAreaList(ctx context.Context, args []string) error {
	fs, common := newFlagSet("area list")
	caseID := fs.String("case-id", "", "case id (required)")
	start := fs.String("start", "", "range start (default: whole case)")
	end := fs.String("end", "", "range end (default: whole case)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
		return err
	}
	rng, err := parseRangeFlags(*start, *end)
	if err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	areas, err := store.ListAreas(ctx, id)
	if err != nil {
		return err
	}
	sess, err := loadSession(ctx, store, cfg, id)
	if err != nil {
		return err
	}
	if rng.Start == nil && rng.End == nil {
		rng = sess.Bounds
	}

	t := newTable(formatTable)
	t.AppendHeader(tableRow("Area ID", "Name", "Center", "Radius (m)", "Hits", "First", "Last", "Devices"))
	for _, h := range caseview.AreaHits(sess.Filtered(rng), areas) {
		first, last := "-", "-"
		if h.Count > 0 {
			first, last = fmtInstant(h.First), fmtInstant(h.Last)
		}
		t.AppendRow(tableRow(h.Area.ID, h.Area.Name, formatFloat(h.Area.Latitude)+", "+formatFloat(h.Area.Longitude),
			h.Area.RadiusMeters, h.Count, first, last, strings.Join(h.Devices, ",")))
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 4, Align: text.AlignRight}, {Number: 5, Align: text.AlignRight}})
	fmt.Println(t.Render())
	return nil
}
