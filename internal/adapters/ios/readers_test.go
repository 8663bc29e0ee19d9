package ios

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trace-correlator/internal/adapters/archive"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"

	"howett.net/plist"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustExec(t *testing.T, db *sql.DB, q string, args ...any) {
	t.Helper()
	if _, err := db.Exec(q, args...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}

func TestReadRoutinedLocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Cache.sqlite")
	db := openSQLite(t, path)
	mustExec(t, db, `CREATE TABLE ZRTCLLOCATIONMO(Z_PK INTEGER PRIMARY KEY, ZLATITUDE REAL, ZLONGITUDE REAL, ZSPEED REAL, ZVERTICALACCURACY REAL, ZHORIZONTALACCURACY REAL, ZTIMESTAMP REAL)`)
	mustExec(t, db, `INSERT INTO ZRTCLLOCATIONMO(ZLATITUDE, ZLONGITUDE, ZSPEED, ZVERTICALACCURACY, ZHORIZONTALACCURACY, ZTIMESTAMP) VALUES(31.2, 121.4, 1.5, 3, 5, 1000.25)`)
	mustExec(t, db, `INSERT INTO ZRTCLLOCATIONMO(ZLATITUDE, ZLONGITUDE, ZSPEED, ZVERTICALACCURACY, ZHORIZONTALACCURACY, ZTIMESTAMP) VALUES(31.3, 121.5, NULL, NULL, NULL, 0)`)

	locs, err := ReadRoutinedLocations(context.Background(), path, "dev1")
	if err != nil {
		t.Fatalf("read routined: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("expected 2 locations, got %d", len(locs))
	}
	// ORDER BY ZTIMESTAMP：Apple 纪元 0 在前
	if locs[0].Timestamp != timebase.Instant(978307200000) {
		t.Fatalf("apple zero => %d", locs[0].Timestamp)
	}
	if locs[0].Speed != nil {
		t.Fatalf("NULL speed must stay absent")
	}
	if locs[1].Timestamp != timebase.Instant((978307200+1000.25)*1000) {
		t.Fatalf("timestamp=%d", locs[1].Timestamp)
	}
	if locs[1].Speed == nil || *locs[1].Speed != 1.5 || locs[1].DeviceID != "dev1" {
		t.Fatalf("unexpected row: %+v", locs[1])
	}
}

func TestReadRoutinedLocations_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.sqlite")
	db := openSQLite(t, empty)
	mustExec(t, db, `CREATE TABLE other(x)`)
	if _, err := ReadRoutinedLocations(ctx, empty, "dev1"); !errors.Is(err, ErrMissingTable) {
		t.Fatalf("expected ErrMissingTable, got %v", err)
	}

	nullTS := filepath.Join(dir, "null.sqlite")
	db2 := openSQLite(t, nullTS)
	mustExec(t, db2, `CREATE TABLE ZRTCLLOCATIONMO(ZLATITUDE REAL, ZLONGITUDE REAL, ZSPEED REAL, ZVERTICALACCURACY REAL, ZHORIZONTALACCURACY REAL, ZTIMESTAMP REAL)`)
	mustExec(t, db2, `INSERT INTO ZRTCLLOCATIONMO VALUES(31.2, 121.4, NULL, NULL, NULL, NULL)`)
	if _, err := ReadRoutinedLocations(ctx, nullTS, "dev1"); !errors.Is(err, model.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for NULL timestamp, got %v", err)
	}

	if _, err := ReadRoutinedLocations(ctx, filepath.Join(dir, "missing.sqlite"), "dev1"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestReadKnowledgeUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledgeC.db")
	db := openSQLite(t, path)
	mustExec(t, db, `CREATE TABLE ZOBJECT(Z_PK INTEGER PRIMARY KEY, ZSTREAMNAME TEXT, ZVALUESTRING TEXT, ZSTARTDATE REAL, ZENDDATE REAL)`)
	mustExec(t, db, `INSERT INTO ZOBJECT(ZSTREAMNAME, ZVALUESTRING, ZSTARTDATE, ZENDDATE) VALUES('/app/inFocus', 'com.apple.mobilesafari', 100, 160)`)
	mustExec(t, db, `INSERT INTO ZOBJECT(ZSTREAMNAME, ZVALUESTRING, ZSTARTDATE, ZENDDATE) VALUES('/app/usage', 'com.tencent.xin', 200, 230.5)`)
	mustExec(t, db, `INSERT INTO ZOBJECT(ZSTREAMNAME, ZVALUESTRING, ZSTARTDATE, ZENDDATE) VALUES('/device/isLocked', NULL, 1, 2)`)

	got, err := ReadKnowledgeUsage(context.Background(), path, "dev1")
	if err != nil {
		t.Fatalf("read knowledge: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 intervals, got %d: %+v", len(got), got)
	}
	if got[0].Kind != model.UsageFocus || got[0].BundleIdentifier != "com.apple.mobilesafari" || got[0].DurationSeconds != 60 {
		t.Fatalf("focus row: %+v", got[0])
	}
	if got[1].Kind != model.UsageUsage || got[1].DurationSeconds != 30.5 {
		t.Fatalf("usage row: %+v", got[1])
	}
	if got[1].StartTime != timebase.Instant((978307200+200)*1000) || got[1].EndTime != timebase.Instant((978307200+230.5)*1000) {
		t.Fatalf("usage bounds: %+v", got[1])
	}
}

func TestReadKnowledgeUsage_InvertedIntervalIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledgeC.db")
	db := openSQLite(t, path)
	mustExec(t, db, `CREATE TABLE ZOBJECT(ZSTREAMNAME TEXT, ZVALUESTRING TEXT, ZSTARTDATE REAL, ZENDDATE REAL)`)
	mustExec(t, db, `INSERT INTO ZOBJECT VALUES('/app/usage', 'x', 500, 400)`)

	if _, err := ReadKnowledgeUsage(context.Background(), path, "dev1"); !errors.Is(err, model.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestReadWifiLocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_encryptedB.db")
	db := openSQLite(t, path)
	mustExec(t, db, `CREATE TABLE WifiLocation(MAC INTEGER, Channel INTEGER, InfoMask INTEGER, Timestamp REAL, Latitude REAL, Longitude REAL, HorizontalAccuracy REAL, Altitude REAL, VerticalAccuracy REAL, Speed REAL, Course REAL, Confidence REAL, Score REAL, Reach REAL, FenceForeignKey INTEGER)`)
	mustExec(t, db, `INSERT INTO WifiLocation VALUES(?, 6, 0, 50, 31.2, 121.4, 30, NULL, NULL, NULL, NULL, 70, NULL, NULL, 0)`, int64(0x001122AABBCC))

	got, err := ReadWifiLocations(context.Background(), path, "dev1")
	if err != nil {
		t.Fatalf("read wifi: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 sighting, got %d", len(got))
	}
	w := got[0]
	if w.MACAddress() != "00:11:22:AA:BB:CC" {
		t.Fatalf("mac=%s", w.MACAddress())
	}
	if w.Channel == nil || *w.Channel != 6 || w.Altitude != nil || w.Confidence == nil || *w.Confidence != 70 {
		t.Fatalf("optional fields not passed through: %+v", w)
	}
	if w.Timestamp != timebase.Instant((978307200+50)*1000) {
		t.Fatalf("timestamp=%d", w.Timestamp)
	}
}

func TestSnapshotFromExtracted(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	s, err := SnapshotFromExtracted(archive.Extracted{
		Entry:     "filesystem1/private/var/x.ktx",
		LocalPath: "/tmp/out/abcd1234_x.ktx",
		Size:      42,
		SHA256:    "ff",
		ModTime:   mtime,
	}, "dev1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s.Timestamp != timebase.FromTime(mtime) || s.Filename != "abcd1234_x.ktx" || s.SizeBytes != 42 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}

	if _, err := SnapshotFromExtracted(archive.Extracted{LocalPath: "/tmp/y.ktx"}, "dev1"); !errors.Is(err, model.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord without mtime, got %v", err)
	}
}

func TestReadDeviceInfo(t *testing.T) {
	dir := t.TempDir()

	sv := filepath.Join(dir, "SystemVersion.plist")
	raw, err := plist.Marshal(map[string]any{
		"ProductName":         "iPhone OS",
		"ProductVersion":      "17.2.1",
		"ProductBuildVersion": "21C66",
	}, plist.XMLFormat)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(sv, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := ReadDeviceInfo(sv)
	if err != nil {
		t.Fatalf("read SystemVersion: %v", err)
	}
	if info.ProductVersion != "17.2.1" || info.BuildVersion != "21C66" {
		t.Fatalf("info=%+v", info)
	}

	ip := filepath.Join(dir, "Info.plist")
	raw, _ = plist.Marshal(map[string]any{
		"Device Name":       "Zhang's iPhone",
		"Product Version":   "16.7",
		"Unique Identifier": "00008030-000A",
	}, plist.BinaryFormat)
	if err := os.WriteFile(ip, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err = ReadDeviceInfo(ip)
	if err != nil {
		t.Fatalf("read Info.plist: %v", err)
	}
	if info.Name != "Zhang's iPhone" || info.ProductVersion != "16.7" || info.Identifier != "00008030-000A" {
		t.Fatalf("info=%+v", info)
	}

	empty := filepath.Join(dir, "empty.plist")
	raw, _ = plist.Marshal(map[string]any{"Other": "x"}, plist.XMLFormat)
	_ = os.WriteFile(empty, raw, 0o644)
	if _, err := ReadDeviceInfo(empty); err == nil {
		t.Fatalf("expected error for plist without device fields")
	}
}
