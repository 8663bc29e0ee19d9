package archive

import (
	"archive/zip"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"howett.net/plist"
	_ "modernc.org/sqlite"
)

const snapshotGlob = "*/private/var/mobile/Containers/Data/Application/*/Library/SplashBoard/Snapshots/*/*.ktx"

type zipFile struct {
	name    string
	body    string
	modTime time.Time
}

func writeZip(t *testing.T, path string, files []zipFile) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, zf := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: zf.name, Method: zip.Deflate, Modified: zf.modTime})
		if err != nil {
			t.Fatalf("zip header: %v", err)
		}
		if _, err := w.Write([]byte(zf.body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
}

func TestWildcard(t *testing.T) {
	p, err := Wildcard(snapshotGlob)
	if err != nil {
		t.Fatalf("wildcard: %v", err)
	}
	for path, want := range map[string]bool{
		"filesystem1/private/var/mobile/Containers/Data/Application/ABC/Library/SplashBoard/Snapshots/sceneID/x.ktx": true,
		"/private/var/mobile/Containers/Data/Application/ABC/Library/SplashBoard/Snapshots/s/y.ktx":                 true,
		"filesystem1/private/var/mobile/Containers/Data/Application/ABC/Library/SplashBoard/Snapshots/s/y.ktx.bak":  false,
		"filesystem1/private/var/mobile/Library/Caches/x.ktx":                                                        false,
	} {
		if got := p.Match(path); got != want {
			t.Fatalf("match %q got=%v want=%v", path, got, want)
		}
	}

	dot, _ := Wildcard("a.db")
	if dot.Match("axdb") {
		t.Fatalf("dot must be literal")
	}
	q, _ := Wildcard("file?.db")
	if !q.Match("file1.db") || q.Match("file12.db") {
		t.Fatalf("? must match exactly one character")
	}
}

func TestLiteralAndRegexp(t *testing.T) {
	lit := Literal("filesystem1/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite")
	if !lit.Match("filesystem1/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite") {
		t.Fatalf("literal should match itself")
	}
	if lit.Match("filesystem1/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite-wal") {
		t.Fatalf("literal must be anchored")
	}

	re, err := Regexp(`.*/private/var/mobile/Library/CoreDuet/Knowledge/knowledgeC\.db$`)
	if err != nil {
		t.Fatalf("regexp: %v", err)
	}
	if !re.Match("/private/var/mobile/Library/CoreDuet/Knowledge/knowledgeC.db") {
		t.Fatalf("regexp should match backup virtual path")
	}
	if _, err := Regexp("("); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestExtractFirst_TriesCandidatesInOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mtime := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	empty := filepath.Join(dir, "empty.zip")
	writeZip(t, empty, []zipFile{{name: "filesystem1/other.txt", body: "x", modTime: mtime}})

	full := filepath.Join(dir, "full.zip")
	writeZip(t, full, []zipFile{
		{name: "filesystem1/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite", body: "main", modTime: mtime},
		{name: "filesystem1/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite-wal", body: "wal", modTime: mtime},
	})

	p := Literal("filesystem1/private/var/mobile/Library/Caches/com.apple.routined/Cache.sqlite")
	out := filepath.Join(dir, "out")
	x, err := ExtractFirst(ctx, []string{filepath.Join(dir, "missing.zip"), empty, full}, p, out)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if x.Source != full {
		t.Fatalf("source=%s", x.Source)
	}
	raw, err := os.ReadFile(x.LocalPath)
	if err != nil || string(raw) != "main" {
		t.Fatalf("content=%q err=%v", raw, err)
	}
	if len(x.Sidecars) != 1 || x.Sidecars[0] != x.LocalPath+"-wal" {
		t.Fatalf("sidecars=%v", x.Sidecars)
	}
	st, err := os.Stat(x.LocalPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !st.ModTime().Equal(mtime) {
		t.Fatalf("mtime not preserved: %v", st.ModTime())
	}
	if x.SHA256 == "" || x.Size != 4 {
		t.Fatalf("hash/size: %+v", x)
	}

	_, err = ExtractFirst(ctx, []string{empty, filepath.Join(dir, "missing.zip")}, p, out)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExtractAll_UnionAcrossImages(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	base := "filesystem1/private/var/mobile/Containers/Data/Application/"

	a := filepath.Join(dir, "a.zip")
	writeZip(t, a, []zipFile{
		{name: base + "A/Library/SplashBoard/Snapshots/s1/same.ktx", body: "1", modTime: t1},
		{name: base + "B/Library/SplashBoard/Snapshots/s1/same.ktx", body: "2", modTime: t2},
	})
	b := filepath.Join(dir, "b.zip")
	writeZip(t, b, []zipFile{
		{name: base + "A/Library/SplashBoard/Snapshots/s1/same.ktx", body: "dup", modTime: t1},
		{name: base + "C/Library/SplashBoard/Snapshots/s2/other.ktx", body: "3", modTime: t2},
	})

	p, _ := Wildcard(snapshotGlob)
	xs, err := ExtractAll(ctx, []string{a, b}, p, filepath.Join(dir, "ktx"))
	if err != nil {
		t.Fatalf("extract all: %v", err)
	}
	if len(xs) != 3 {
		t.Fatalf("expected 3 distinct entries, got %d", len(xs))
	}
	if xs[0].LocalPath == xs[1].LocalPath {
		t.Fatalf("same basename must not collide")
	}
	if !xs[1].ModTime.Equal(t2) {
		t.Fatalf("entry mtime=%v", xs[1].ModTime)
	}

	none, _ := Wildcard("*.nothing")
	if _, err := ExtractAll(ctx, []string{a}, none, dir); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBackupDir_ManifestAndPlistTimes(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	db, err := sql.Open("sqlite", filepath.Join(root, "Manifest.db"))
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE Files(fileID TEXT PRIMARY KEY, domain TEXT, relativePath TEXT, flags INTEGER, file BLOB)`); err != nil {
		t.Fatalf("create Files: %v", err)
	}

	lastModified := int64(1709296200)
	blob, err := plist.Marshal(map[string]any{
		"$archiver": "NSKeyedArchiver",
		"$objects": []any{
			"$null",
			map[string]any{"LastModified": lastModified, "Size": int64(9)},
		},
	}, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("marshal plist: %v", err)
	}

	knowledgeID := "aabbccddeeff00112233445566778899aabbccdd"
	if err := os.MkdirAll(filepath.Join(root, knowledgeID[:2]), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, knowledgeID[:2], knowledgeID), []byte("knowledge"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	flatID := "wifi_fileid_0001"
	if err := os.WriteFile(filepath.Join(root, flatID), []byte("wifi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, row := range [][]any{
		{knowledgeID, "HomeDomain", "Library/CoreDuet/Knowledge/knowledgeC.db", 1, blob},
		{flatID, "RootDomain", "Library/Caches/locationd/cache_encryptedB.db", 1, nil},
		{"dir_0001", "HomeDomain", "Library/CoreDuet", 2, nil},
		{"missing_0001", "HomeDomain", "Library/missing.db", 1, nil},
	} {
		if _, err := db.Exec(`INSERT INTO Files(fileID, domain, relativePath, flags, file) VALUES(?, ?, ?, ?, ?)`, row...); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	a, err := Open(root)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer a.Close()
	if _, ok := a.(*BackupDir); !ok {
		t.Fatalf("expected BackupDir, got %T", a)
	}

	entries, err := a.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 file entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Path != "/private/var/mobile/Library/CoreDuet/Knowledge/knowledgeC.db" {
		t.Fatalf("virtual path=%s", entries[0].Path)
	}
	if !entries[0].ModTime.Equal(time.Unix(lastModified, 0)) {
		t.Fatalf("plist mtime=%v", entries[0].ModTime)
	}
	if entries[1].Path != "/private/var/root/Library/Caches/locationd/cache_encryptedB.db" {
		t.Fatalf("virtual path=%s", entries[1].Path)
	}

	p, _ := Regexp(`.*/private/var/root/Library/Caches/locationd/cache_encryptedB\.db$`)
	x, err := ExtractFirst(ctx, []string{root}, p, filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("extract from backup: %v", err)
	}
	raw, _ := os.ReadFile(x.LocalPath)
	if string(raw) != "wifi" {
		t.Fatalf("content=%q", raw)
	}
}

func TestVirtualPath(t *testing.T) {
	cases := map[[2]string]string{
		{"AppDomain-com.example.app", "Library/x"}: "/private/var/mobile/Containers/Data/Application/com.example.app/Library/x",
		{"HomeDomain", "/Library/y"}:               "/private/var/mobile/Library/y",
		{"WeirdDomain", "z"}:                       "/backup/WeirdDomain/z",
	}
	for in, want := range cases {
		if got := VirtualPath(in[0], in[1]); got != want {
			t.Fatalf("VirtualPath(%q,%q)=%q want %q", in[0], in[1], got, want)
		}
	}
}
