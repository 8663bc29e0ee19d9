package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"howett.net/plist"
	_ "modernc.org/sqlite"
)

// BackupDir 是 iTunes/Finder 风格的未加密备份目录。
//
// - Manifest.db 的 Files 表记录 (domain, relativePath) -> fileID
// - 实际文件存放为 <root>/<fileID> 或 <root>/<fileID[:2]>/<fileID>
// - file 列是 NSKeyedArchiver 二进制 plist，其中 LastModified 是设备上的原始修改时间
//
// 虚拟路径 = domain 对应的设备根目录 + relativePath，形如 /private/var/mobile/Library/...，
// 与整盘 zip 中 filesystem1/private/var/... 的后缀一致，同一套提取规则两种镜像都能命中。
type BackupDir struct {
	root string
	db   *sql.DB
}

func OpenBackupDir(root string) (*BackupDir, error) {
	manifest := filepath.Join(root, "Manifest.db")
	if _, err := os.Stat(manifest); err != nil {
		return nil, fmt.Errorf("manifest db not found: %w", err)
	}
	db, err := sql.Open("sqlite", manifest)
	if err != nil {
		return nil, fmt.Errorf("open manifest db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &BackupDir{root: root, db: db}, nil
}

func (b *BackupDir) Source() string { return b.root }

// Entries 列出 Manifest 中所有本地可定位的普通文件（flags=1 或缺省）。
func (b *BackupDir) Entries(ctx context.Context) ([]Entry, error) {
	hasFile, hasFlags, err := b.manifestColumns(ctx)
	if err != nil {
		return nil, err
	}

	q := `SELECT fileID, domain, relativePath`
	if hasFlags {
		q += `, flags`
	} else {
		q += `, 1`
	}
	if hasFile {
		q += `, file`
	} else {
		q += `, NULL`
	}
	q += ` FROM Files ORDER BY domain ASC, relativePath ASC`

	rows, err := b.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query manifest: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			fileID, domain, rel string
			flags               sql.NullInt64
			blob                []byte
		)
		if err := rows.Scan(&fileID, &domain, &rel, &flags, &blob); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		// flags: 1=文件 2=目录 4=符号链接
		if flags.Valid && flags.Int64 != 1 {
			continue
		}
		local := locateBackupFile(b.root, fileID)
		if local == "" {
			continue
		}
		e := Entry{Path: VirtualPath(domain, rel), ref: local}
		meta := parseFileMeta(blob)
		e.ModTime, e.Size = meta.modTime, meta.size
		if e.ModTime.IsZero() || e.Size == 0 {
			if st, err := os.Stat(local); err == nil {
				if e.ModTime.IsZero() {
					e.ModTime = st.ModTime()
				}
				if e.Size == 0 {
					e.Size = st.Size()
				}
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manifest: %w", err)
	}
	return out, nil
}

func (b *BackupDir) manifestColumns(ctx context.Context) (hasFile, hasFlags bool, err error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('Files')`)
	if err != nil {
		return false, false, fmt.Errorf("inspect manifest: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, false, fmt.Errorf("inspect manifest: %w", err)
		}
		found = true
		switch name {
		case "file":
			hasFile = true
		case "flags":
			hasFlags = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, false, fmt.Errorf("inspect manifest: %w", err)
	}
	if !found {
		return false, false, errors.New("manifest has no Files table")
	}
	return hasFile, hasFlags, nil
}

func (b *BackupDir) OpenEntry(e Entry) (io.ReadCloser, error) {
	if e.ref == "" {
		return nil, fmt.Errorf("backup entry %s has no local file", e.Path)
	}
	return os.Open(e.ref)
}

func (b *BackupDir) Close() error {
	return b.db.Close()
}

func locateBackupFile(root, fileID string) string {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return ""
	}

	// 常见形态：<root>/<fileID>
	p1 := filepath.Join(root, fileID)
	if st, err := os.Stat(p1); err == nil && !st.IsDir() {
		return p1
	}

	// 新版备份按前两位分目录：<root>/<fileID[:2]>/<fileID>
	if len(fileID) >= 2 {
		p2 := filepath.Join(root, fileID[:2], fileID)
		if st, err := os.Stat(p2); err == nil && !st.IsDir() {
			return p2
		}
	}
	return ""
}

var domainRoots = map[string]string{
	"HomeDomain":               "/private/var/mobile",
	"RootDomain":               "/private/var/root",
	"MediaDomain":              "/private/var/mobile",
	"CameraRollDomain":         "/private/var/mobile",
	"KeychainDomain":           "/private/var/Keychains",
	"WirelessDomain":           "/private/var/wireless",
	"MobileDeviceDomain":       "/private/var/MobileDevice",
	"SystemPreferencesDomain":  "/private/var/preferences",
	"ManagedPreferencesDomain": "/private/var/Managed Preferences",
	"DatabaseDomain":           "/private/var/db",
	"InstallDomain":            "/private/var/installd",
	"KeyboardDomain":           "/private/var/mobile",
}

// VirtualPath 把备份的 (domain, relativePath) 映射为设备上的绝对路径。
// 未知 domain 挂到 /backup/<domain> 下，保证路径唯一。
func VirtualPath(domain, rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	var root string
	switch {
	case domainRoots[domain] != "":
		root = domainRoots[domain]
	case strings.HasPrefix(domain, "AppDomainGroup-"):
		root = "/private/var/mobile/Containers/Shared/AppGroup/" + strings.TrimPrefix(domain, "AppDomainGroup-")
	case strings.HasPrefix(domain, "AppDomainPlugin-"):
		root = "/private/var/mobile/Containers/Data/PluginKitPlugin/" + strings.TrimPrefix(domain, "AppDomainPlugin-")
	case strings.HasPrefix(domain, "AppDomain-"):
		root = "/private/var/mobile/Containers/Data/Application/" + strings.TrimPrefix(domain, "AppDomain-")
	case strings.HasPrefix(domain, "SysContainerDomain-"):
		root = "/private/var/containers/Data/System/" + strings.TrimPrefix(domain, "SysContainerDomain-")
	case strings.HasPrefix(domain, "SysSharedContainerDomain-"):
		root = "/private/var/containers/Shared/SystemGroup/" + strings.TrimPrefix(domain, "SysSharedContainerDomain-")
	default:
		root = "/backup/" + domain
	}
	if rel == "" {
		return root
	}
	return root + "/" + rel
}

type fileMeta struct {
	modTime time.Time
	size    int64
}

// parseFileMeta 从 Manifest.db 的 file 列（NSKeyedArchiver 的 MBFile）中读取 LastModified 与 Size。
// 解析失败返回零值，由调用方回退到本地文件属性。
func parseFileMeta(blob []byte) fileMeta {
	if len(blob) == 0 {
		return fileMeta{}
	}
	var archived struct {
		Objects []any `plist:"$objects"`
	}
	if _, err := plist.Unmarshal(blob, &archived); err != nil {
		return fileMeta{}
	}
	for _, obj := range archived.Objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		lm, ok := plistInt(m["LastModified"])
		if !ok {
			continue
		}
		var meta fileMeta
		if lm > 0 {
			meta.modTime = time.Unix(lm, 0).UTC()
		}
		if size, ok := plistInt(m["Size"]); ok {
			meta.size = size
		}
		return meta
	}
	return fileMeta{}
}

func plistInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}
