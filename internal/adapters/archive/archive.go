package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"trace-correlator/internal/logging"
	"trace-correlator/internal/platform/hash"

	"github.com/dustin/go-humanize"
)

// ErrNotFound 表示所有候选镜像中都没有匹配的文件。
var ErrNotFound = errors.New("archive: no matching entry")

// Entry 是镜像内的一个文件。ModTime 是文件在设备上的原始修改时间。
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time

	ref string
}

// Archive 是一个可读取的设备镜像（zip 或 iTunes 风格备份目录）。
type Archive interface {
	Source() string
	Entries(ctx context.Context) ([]Entry, error)
	OpenEntry(e Entry) (io.ReadCloser, error)
	Close() error
}

// Open 根据路径类型选择实现：包含 Manifest.db 的目录按备份处理，其余按 zip 处理。
func Open(p string) (Archive, error) {
	st, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if st.IsDir() {
		return OpenBackupDir(p)
	}
	return OpenZip(p)
}

// Extracted 是一次提取的结果。
type Extracted struct {
	Source    string    `json:"source"`
	Entry     string    `json:"entry"`
	LocalPath string    `json:"local_path"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	ModTime   time.Time `json:"mod_time"`
	// Sidecars 是同时提取的 SQLite -wal / -shm 文件。
	Sidecars []string `json:"sidecars,omitempty"`
}

var sqliteSidecars = []string{"-wal", "-shm"}

// ExtractFirst 依次尝试每个候选镜像，返回第一个匹配的文件（提取到 outDir）。
// 若同一镜像中存在同名的 -wal/-shm 文件，一并提取。
// 镜像打不开不算致命：只要有一个镜像命中就成功，全部未命中时返回 ErrNotFound（附带各镜像的错误）。
func ExtractFirst(ctx context.Context, images []string, p Pattern, outDir string) (*Extracted, error) {
	var errs []error
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, err := extractFirstFrom(ctx, img, p, outDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", img, err))
			continue
		}
		if x != nil {
			return x, nil
		}
	}
	return nil, notFound(p, errs)
}

func extractFirstFrom(ctx context.Context, img string, p Pattern, outDir string) (*Extracted, error) {
	a, err := Open(img)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	entries, err := a.Entries(ctx)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}
	for _, e := range entries {
		if !p.Match(e.Path) {
			continue
		}
		x, err := extractEntry(a, e, filepath.Join(outDir, path.Base(e.Path)))
		if err != nil {
			return nil, err
		}
		for _, suffix := range sqliteSidecars {
			side, ok := byPath[e.Path+suffix]
			if !ok {
				continue
			}
			sx, err := extractEntry(a, side, x.LocalPath+suffix)
			if err != nil {
				return nil, err
			}
			x.Sidecars = append(x.Sidecars, sx.LocalPath)
		}
		return x, nil
	}
	return nil, nil
}

// ExtractAll 从所有候选镜像中提取全部匹配文件。
// 本地文件名加上虚拟路径哈希前缀，避免不同目录下的同名文件互相覆盖。
func ExtractAll(ctx context.Context, images []string, p Pattern, outDir string) ([]Extracted, error) {
	var (
		out  []Extracted
		errs []error
		seen = map[string]bool{}
	)
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		xs, err := extractAllFrom(ctx, img, p, outDir, seen)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", img, err))
		}
		out = append(out, xs...)
	}
	if len(out) == 0 {
		return nil, notFound(p, errs)
	}
	return out, nil
}

func extractAllFrom(ctx context.Context, img string, p Pattern, outDir string, seen map[string]bool) ([]Extracted, error) {
	a, err := Open(img)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	entries, err := a.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var out []Extracted
	for _, e := range entries {
		if !p.Match(e.Path) {
			continue
		}
		// 多个镜像包含同一虚拟路径时只保留第一个。
		if seen[e.Path] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		local := filepath.Join(outDir, hash.Short(8, e.Path)+"_"+path.Base(e.Path))
		x, err := extractEntry(a, e, local)
		if err != nil {
			return out, err
		}
		seen[e.Path] = true
		out = append(out, *x)
	}
	return out, nil
}

func extractEntry(a Archive, e Entry, local string) (*Extracted, error) {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	rc, err := a.OpenEntry(e)
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", e.Path, err)
	}
	defer rc.Close()

	f, err := os.Create(local)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", local, err)
	}
	sum, size, err := hash.Reader(io.TeeReader(rc, f))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("copy entry %s: %w", e.Path, err)
	}
	if !e.ModTime.IsZero() {
		if err := os.Chtimes(local, e.ModTime, e.ModTime); err != nil {
			return nil, fmt.Errorf("preserve mtime %s: %w", local, err)
		}
	}

	logging.New("archive").Debug("entry extracted",
		"source", a.Source(), "entry", e.Path, "local", local, "size", humanize.Bytes(uint64(size)))

	return &Extracted{
		Source:    a.Source(),
		Entry:     e.Path,
		LocalPath: local,
		Size:      size,
		SHA256:    sum,
		ModTime:   e.ModTime,
	}, nil
}

func notFound(p Pattern, errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return fmt.Errorf("%w: %s: %w", ErrNotFound, p, errors.Join(errs...))
}
