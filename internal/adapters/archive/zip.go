package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strconv"
)

// ZipArchive 是整盘导出的 zip 镜像（例如 filesystem1/private/var/...）。
// 虚拟路径即 zip 条目名，修改时间取条目头中的时间。
type ZipArchive struct {
	path string
	r    *zip.ReadCloser
}

func OpenZip(path string) (*ZipArchive, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	return &ZipArchive{path: path, r: r}, nil
}

func (z *ZipArchive) Source() string { return z.path }

func (z *ZipArchive) Entries(ctx context.Context) ([]Entry, error) {
	out := make([]Entry, 0, len(z.r.File))
	for i, f := range z.r.File {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if f.FileInfo().IsDir() {
			continue
		}
		out = append(out, Entry{
			Path:    f.Name,
			Size:    int64(f.UncompressedSize64),
			ModTime: f.Modified,
			ref:     strconv.Itoa(i),
		})
	}
	return out, nil
}

func (z *ZipArchive) OpenEntry(e Entry) (io.ReadCloser, error) {
	i, err := strconv.Atoi(e.ref)
	if err != nil || i < 0 || i >= len(z.r.File) {
		return nil, fmt.Errorf("zip entry %s does not belong to %s", e.Path, z.path)
	}
	return z.r.File[i].Open()
}

func (z *ZipArchive) Close() error {
	return z.r.Close()
}
