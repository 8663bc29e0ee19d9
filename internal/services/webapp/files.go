package webapp

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

// download 描述一个可下载的留存文件（报告或快照）。
type download struct {
	Path string
	// Name 为空时用原文件名；否则保留原扩展名。
	Name string
	// SHA256 是入库时记录的摘要，原样放进响应头，供接收方自行比对。
	SHA256 string
}

func serveDownload(w http.ResponseWriter, r *http.Request, d download) {
	info, err := os.Stat(d.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, fmt.Errorf("file missing on disk: %s", filepath.Base(d.Path)))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	case info.IsDir():
		writeError(w, http.StatusNotFound, fmt.Errorf("not a file: %s", filepath.Base(d.Path)))
		return
	}

	name := filepath.Base(d.Path)
	if d.Name != "" {
		name = d.Name + filepath.Ext(name)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if d.SHA256 != "" {
		w.Header().Set("X-Content-SHA256", d.SHA256)
	}
	http.ServeFile(w, r, d.Path)
}
