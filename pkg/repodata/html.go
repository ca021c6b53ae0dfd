package repodata

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/glorpus-work/conda-index/pkg/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var htmlTemplates = template.Must(template.New("").Funcs(template.FuncMap{
	"humanBytes": humanBytes,
	"strftime": func(ts int64, layout string) string {
		if ts == 0 {
			return ""
		}
		if ts > 253402300799 {
			ts /= 1000
		}
		return time.Unix(ts, 0).UTC().Format(layout)
	},
}).ParseFS(templateFS, "templates/*.tmpl"))

// htmlPackage is one row of a subdir listing.
type htmlPackage struct {
	Filename  string
	Size      int64
	Timestamp int64
	Sha256    string
	Md5       string
}

// ExtraPath is a non-package file listed alongside packages (repodata.json
// and friends).
type ExtraPath struct {
	Name      string
	Size      int64
	Timestamp int64
	Sha256    string
	Md5       string
}

// SubdirIndexHTML renders a subdir's index.html from the patched repodata.
func SubdirIndexHTML(channelName, subdir string, rd *model.Repodata, extra []ExtraPath) ([]byte, error) {
	packages := make([]htmlPackage, 0, len(rd.Packages)+len(rd.PackagesConda))
	rd.AllRecords(func(fn string, record model.Record) {
		packages = append(packages, htmlPackage{
			Filename:  fn,
			Size:      record.Size(),
			Timestamp: record.Timestamp(),
			Sha256:    record.Sha256(),
			Md5:       record.Md5(),
		})
	})
	sort.Slice(packages, func(i, j int) bool { return packages[i].Filename < packages[j].Filename })

	var buf bytes.Buffer
	err := htmlTemplates.ExecuteTemplate(&buf, "subdir-index.html.tmpl", map[string]any{
		"Title":       channelName + "/" + subdir,
		"Packages":    packages,
		"ExtraPaths":  extra,
		"CurrentTime": time.Now().UTC().Format(time.RFC1123),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ChannelIndexHTML renders the channel root index.html from channeldata.
func ChannelIndexHTML(channelName string, channelData *model.Channeldata) ([]byte, error) {
	type row struct {
		Name    string
		Version string
		Summary string
		Home    string
		Subdirs string
	}
	rows := make([]row, 0, len(channelData.Packages))
	for name, pkg := range channelData.Packages {
		version, _ := pkg["version"].(string)
		summary, _ := pkg["summary"].(string)
		home, _ := pkg["home"].(string)
		var subdirs string
		for i, s := range anySlice(pkg["subdirs"]) {
			if i > 0 {
				subdirs += ", "
			}
			subdirs += s
		}
		rows = append(rows, row{Name: name, Version: version, Summary: summary, Home: home, Subdirs: subdirs})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

	var buf bytes.Buffer
	err := htmlTemplates.ExecuteTemplate(&buf, "channel-index.html.tmpl", map[string]any{
		"Title":       channelName,
		"Packages":    rows,
		"Subdirs":     channelData.Subdirs,
		"CurrentTime": time.Now().UTC().Format(time.RFC1123),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StatExtraPath builds an ExtraPath entry for an output file, if present.
func StatExtraPath(path string) (*ExtraPath, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	md5sum := md5.New()
	shasum := sha256.New()
	if _, err := io.Copy(io.MultiWriter(md5sum, shasum), f); err != nil {
		return nil, err
	}
	return &ExtraPath{
		Name:      filepath.Base(path),
		Size:      info.Size(),
		Timestamp: info.ModTime().Unix(),
		Sha256:    hex.EncodeToString(shasum.Sum(nil)),
		Md5:       hex.EncodeToString(md5sum.Sum(nil)),
	}, nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
