package main

import (
	"bytes"
	"cmp"
	_ "embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/webdav"
)

//go:embed autoindex.html.tmpl
var autoIndexTmpl string

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"humanizeSize": func(size int64) string {
		return humanize.Bytes(uint64(size))
	},
}).Parse(autoIndexTmpl))

// indexData feeds the folder listing template.
type indexData struct {
	Path    string
	Parent  string
	Entries []indexEntry
}

type indexEntry struct {
	fs.FileInfo
	Href string
}

// autoIndex answers GET and HEAD on a folder with an HTML listing. Anything
// else, including GETs on files, goes to next.
func autoIndex(next http.Handler, fsys webdav.FileSystem, prefix string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		name, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if name == "" {
			name = "/"
		}

		f, err := fsys.OpenFile(r.Context(), name, os.O_RDONLY, 0)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil || !fi.IsDir() {
			next.ServeHTTP(w, r)
			return
		}

		children, err := f.Readdir(-1)
		if err != nil {
			logger.Warn("listing folder for index failed",
				slog.String("path", name),
				slog.String("error", err.Error()),
			)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

			return
		}

		var buf bytes.Buffer
		if err := indexTemplate.Execute(&buf, newIndexData(prefix, name, children)); err != nil {
			logger.Error("rendering folder index failed", slog.String("error", err.Error()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))

		if r.Method == http.MethodHead {
			return
		}

		buf.WriteTo(w) //nolint:errcheck // client went away
	})
}

// newIndexData sorts folders first, then by name. Links are absolute and
// carry the URL prefix.
func newIndexData(prefix, name string, children []fs.FileInfo) indexData {
	slices.SortFunc(children, func(a, b fs.FileInfo) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}

			return 1
		}

		return cmp.Compare(a.Name(), b.Name())
	})

	href := func(p string, dir bool) string {
		u := (&url.URL{Path: prefix + p}).EscapedPath()
		if dir && !strings.HasSuffix(u, "/") {
			u += "/"
		}

		return u
	}

	data := indexData{
		Path:    name,
		Entries: make([]indexEntry, 0, len(children)),
	}

	if name != "/" {
		data.Parent = href(path.Dir(strings.TrimSuffix(name, "/")), true)
	}

	for _, c := range children {
		data.Entries = append(data.Entries, indexEntry{
			FileInfo: c,
			Href:     href(path.Join(name, c.Name()), c.IsDir()),
		})
	}

	return data
}
