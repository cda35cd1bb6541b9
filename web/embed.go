// Package web embeds the agent's status page.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
)

//go:embed all:dist
var distFS embed.FS

const indexFile = "index.html"

// SPAHandler serves the status page from dist/. Unknown paths get
// index.html so client-side links keep working after a reload. The page
// polls the API, so responses are never cached. Mount it behind
// http.StripPrefix.
func SPAHandler() http.Handler {
	site, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: dist missing from embedded files: " + err.Error())
	}
	files := http.FileServerFS(site)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Cache-Control", "no-store")

		name := path.Clean("/" + r.URL.Path)[1:]
		if name == "" || name == indexFile {
			http.ServeFileFS(w, r, site, indexFile)
			return
		}
		if info, err := fs.Stat(site, name); err == nil && !info.IsDir() {
			files.ServeHTTP(w, r)
			return
		}
		http.ServeFileFS(w, r, site, indexFile)
	})
}
