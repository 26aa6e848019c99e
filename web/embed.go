// Package web embeds the chat UI (dist/) and serves it as a single-page app.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// reserved prefixes never fall back to index.html; a miss there is a real 404.
var reserved = []string{"api/", "ws/", "metrics", "health"}

// SPAHandler serves files from dist/ and falls back to index.html for
// client-side routes.
func SPAHandler() http.Handler {
	sub, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return newSPAHandler(sub)
}

func newSPAHandler(root fs.FS) http.Handler {
	files := http.FileServerFS(root)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		for _, prefix := range reserved {
			if strings.HasPrefix(name, prefix) {
				http.NotFound(w, r)
				return
			}
		}

		if name != "" && name != "index.html" {
			if f, err := root.Open(name); err == nil {
				if closeErr := f.Close(); closeErr != nil {
					slog.Debug("web: failed to close embedded file", "path", name, "error", closeErr)
				}
				files.ServeHTTP(w, r)
				return
			}
		}

		// index.html changes with every build.
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFileFS(w, r, root, "index.html")
	})
}
