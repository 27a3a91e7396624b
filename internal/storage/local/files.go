package local

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/resolver"
)

// FileHandler serves stored objects at /{bucket}/{key}, the form returned
// by the link methods. Mount it under the path of the link base URL with
// http.StripPrefix. A "download" query parameter turns the response into
// an attachment with that file name.
func (b *Backend) FileHandler() http.Handler {
	buckets := b.resolver.Buckets()
	known := map[string]bool{buckets.Public: true, buckets.Private: true, buckets.UserInfo: true}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		clean, err := resolver.Clean(r.URL.Path)
		if err != nil || resolver.Parent(clean) == "" {
			http.NotFound(w, r)
			return
		}
		bucket := strings.SplitN(clean, "/", 2)[0]
		if !known[bucket] || strings.HasPrefix(resolver.Base(clean), tempPrefix) {
			http.NotFound(w, r)
			return
		}

		f, err := b.fs.Open(filepath.Join(b.root, filepath.FromSlash(clean)))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		if name := r.URL.Query().Get("download"); name != "" {
			w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		}
		if ct := contentType(clean); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		b.logger.Debug("serving file", logging.Key(clean))
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})
}
