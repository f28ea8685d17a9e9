package directory

import (
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const defaultContentType = "application/octet-stream"

// fileHeaders computes the Content-Type and ETag headers for file and reports
// whether the content may be cached with max-age. HTML is never cached that way.
func fileHeaders(file string, info fs.FileInfo, charset string) (bool, http.Header) {
	ct := contentType(file, charset)

	h := make(http.Header)
	h.Set("Content-Type", ct)
	if etag := etagFor(info); etag != "" {
		h.Set("ETag", etag)
	}
	return !strings.Contains(ct, "text/html"), h
}

// contentType guesses the media type from the file extension.
// Parameters from the system table are dropped; charset is only added to text types.
func contentType(file, charset string) string {
	ct := mime.TypeByExtension(filepath.Ext(file))
	if ct == "" {
		return defaultContentType
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if charset != "" && strings.HasPrefix(ct, "text/") {
		ct += "; charset=" + charset
	}
	return ct
}

// etagFor returns a weak validator built from size and modification time,
// or an empty string when the modification time is unusable.
func etagFor(info fs.FileInfo) string {
	mod := info.ModTime().Unix()
	if mod <= 0 {
		return ""
	}
	return fmt.Sprintf(`W/"%x-%x"`, info.Size(), mod)
}

// etagMatches reports whether an If-None-Match header matches etag using weak comparison.
func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}
