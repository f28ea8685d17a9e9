package directory

import (
	"fmt"
	"html"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

const listingTemplate = `<!doctype html>
<html lang="en">
    <head>
        <meta charset="utf-8" />
        <style>
            * {
                margin: 0;
                padding: 0;
            }
            li {
                line-height: 30px;
                padding: 3px 10px;
                list-style: none;
                background-color: #fefefe;
            }
            li:nth-child(odd) {
                background-color: #f0f0f0;
            }
            a {
                color: #333;
            }
            .size {
                margin-left: 30px;
            }
        </style>
    </head>
    <body>
        <ul>
        {{CONTENT}}
        </ul>
    </body>
</html>
`

// renderListing renders the immediate entries of dir as an HTML list.
// Entries whose name is empty or starts with a dot are skipped. Sizes are best
// effort: an entry whose metadata cannot be read is listed without a size.
func renderListing(dir, reqPath string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading directory %s: %w", filepath.Base(dir), err)
	}

	rows := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}

		isDir := entry.IsDir()
		var size string
		if !isDir {
			if info, err := entry.Info(); err == nil {
				size = humanize.Bytes(uint64(info.Size()))
			}
		}

		rows = append(rows, fmt.Sprintf(
			`<li><a href="%s">%s</a><span class="size">%s</span></li>`,
			html.EscapeString(entryHref(reqPath, name, isDir)),
			html.EscapeString(name),
			size,
		))
	}

	return strings.Replace(listingTemplate, "{{CONTENT}}", strings.Join(rows, "\n"), 1), nil
}

// entryHref returns a link to name relative to the listed request path.
// Without a trailing slash the browser resolves links against the parent,
// so the last path segment is repeated.
func entryHref(reqPath, name string, isDir bool) string {
	href := "./"
	if !strings.HasSuffix(reqPath, "/") {
		if base := path.Base(reqPath); base != "." && base != "/" {
			href += url.PathEscape(base) + "/"
		}
	}
	href += url.PathEscape(name)
	if isDir {
		href += "/"
	}
	return href
}
