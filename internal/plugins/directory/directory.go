// Package directory provides a plugin serving static files and, optionally,
// generated directory listings from a root on the local filesystem.
//
// Small files are answered with a buffered response. Larger files are
// streamed straight to the client in bounded chunks, after which the plugin
// reports the request as handled.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/go-homedir"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"

	"github.com/peteski22/proxy-plugins/internal/plugins"
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

const (
	fileScheme = "file://"

	// bufferedLimit is the largest file size answered with a buffered response.
	bufferedLimit = 4096

	defaultIndex = "index.html"
)

// Ensure Directory implements pkg.Plugin.
var _ pkg.Plugin = (*Directory)(nil)

// Directory serves files below root.
// NOTE: Use New to create a Directory.
type Directory struct {
	root      string
	index     string
	autoindex bool
	chunkSize int
	maxAge    time.Duration
	private   bool
	charset   string
	step      pkg.Step

	logger hclog.Logger
	tracer trace.Tracer
}

type Option func(*Directory)

func WithLogger(logger hclog.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Directory) { d.tracer = tracer }
}

// New parses value and builds a Directory running at step.
//
// The value has the form
//
//	[file://]<path>[?chunk_size=<int>&max_age=<secs>&autoindex&private&index=<name>&charset=<name>]
//
// The path is percent-decoded and "~" and environment variables are expanded.
// Unknown options are ignored and malformed option values leave the default in place.
func New(value string, step pkg.Step, opts ...Option) (*Directory, error) {
	location := strings.TrimPrefix(strings.TrimSpace(value), fileScheme)
	rawPath, rawQuery, _ := strings.Cut(location, "?")
	if rawPath == "" {
		return nil, fmt.Errorf("%w: missing directory path in %q", plugins.ErrInvalidConfig, value)
	}

	d := &Directory{
		root:   resolvePath(rawPath),
		index:  "/" + defaultIndex,
		step:   step,
		logger: hclog.NewNullLogger(),
		tracer: tnop.NewTracerProvider().Tracer(""),
	}

	// ParseQuery keeps every well-formed pair even when it reports an error.
	query, _ := url.ParseQuery(rawQuery)
	for key, values := range query {
		v := values[len(values)-1]
		switch key {
		case "chunk_size":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				d.chunkSize = n
			}
		case "max_age":
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				d.maxAge = time.Duration(n) * time.Second
			}
		case "autoindex":
			d.autoindex = true
		case "private":
			d.private = true
		case "index":
			if v != "" {
				d.index = "/" + strings.TrimPrefix(v, "/")
			}
		case "charset":
			d.charset = v
		}
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger.Debug("new directory plugin",
		"root", d.root,
		"index", d.index,
		"autoindex", d.autoindex,
		"chunk_size", d.chunkSize,
		"max_age", d.maxAge,
		"step", step,
	)
	return d, nil
}

// resolvePath decodes p and expands a leading "~" and environment variables.
func resolvePath(p string) string {
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	if expanded, err := homedir.Expand(p); err == nil {
		p = expanded
	}
	return filepath.Clean(os.ExpandEnv(p))
}

func (d *Directory) Step() pkg.Step { return d.step }

func (d *Directory) Kind() pkg.Kind { return pkg.KindDirectory }

// Root returns the resolved filesystem root.
func (d *Directory) Root() string { return d.root }

// Handle answers the request from the filesystem. It never continues the pipeline.
func (d *Directory) Handle(ctx context.Context, s *pkg.Session, st *pkg.State) (pkg.Result, error) {
	_, span := d.tracer.Start(ctx, "directory.serve")
	defer span.End()

	r := s.Request
	filename := r.URL.EscapedPath()
	if !d.autoindex && len(filename) <= 1 {
		filename = d.index
	}
	if decoded, err := url.PathUnescape(filename); err == nil {
		filename = decoded
	} else {
		d.logger.Debug("serving undecoded path", "path", filename, "error", err)
	}

	file := d.resolve(filename)
	span.SetAttributes(attribute.String("directory.file", file))
	d.logger.Trace("static serve", "file", file)

	if d.autoindex {
		if info, err := os.Stat(file); err == nil && info.IsDir() {
			listing, err := renderListing(file, r.URL.Path)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return pkg.Respond(pkg.BadRequest(err.Error())), nil
			}
			h := make(http.Header)
			h.Set("Content-Type", "text/html; charset=utf-8")
			return pkg.Respond(&pkg.Response{Status: http.StatusOK, Header: h, Body: []byte(listing)}), nil
		}
	}

	f, info, err := openFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pkg.Respond(pkg.NotFound("Not Found")), nil
		}
		d.logger.Error("failed to open file", "file", file, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return pkg.Respond(pkg.InternalError(err.Error())), nil
	}
	defer func() { _ = f.Close() }()

	cacheable, header := fileHeaders(file, info, d.charset)

	if etag := header.Get("ETag"); etag != "" && etagMatches(r.Header.Get("If-None-Match"), etag) {
		h := make(http.Header)
		h.Set("ETag", etag)
		return pkg.Respond(&pkg.Response{
			Status:  http.StatusNotModified,
			Header:  h,
			MaxAge:  d.maxAge,
			Private: d.private,
		}), nil
	}

	size := info.Size()
	if size <= bufferedLimit {
		body := make([]byte, size)
		if _, err := io.ReadFull(f, body); err != nil {
			d.logger.Error("failed to read file", "file", file, "error", err)
			span.SetStatus(codes.Error, err.Error())
			return pkg.Respond(pkg.InternalError(err.Error())), nil
		}
		return pkg.Respond(&pkg.Response{
			Status:  http.StatusOK,
			Header:  header,
			Body:    body,
			MaxAge:  d.maxAge,
			Private: d.private,
		}), nil
	}

	resp := &pkg.ChunkResponse{
		Reader:    f,
		ChunkSize: d.chunkSize,
		Header:    header,
		Private:   d.private,
	}
	if cacheable {
		resp.MaxAge = d.maxAge
	}

	st.Status = http.StatusOK
	n, err := resp.Send(s.Writer)
	st.ResponseBodySize = n
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return pkg.Handled(), fmt.Errorf("streaming %s: %w", filepath.Base(file), err)
	}
	return pkg.Handled(), nil
}

// resolve maps a decoded request path onto the filesystem below the root.
// The path is cleaned as an absolute path first so ".." cannot climb out of the root.
func (d *Directory) resolve(name string) string {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	return filepath.Join(d.root, filepath.FromSlash(clean))
}

// openFile opens a regular file. Directories and other non-regular entries
// are reported as not existing.
func openFile(file string) (*os.File, fs.FileInfo, error) {
	info, err := os.Stat(file)
	if err != nil {
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("%s is not a regular file: %w", filepath.Base(file), fs.ErrNotExist)
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	return f, info, nil
}
