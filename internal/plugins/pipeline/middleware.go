package pipeline

import (
	"net/http"
	"time"

	"github.com/peteski22/proxy-plugins/internal/metrics"
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

// Middleware returns a Chi-compatible middleware that processes requests through the plugin pipeline.
// Each request gets its own State, released when the request completes on every path,
// including a panic further down the chain.
func (p *Pipeline) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			st := pkg.NewState()
			defer st.Release()

			rec := newResponseRecorder(w)
			s := &pkg.Session{Request: r, Writer: rec}
			defer func() { p.logRequest(r, st, start) }()

			for _, step := range pkg.OrderedSteps {
				res, err := p.Run(r.Context(), step, s, st)
				if err != nil {
					if res.Outcome == pkg.OutcomeHandled {
						p.logger.Error("plugin failed after writing response", "step", step, "error", err)
						st.Status, st.ResponseBodySize = rec.status, rec.size
						return
					}
					p.logger.Error("pipeline step failed", "step", step, "error", err)
					http.Error(rec, "Service unavailable", http.StatusServiceUnavailable)
					st.Status, st.ResponseBodySize = rec.status, rec.size
					return
				}

				switch res.Outcome {
				case pkg.OutcomeRespond:
					n, err := res.Response.WriteTo(rec)
					if err != nil {
						p.logger.Warn("failed to write plugin response", "step", step, "error", err)
					}
					st.Status, st.ResponseBodySize = res.Response.StatusCode(), n
					return
				case pkg.OutcomeHandled:
					if st.Status == 0 {
						st.Status, st.ResponseBodySize = rec.status, rec.size
					}
					return
				}
			}

			next.ServeHTTP(rec, r)
			st.Status, st.ResponseBodySize = rec.status, rec.size
		})
	}
}

func (p *Pipeline) logRequest(r *http.Request, st *pkg.State, start time.Time) {
	elapsed := time.Since(start)
	metrics.RecordRequest(st.Status, elapsed)
	p.logger.Debug("request complete",
		"method", r.Method,
		"path", r.URL.Path,
		"client_ip", st.ClientIP,
		"status", st.Status,
		"bytes", st.ResponseBodySize,
		"duration", elapsed,
	)
}

// responseRecorder tracks the status and body size written through it.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

// WriteHeader captures the status code.
func (r *responseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Write counts the response body.
func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
