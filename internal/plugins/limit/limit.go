// Package limit provides an admission controlling plugin that caps the number of
// concurrent in-flight requests per key.
//
// The key is taken from the client address, a request header, a cookie or a
// query parameter. Each admitted request holds a guard in its State; the guard is
// released when the host tears the State down, whatever way the request ends.
package limit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	mnop "go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"

	"github.com/peteski22/proxy-plugins/internal/inflight"
	"github.com/peteski22/proxy-plugins/internal/plugins"
	"github.com/peteski22/proxy-plugins/internal/stats"
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

// Ensure Limiter implements pkg.Plugin.
var _ pkg.Plugin = (*Limiter)(nil)

// Limiter limits concurrent requests per key.
// NOTE: Use New to create a Limiter.
type Limiter struct {
	id       string
	selector Selector
	key      string
	max      int64
	step     pkg.Step

	table *inflight.Table

	logger    hclog.Logger
	stats     stats.Store
	meter     metric.Meter
	admitted  metric.Int64Counter
	rejected  metric.Int64Counter
	rejectLog *rate.Sometimes
}

type Option func(*Limiter)

// WithID sets the id reported in logs and statistics.
func WithID(id string) Option {
	return func(l *Limiter) { l.id = id }
}

func WithLogger(logger hclog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithStats records every admission decision in s.
func WithStats(s stats.Store) Option {
	return func(l *Limiter) { l.stats = s }
}

func WithMeter(m metric.Meter) Option {
	return func(l *Limiter) { l.meter = m }
}

// WithTable lets several limiters share one counter table.
func WithTable(t *inflight.Table) Option {
	return func(l *Limiter) { l.table = t }
}

// New parses value and builds a Limiter running at step.
//
// The value has the form "<selector><key> <max>" where selector is '~' (cookie),
// '>' (request header), '?' (query parameter), or anything else for the client ip,
// e.g. "~deviceId 10", ">X-Uuid 10", "?key 10", "ip 10".
func New(value string, step pkg.Step, opts ...Option) (*Limiter, error) {
	key, maxValue, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return nil, fmt.Errorf("%w: missing max in %q", plugins.ErrInvalidConfig, value)
	}
	maxCount, err := strconv.ParseUint(strings.TrimSpace(maxValue), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing max %q: %w", plugins.ErrInvalidConfig, maxValue, err)
	}
	if len(key) < 2 {
		return nil, fmt.Errorf("%w: key %q is too short", plugins.ErrInvalidConfig, key)
	}

	l := &Limiter{
		id:        "limit",
		selector:  parseSelector(key[0]),
		key:       key[1:],
		max:       int64(maxCount),
		step:      step,
		table:     inflight.New(),
		logger:    hclog.NewNullLogger(),
		meter:     mnop.NewMeterProvider().Meter(""),
		rejectLog: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}

	l.admitted, err = l.meter.Int64Counter("limit.admitted",
		metric.WithDescription("Requests admitted by the in-flight limiter."))
	if err != nil {
		return nil, fmt.Errorf("creating admitted counter: %w", err)
	}
	l.rejected, err = l.meter.Int64Counter("limit.rejected",
		metric.WithDescription("Requests rejected by the in-flight limiter."))
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}

	l.logger.Debug("new limit plugin", "selector", l.selector, "key", l.key, "max", l.max, "step", step)
	return l, nil
}

func (l *Limiter) Step() pkg.Step { return l.step }

func (l *Limiter) Kind() pkg.Kind { return pkg.KindLimit }

// Selector returns where the lookup value is taken from.
func (l *Limiter) Selector() Selector { return l.selector }

// Key returns the header, cookie or query parameter name.
func (l *Limiter) Key() string { return l.key }

// Max returns the maximum number of concurrent admissions per value.
func (l *Limiter) Max() int64 { return l.max }

// Table returns the counter table backing the limiter.
func (l *Limiter) Table() *inflight.Table { return l.table }

// Incr admits the request r, storing the guard for the admission in st.
// It always records the client address in st.ClientIP.
// An empty lookup value bypasses limiting. When the admission would exceed
// the maximum an *plugins.ExceedError is returned and no guard is kept.
func (l *Limiter) Incr(r *http.Request, st *pkg.State) error {
	_, err := l.admit(r, st)
	return err
}

func (l *Limiter) admit(r *http.Request, st *pkg.State) (string, error) {
	st.ClientIP = ClientIP(r)

	var value string
	switch l.selector {
	case SelectorHeader:
		value = r.Header.Get(l.key)
	case SelectorCookie:
		value = cookieValue(r, l.key)
	case SelectorQuery:
		value = r.URL.Query().Get(l.key)
	default:
		value = st.ClientIP
	}
	if value == "" {
		return "", nil
	}

	guard, count := l.table.Incr(value)
	if count > l.max {
		guard.Release()
		return value, &plugins.ExceedError{Max: l.max, Value: count}
	}
	st.AddGuard(guard)
	return value, nil
}

// Handle admits the request or answers 429 Too Many Requests.
func (l *Limiter) Handle(ctx context.Context, s *pkg.Session, st *pkg.State) (pkg.Result, error) {
	value, err := l.admit(s.Request, st)
	if value == "" && err == nil {
		return pkg.Continue(), nil
	}

	attrs := metric.WithAttributes(attribute.String("selector", l.selector.String()))
	allowed := err == nil
	l.record(ctx, s.Request, value, allowed)

	if allowed {
		l.admitted.Add(ctx, 1, attrs)
		return pkg.Continue(), nil
	}

	var exceed *plugins.ExceedError
	if !errors.As(err, &exceed) {
		return pkg.Continue(), err
	}

	l.rejected.Add(ctx, 1, attrs)
	l.rejectLog.Do(func() {
		l.logger.Warn("request rejected", "plugin", l.id, "value", value, "max", exceed.Max, "count", exceed.Value)
	})
	return pkg.Respond(pkg.TooManyRequests(err.Error())), nil
}

func (l *Limiter) record(ctx context.Context, r *http.Request, value string, allowed bool) {
	if l.stats == nil {
		return
	}
	err := l.stats.Record(ctx, stats.Event{
		Key:     value,
		Plugin:  l.id,
		Allowed: allowed,
		Method:  r.Method,
		Path:    r.URL.Path,
		At:      time.Now(),
	})
	if err != nil {
		l.logger.Error("failed to record admission stats", "plugin", l.id, "error", err)
	}
}
