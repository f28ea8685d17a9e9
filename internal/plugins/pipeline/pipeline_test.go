package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peteski22/proxy-plugins/internal/inflight"
	"github.com/peteski22/proxy-plugins/internal/plugins"
	"github.com/peteski22/proxy-plugins/internal/plugins/limit"
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

type fakePlugin struct {
	step   pkg.Step
	kind   pkg.Kind
	handle func(ctx context.Context, s *pkg.Session, st *pkg.State) (pkg.Result, error)
	calls  int
}

func (f *fakePlugin) Step() pkg.Step { return f.step }

func (f *fakePlugin) Kind() pkg.Kind { return f.kind }

func (f *fakePlugin) Handle(ctx context.Context, s *pkg.Session, st *pkg.State) (pkg.Result, error) {
	f.calls++
	if f.handle == nil {
		return pkg.Continue(), nil
	}
	return f.handle(ctx, s, st)
}

func respondWith(status int, body string) func(context.Context, *pkg.Session, *pkg.State) (pkg.Result, error) {
	return func(context.Context, *pkg.Session, *pkg.State) (pkg.Result, error) {
		return pkg.Respond(&pkg.Response{Status: status, Body: []byte(body)}), nil
	}
}

func failWith(err error) func(context.Context, *pkg.Session, *pkg.State) (pkg.Result, error) {
	return func(context.Context, *pkg.Session, *pkg.State) (pkg.Result, error) {
		return pkg.Result{}, err
	}
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return NewPipeline(hclog.NewNullLogger())
}

func register(t *testing.T, p *Pipeline, id string, pl pkg.Plugin, required bool) {
	t.Helper()
	require.NoError(t, p.Register(plugins.NewInstance(id, pl, required)))
}

func run(p *Pipeline, step pkg.Step) (pkg.Result, error) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	s := &pkg.Session{Request: r, Writer: httptest.NewRecorder()}
	return p.Run(context.Background(), step, s, pkg.NewState())
}

func TestRegister_RejectsUnknownKind(t *testing.T) {
	p := newTestPipeline(t)

	err := p.Register(plugins.NewInstance("odd", &fakePlugin{kind: "odd"}, false))
	require.ErrorIs(t, err, plugins.ErrInvalidConfig)

	err = p.Register(nil)
	require.ErrorIs(t, err, plugins.ErrInvalidConfig)
	assert.Equal(t, 0, p.Len(pkg.StepRequest))
}

func TestRun_NoPluginsContinues(t *testing.T) {
	res, err := run(newTestPipeline(t), pkg.StepRequest)
	require.NoError(t, err)
	assert.Equal(t, pkg.OutcomeContinue, res.Outcome)
}

func TestRun_KindOrderThenRegistrationOrder(t *testing.T) {
	p := newTestPipeline(t)

	var order []string
	track := func(name string) func(context.Context, *pkg.Session, *pkg.State) (pkg.Result, error) {
		return func(context.Context, *pkg.Session, *pkg.State) (pkg.Result, error) {
			order = append(order, name)
			return pkg.Continue(), nil
		}
	}

	register(t, p, "dir", &fakePlugin{kind: pkg.KindDirectory, handle: track("dir")}, false)
	register(t, p, "remote", &fakePlugin{kind: pkg.KindRemote, handle: track("remote")}, false)
	register(t, p, "limit-a", &fakePlugin{kind: pkg.KindLimit, handle: track("limit-a")}, false)
	register(t, p, "limit-b", &fakePlugin{kind: pkg.KindLimit, handle: track("limit-b")}, false)
	register(t, p, "upstream", &fakePlugin{step: pkg.StepProxyUpstream, kind: pkg.KindLimit, handle: track("upstream")}, false)

	res, err := run(p, pkg.StepRequest)
	require.NoError(t, err)
	assert.Equal(t, pkg.OutcomeContinue, res.Outcome)
	assert.Equal(t, []string{"limit-a", "limit-b", "remote", "dir"}, order)
	assert.Equal(t, 4, p.Len(pkg.StepRequest))
	assert.Equal(t, 1, p.Len(pkg.StepProxyUpstream))
}

func TestRun_RespondStopsStep(t *testing.T) {
	p := newTestPipeline(t)

	first := &fakePlugin{kind: pkg.KindLimit, handle: respondWith(http.StatusTooManyRequests, "slow down")}
	second := &fakePlugin{kind: pkg.KindDirectory}
	register(t, p, "first", first, false)
	register(t, p, "second", second, false)

	res, err := run(p, pkg.StepRequest)
	require.NoError(t, err)
	require.Equal(t, pkg.OutcomeRespond, res.Outcome)
	assert.Equal(t, http.StatusTooManyRequests, res.Response.StatusCode())
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestRun_ErrorPolicy(t *testing.T) {
	boom := errors.New("boom")

	t.Run("non-rejecting kind is skipped", func(t *testing.T) {
		p := newTestPipeline(t)
		after := &fakePlugin{kind: pkg.KindDirectory}
		register(t, p, "remote", &fakePlugin{kind: pkg.KindRemote, handle: failWith(boom)}, false)
		register(t, p, "after", after, false)

		res, err := run(p, pkg.StepRequest)
		require.NoError(t, err)
		assert.Equal(t, pkg.OutcomeContinue, res.Outcome)
		assert.Equal(t, 1, after.calls)
	})

	t.Run("required instance fails the request", func(t *testing.T) {
		p := newTestPipeline(t)
		register(t, p, "remote", &fakePlugin{kind: pkg.KindRemote, handle: failWith(boom)}, true)

		_, err := run(p, pkg.StepRequest)
		require.ErrorIs(t, err, plugins.ErrRequiredPluginFailed)
		require.ErrorIs(t, err, boom)
	})

	t.Run("rejecting kind fails the request", func(t *testing.T) {
		p := newTestPipeline(t)
		register(t, p, "limit", &fakePlugin{kind: pkg.KindLimit, handle: failWith(boom)}, false)

		_, err := run(p, pkg.StepRequest)
		require.ErrorIs(t, err, boom)
		require.NotErrorIs(t, err, plugins.ErrRequiredPluginFailed)
	})

	t.Run("handled result keeps its outcome", func(t *testing.T) {
		p := newTestPipeline(t)
		register(t, p, "dir", &fakePlugin{
			kind: pkg.KindDirectory,
			handle: func(context.Context, *pkg.Session, *pkg.State) (pkg.Result, error) {
				return pkg.Handled(), boom
			},
		}, false)

		res, err := run(p, pkg.StepRequest)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, pkg.OutcomeHandled, res.Outcome)
	})

	t.Run("respond without response", func(t *testing.T) {
		p := newTestPipeline(t)
		register(t, p, "dir", &fakePlugin{
			kind: pkg.KindDirectory,
			handle: func(context.Context, *pkg.Session, *pkg.State) (pkg.Result, error) {
				return pkg.Result{Outcome: pkg.OutcomeRespond}, nil
			},
		}, false)

		_, err := run(p, pkg.StepRequest)
		require.ErrorIs(t, err, plugins.ErrInvalidResult)
	})
}

func TestMiddleware_WritesRespondResult(t *testing.T) {
	p := newTestPipeline(t)
	register(t, p, "limit", &fakePlugin{kind: pkg.KindLimit, handle: respondWith(http.StatusTooManyRequests, "exceed limit 1/1")}, false)

	called := false
	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "exceed limit 1/1", w.Body.String())
	assert.Equal(t, "16", w.Header().Get("Content-Length"))
}

func TestMiddleware_PassesThroughAndRecordsState(t *testing.T) {
	p := newTestPipeline(t)

	var seen *pkg.State
	register(t, p, "probe", &fakePlugin{
		step: pkg.StepProxyUpstream,
		kind: pkg.KindRemote,
		handle: func(_ context.Context, s *pkg.Session, st *pkg.State) (pkg.Result, error) {
			seen = st
			s.Request.Header.Set("X-Probe", "1")
			return pkg.Continue(), nil
		},
	}, false)

	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("X-Probe"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/items", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, http.StatusCreated, seen.Status)
	assert.Equal(t, int64(len("created")), seen.ResponseBodySize)
}

func TestMiddleware_ErrorReturnsServiceUnavailable(t *testing.T) {
	p := newTestPipeline(t)
	register(t, p, "limit", &fakePlugin{kind: pkg.KindLimit, handle: failWith(errors.New("boom"))}, false)

	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMiddleware_HandledWritesNothingMore(t *testing.T) {
	p := newTestPipeline(t)
	register(t, p, "dir", &fakePlugin{
		kind: pkg.KindDirectory,
		handle: func(_ context.Context, s *pkg.Session, st *pkg.State) (pkg.Result, error) {
			s.Writer.WriteHeader(http.StatusOK)
			_, _ = s.Writer.Write([]byte("partial"))
			return pkg.Handled(), errors.New("connection reset")
		},
	}, false)

	h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestMiddleware_ReleasesGuards(t *testing.T) {
	table := inflight.New()
	newLimiter := func(t *testing.T, value string) *limit.Limiter {
		t.Helper()
		l, err := limit.New(value, pkg.StepRequest, limit.WithTable(table))
		require.NoError(t, err)
		return l
	}

	t.Run("after next returns", func(t *testing.T) {
		p := newTestPipeline(t)
		register(t, p, "limit", newLimiter(t, "ip 1"), false)

		h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, 1, table.Len())
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, 0, table.Len())
	})

	t.Run("after short-circuit", func(t *testing.T) {
		p := newTestPipeline(t)
		register(t, p, "limit", newLimiter(t, "ip 1"), false)
		register(t, p, "dir", &fakePlugin{kind: pkg.KindDirectory, handle: respondWith(http.StatusOK, "static")}, false)

		h := p.Middleware()(http.NotFoundHandler())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, "static", w.Body.String())
		assert.Equal(t, 0, table.Len())
	})

	t.Run("after panic", func(t *testing.T) {
		p := newTestPipeline(t)
		register(t, p, "limit-ip", newLimiter(t, "ip 5"), false)
		register(t, p, "limit-header", newLimiter(t, ">X-Uuid 5"), false)

		h := p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, 2, table.Len())
			panic("handler exploded")
		}))

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Uuid", "138q71")
		assert.Panics(t, func() { h.ServeHTTP(httptest.NewRecorder(), r) })
		assert.Equal(t, 0, table.Len())
	})
}

func TestMiddleware_SecondRequestRejectedWhileFirstInFlight(t *testing.T) {
	p := newTestPipeline(t)
	l, err := limit.New("ip 1", pkg.StepRequest)
	require.NoError(t, err)
	register(t, p, "limit", l, false)

	var inner *httptest.ResponseRecorder
	var h http.Handler
	h = p.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inner == nil {
			inner = httptest.NewRecorder()
			h.ServeHTTP(inner, httptest.NewRequest(http.MethodGet, "/", nil))
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	outer := httptest.NewRecorder()
	h.ServeHTTP(outer, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNoContent, outer.Code)
	require.NotNil(t, inner)
	assert.Equal(t, http.StatusTooManyRequests, inner.Code)
	assert.Equal(t, "exceed limit 2/1", inner.Body.String())
	assert.Equal(t, 0, l.Table().Len())
}
