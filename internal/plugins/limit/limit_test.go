package limit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peteski22/proxy-plugins/internal/inflight"
	"github.com/peteski22/proxy-plugins/internal/plugins"
	"github.com/peteski22/proxy-plugins/internal/stats"
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

func newRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://github.com/vicanso/pingap?key=1", nil)
	r.Header.Set("Referer", "https://github.com/")
	r.Header.Set("Cookie", "deviceId=abc")
	r.Header.Set("X-Uuid", "138q71")
	r.Header.Set("X-Forwarded-For", "1.1.1.1, 192.168.1.2")
	return r
}

func session(r *http.Request) *pkg.Session {
	return &pkg.Session{Request: r, Writer: httptest.NewRecorder()}
}

func TestNew_Selectors(t *testing.T) {
	tests := []struct {
		value    string
		selector Selector
		key      string
	}{
		{value: "~deviceId 10", selector: SelectorCookie, key: "deviceId"},
		{value: ">X-Uuid 10", selector: SelectorHeader, key: "X-Uuid"},
		{value: "?key 10", selector: SelectorQuery, key: "key"},
		{value: "ip 10", selector: SelectorIP, key: "p"},
	}
	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			l, err := New(tc.value, pkg.StepRequest)
			require.NoError(t, err)
			assert.Equal(t, tc.selector, l.Selector())
			assert.Equal(t, tc.key, l.Key())
			assert.Equal(t, int64(10), l.Max())
			assert.Equal(t, pkg.StepRequest, l.Step())
			assert.Equal(t, pkg.KindLimit, l.Kind())

			st := pkg.NewState()
			require.NoError(t, l.Incr(newRequest(), st))
			assert.Equal(t, 1, st.Guards())
			assert.Equal(t, "1.1.1.1", st.ClientIP)
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, value := range []string{"ip", "ip abc", "ip -1", "~ 10", "i 10", ""} {
		t.Run(value, func(t *testing.T) {
			_, err := New(value, pkg.StepRequest)
			require.Error(t, err)
			assert.ErrorIs(t, err, plugins.ErrInvalidConfig)
		})
	}
}

func TestIncr_EmptyValueBypasses(t *testing.T) {
	l, err := New(">X-Missing 0", pkg.StepRequest)
	require.NoError(t, err)

	st := pkg.NewState()
	require.NoError(t, l.Incr(newRequest(), st))
	assert.Zero(t, st.Guards())
	assert.Equal(t, "1.1.1.1", st.ClientIP, "client ip is recorded even when bypassing")
	assert.Zero(t, l.Table().Len())
}

func TestIncr_ExceedCompensates(t *testing.T) {
	l, err := New("ip 2", pkg.StepRequest)
	require.NoError(t, err)

	held := []*pkg.State{pkg.NewState(), pkg.NewState()}
	for _, st := range held {
		require.NoError(t, l.Incr(newRequest(), st))
	}

	st := pkg.NewState()
	err = l.Incr(newRequest(), st)
	var exceed *plugins.ExceedError
	require.True(t, errors.As(err, &exceed))
	assert.Equal(t, int64(2), exceed.Max)
	assert.Equal(t, int64(3), exceed.Value)
	assert.Equal(t, "exceed limit 3/2", err.Error())
	assert.Zero(t, st.Guards())
	assert.Equal(t, int64(2), l.Table().Count("1.1.1.1"), "rejected attempt must not leave the counter incremented")

	// Releasing one admission frees exactly one slot.
	held[0].Release()
	require.NoError(t, l.Incr(newRequest(), pkg.NewState()))
	require.Error(t, l.Incr(newRequest(), pkg.NewState()))
}

func TestHandle_RejectsWithTooManyRequests(t *testing.T) {
	l, err := New("ip 0", pkg.StepRequest)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "http://example/vicanso/pingap?size=1", nil)
	r.Header.Set("X-Forwarded-For", "1.1.1.1")

	res, err := l.Handle(context.Background(), session(r), pkg.NewState())
	require.NoError(t, err)
	require.Equal(t, pkg.OutcomeRespond, res.Outcome)
	assert.Equal(t, http.StatusTooManyRequests, res.Response.Status)
	assert.Equal(t, "exceed limit 1/0", string(res.Response.Body))

	l, err = New("ip 1", pkg.StepRequest)
	require.NoError(t, err)
	res, err = l.Handle(context.Background(), session(r), pkg.NewState())
	require.NoError(t, err)
	assert.Equal(t, pkg.OutcomeContinue, res.Outcome)
}

func TestHandle_SingleIPScenario(t *testing.T) {
	l, err := New("ip 1", pkg.StepRequest)
	require.NoError(t, err)

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.Header.Set("X-Forwarded-For", "1.1.1.1")
		return r
	}

	first := pkg.NewState()
	res, err := l.Handle(context.Background(), session(req()), first)
	require.NoError(t, err)
	assert.Equal(t, pkg.OutcomeContinue, res.Outcome)

	second := pkg.NewState()
	res, err = l.Handle(context.Background(), session(req()), second)
	require.NoError(t, err)
	require.Equal(t, pkg.OutcomeRespond, res.Outcome)
	assert.Equal(t, http.StatusTooManyRequests, res.Response.Status)
	second.Release()

	first.Release()

	third := pkg.NewState()
	defer third.Release()
	res, err = l.Handle(context.Background(), session(req()), third)
	require.NoError(t, err)
	assert.Equal(t, pkg.OutcomeContinue, res.Outcome)
}

func TestHandle_ConcurrentAdmissionsNeverExceedMax(t *testing.T) {
	const limitMax = 5
	const workers = 50

	l, err := New(">X-Tenant 5", pkg.StepRequest)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		rejected atomic.Int64
		peak     atomic.Int64
		start    = make(chan struct{})
		states   = make(chan *pkg.State, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
			r.Header.Set("X-Tenant", "acme")
			st := pkg.NewState()
			res, err := l.Handle(context.Background(), session(r), st)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Outcome == pkg.OutcomeContinue {
				admitted.Add(1)
				if n := l.Table().Count("acme"); n > peak.Load() {
					peak.Store(n)
				}
				states <- st
				return
			}
			rejected.Add(1)
			st.Release()
		}()
	}
	close(start)
	wg.Wait()
	close(states)

	assert.Equal(t, int64(limitMax), admitted.Load())
	assert.Equal(t, int64(workers-limitMax), rejected.Load())
	assert.LessOrEqual(t, peak.Load(), int64(limitMax))
	assert.Equal(t, int64(limitMax), l.Table().Count("acme"))

	for st := range states {
		st.Release()
		st.Release()
	}
	assert.Zero(t, l.Table().Len())
}

func TestHandle_RecordsStats(t *testing.T) {
	store := stats.NewMemoryStore(stats.WithTrackKeys(true))
	l, err := New("?key 1", pkg.StepRequest, WithStats(store), WithID("limit-query"))
	require.NoError(t, err)

	st := pkg.NewState()
	_, err = l.Handle(context.Background(), session(newRequest()), st)
	require.NoError(t, err)
	_, err = l.Handle(context.Background(), session(newRequest()), pkg.NewState())
	require.NoError(t, err)

	assert.Equal(t, stats.Counters{Allowed: 1, Denied: 1}, store.Total())
	assert.Equal(t, stats.Counters{Allowed: 1, Denied: 1}, store.ByKey()["1"])
	st.Release()
}

func TestWithTable_SharesCounters(t *testing.T) {
	tbl := inflight.New()
	a, err := New("ip 1", pkg.StepRequest, WithTable(tbl))
	require.NoError(t, err)
	b, err := New("ip 1", pkg.StepProxyUpstream, WithTable(tbl))
	require.NoError(t, err)

	st := pkg.NewState()
	defer st.Release()
	require.NoError(t, a.Incr(newRequest(), st))
	require.Error(t, b.Incr(newRequest(), pkg.NewState()))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", ClientIP(r))

	r.Header.Set("X-Real-Ip", "8.8.8.8")
	assert.Equal(t, "8.8.8.8", ClientIP(r))

	r.Header.Set("X-Forwarded-For", " 1.2.3.4 , 5.6.7.8")
	assert.Equal(t, "1.2.3.4", ClientIP(r))
}
