package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tessera/am"
	"github.com/teranos/tessera/coord/memory"
	"github.com/teranos/tessera/executor"
	"github.com/teranos/tessera/pulse/job"
	"github.com/teranos/tessera/pulse/jobconf"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type fixture struct {
	srv    *Server
	exec   *executor.Executor
	memory *memory.Server
	hub    *Hub
	http   *httptest.Server
}

type fixtureOptions struct {
	history bool
	rps     int
	jobs    []*jobconf.Definition
}

func passiveJob(name string) *jobconf.Definition {
	def := jobconf.New(name)
	def.Type = jobconf.TypePassive
	return def
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()

	mem := memory.NewServer()
	for _, def := range opts.jobs {
		require.NoError(t, jobconf.Save(ctx, mem.Connect("ns"), def))
	}

	cfg, err := am.Defaults()
	require.NoError(t, err)
	cfg.Executor.Name = "exec-1"
	cfg.Executor.Namespace = "ns"
	cfg.Executor.Address = "10.0.0.1"
	cfg.Executor.ShutdownGraceMS = 100
	cfg.Executor.CountFlushSeconds = 1
	cfg.Coordination.Backend = am.BackendMemory
	cfg.History.Enabled = opts.history
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")

	hub := NewHub(log)
	reg := prometheus.NewRegistry()
	e, err := executor.New(cfg, executor.Options{
		Registry:       mem.Connect("ns"),
		Events:         hub,
		Prometheus:     reg,
		ResyncInterval: 50 * time.Millisecond,
	}, log)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))

	s := New(e, hub, Config{TriggersPerSecond: opts.rps, Gatherer: reg}, log)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
		e.Stop(context.Background())
	})

	f := &fixture{srv: s, exec: e, memory: mem, hub: hub, http: ts}
	for _, def := range opts.jobs {
		f.waitReady(t, def.Name)
	}
	return f
}

// waitReady waits until the job runs here and owns its items.
func (f *fixture) waitReady(t *testing.T, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := f.exec.Jobs().Get(name)
		if !ok {
			return false
		}
		st, err := s.Status(context.Background())
		return err == nil && len(st.Items) > 0
	}, waitFor, tick)
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, fixtureOptions{jobs: []*jobconf.Definition{passiveJob("billing")}})

	code, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "exec-1", body["executor"])
	assert.EqualValues(t, 1, body["jobs"])

	require.NoError(t, f.srv.Shutdown(context.Background()))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListAndGetJobs(t *testing.T) {
	f := newFixture(t, fixtureOptions{jobs: []*jobconf.Definition{passiveJob("billing"), passiveJob("digest")}})

	code, body := f.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, code)
	jobs := body["jobs"].([]interface{})
	require.Len(t, jobs, 2)
	assert.Equal(t, "billing", jobs[0].(map[string]interface{})["job"])

	code, body = f.do(t, http.MethodGet, "/api/jobs/digest", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "digest", body["job"])
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, true, body["leader"])

	code, body = f.do(t, http.MethodGet, "/api/jobs/absent", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "absent")
}

func TestRunRecordsExecution(t *testing.T) {
	f := newFixture(t, fixtureOptions{history: true, jobs: []*jobconf.Definition{passiveJob("billing")}})

	code, body := f.do(t, http.MethodPost, "/api/jobs/billing/run?trigger_id=manual-1", "")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "manual-1", body["trigger_id"])

	require.Eventually(t, func() bool {
		code, body := f.do(t, http.MethodGet, "/api/jobs/billing/executions?status=completed", "")
		return code == http.StatusOK && body["total"] == float64(1)
	}, waitFor, tick)

	_, body = f.do(t, http.MethodGet, "/api/jobs/billing/executions?limit=10", "")
	execs := body["executions"].([]interface{})
	require.Len(t, execs, 1)
	assert.Equal(t, "billing", execs[0].(map[string]interface{})["job"])

	code, _ = f.do(t, http.MethodGet, "/api/jobs/billing/executions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), `tessera_items_total{job="billing",status="completed"} 1`)
	}, waitFor, tick)
}

func TestExecutionsWithoutHistory(t *testing.T) {
	f := newFixture(t, fixtureOptions{jobs: []*jobconf.Definition{passiveJob("billing")}})

	code, _ := f.do(t, http.MethodGet, "/api/jobs/billing/executions", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRunIsRateLimitedPerJob(t *testing.T) {
	f := newFixture(t, fixtureOptions{rps: 1, jobs: []*jobconf.Definition{passiveJob("billing"), passiveJob("digest")}})

	code, _ := f.do(t, http.MethodPost, "/api/jobs/billing/run", "")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = f.do(t, http.MethodPost, "/api/jobs/billing/run", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	code, _ = f.do(t, http.MethodPost, "/api/jobs/digest/run", "")
	assert.Equal(t, http.StatusAccepted, code)
}

func TestStopAndResume(t *testing.T) {
	f := newFixture(t, fixtureOptions{jobs: []*jobconf.Definition{passiveJob("billing")}})

	code, body := f.do(t, http.MethodPost, "/api/jobs/billing/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, job.StopRequested.String(), body["state"])

	code, body = f.do(t, http.MethodPost, "/api/jobs/billing/forcestop", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, job.ForceStopped.String(), body["state"])

	code, body = f.do(t, http.MethodPost, "/api/jobs/billing/resume", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, job.Idle.String(), body["state"])

	code, _ = f.do(t, http.MethodPost, "/api/jobs/billing/pause", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestMessages(t *testing.T) {
	msg := jobconf.New("inbox")
	msg.Type = jobconf.TypeMsg
	f := newFixture(t, fixtureOptions{jobs: []*jobconf.Definition{msg, passiveJob("billing")}})

	code, body := f.do(t, http.MethodPost, "/api/jobs/inbox/messages", `{"order":42}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.NotEmpty(t, body["trigger_id"])

	code, _ = f.do(t, http.MethodPost, "/api/jobs/inbox/messages", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/jobs/billing/messages", "hello")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, fixtureOptions{jobs: []*jobconf.Definition{passiveJob("billing")}})

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/events?job=billing"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, waitFor, tick)

	code, _ := f.do(t, http.MethodPost, "/api/jobs/billing/run", "")
	require.Equal(t, http.StatusAccepted, code)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	seen := map[string]bool{}
	for !seen[job.EventItemFinished] {
		var ev job.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "billing", ev.Job)
		seen[ev.Type] = true
	}
	assert.True(t, seen[job.EventFired])
}
