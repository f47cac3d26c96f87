package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/swarmd/internal/agent"
	"github.com/mtzanidakis/swarmd/internal/auth"
	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/credits"
	"github.com/mtzanidakis/swarmd/internal/ledger"
	"github.com/mtzanidakis/swarmd/internal/orchestrator"
	"github.com/mtzanidakis/swarmd/internal/scheduler"
	"github.com/mtzanidakis/swarmd/internal/store"
	"github.com/mtzanidakis/swarmd/internal/swarm"
	"github.com/mtzanidakis/swarmd/internal/telemetry"
)

type flatPricer struct{}

func (flatPricer) Estimate(swarm.SwarmSpec, time.Time) (credits.Amount, error) {
	return credits.One, nil
}

func (flatPricer) Actual(swarm.SwarmSpec, []swarm.Step, time.Time) (credits.Amount, error) {
	return credits.MustParse("0.5"), nil
}

type testServer struct {
	srv    *Server
	ledger *ledger.Ledger
	key    string
	other  string
}

func newTestServer(t *testing.T, cfg config.WebConfig) *testServer {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "web.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink, err := telemetry.NewSink(config.TelemetryConfig{}, st, nil)
	require.NoError(t, err)
	t.Cleanup(sink.Close)

	l := ledger.New(st)
	orch := orchestrator.New(st, l, swarm.NewEngine(agent.NewFromConfig(config.AgentsConfig{})), flatPricer{}, sink)
	sched := scheduler.New(st, orch, sink, config.SchedulerConfig{Workers: 1})
	a := auth.New(st, config.AuthConfig{Pepper: "test"})

	ctx := context.Background()
	key, _, err := a.CreateKey(ctx, "acme", "test")
	require.NoError(t, err)
	other, _, err := a.CreateKey(ctx, "beta", "test")
	require.NoError(t, err)
	_, err = l.Grant(ctx, "acme", credits.MustParse("10"), 0)
	require.NoError(t, err)

	return &testServer{
		srv:    NewServer(orch, sched, l, a, nil, cfg, "test"),
		ledger: l,
		key:    key,
		other:  other,
	}
}

func (ts *testServer) do(t *testing.T, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const echoSwarm = `{"name":"pair","task":"write a haiku","swarm_type":"SequentialWorkflow",
	"agents":[{"agent_name":"A","model_name":"echo"},{"agent_name":"B","model_name":"echo"}]}`

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	rec := ts.do(t, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}

func TestAPIKeyRequired(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "GET", "/v1/credits", "", "").Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, "GET", "/v1/credits", "sk-bogus", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/v1/credits", ts.key, "").Code)
}

func TestAvailableSwarmTypes(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	rec := ts.do(t, "GET", "/v1/swarms/available", ts.key, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string][]string](t, rec)
	assert.Contains(t, body["swarm_types"], "MajorityVoting")
	assert.Contains(t, body["swarm_types"], "auto")
}

func TestExecuteSwarm(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})

	rec := ts.do(t, "POST", "/v1/swarm/completions", ts.key, echoSwarm)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[executionResponse](t, rec)
	assert.Equal(t, store.ExecutionCompleted, resp.Status)
	assert.Contains(t, resp.Output, "B: write a haiku")
	assert.Empty(t, resp.History)
	assert.Equal(t, credits.MustParse("0.5"), resp.CreditsConsumed)

	withHistory := strings.Replace(echoSwarm, `"name":"pair"`, `"name":"pair","return_history":true`, 1)
	rec = ts.do(t, "POST", "/v1/swarm/completions", ts.key, withHistory)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[executionResponse](t, rec).History, 2)

	rec = ts.do(t, "GET", "/v1/credits", ts.key, "")
	balance := decode[struct {
		Available credits.Amount `json:"available"`
	}](t, rec)
	assert.Equal(t, credits.MustParse("9"), balance.Available)
}

func TestExecuteErrorMapping(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})

	rec := ts.do(t, "POST", "/v1/swarm/completions", ts.key, `{"agents":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	var fields []string
	for _, f := range body.Fields {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{"task", "agents"}, fields)

	rec = ts.do(t, "POST", "/v1/swarm/completions", ts.key, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "POST", "/v1/swarm/completions", ts.other, echoSwarm)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	failing := `{"task":"t","agents":[{"agent_name":"A","model_name":"echo-fail"}]}`
	rec = ts.do(t, "POST", "/v1/swarm/completions", ts.key, failing)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body = decode[errorBody](t, rec)
	require.NotNil(t, body.Execution)
	assert.Equal(t, store.ExecutionFailed, body.Execution.Status)
}

func TestExecuteBatch(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})

	batch := "[" + echoSwarm + `,{"task":""},` + echoSwarm + "]"
	rec := ts.do(t, "POST", "/v1/swarm/batch/completions", ts.key, batch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	items := decode[[]batchItemResponse](t, rec)
	require.Len(t, items, 3)
	assert.NotNil(t, items[0].Execution)
	assert.Nil(t, items[0].Error)
	require.NotNil(t, items[1].Error)
	assert.NotEmpty(t, items[1].Error.Fields)
	assert.NotNil(t, items[2].Execution)

	rec = ts.do(t, "POST", "/v1/swarm/batch/completions", ts.key, `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})

	rec := ts.do(t, "POST", "/v1/swarm/schedule", ts.key, echoSwarm)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	past := strings.Replace(echoSwarm, `"name":"pair"`, `"name":"pair","schedule":{"scheduled_time":"2001-01-01T00:00:00Z"}`, 1)
	rec = ts.do(t, "POST", "/v1/swarm/schedule", ts.key, past)
	assert.Equal(t, http.StatusConflict, rec.Code)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	spec := strings.Replace(echoSwarm, `"name":"pair"`, `"name":"pair","schedule":{"scheduled_time":"`+future+`"}`, 1)
	rec = ts.do(t, "POST", "/v1/swarm/schedule", ts.key, spec)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[store.ScheduledJob](t, rec)
	assert.Equal(t, store.JobPending, job.Status)

	rec = ts.do(t, "GET", "/v1/swarm/schedule", ts.key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.ScheduledJob](t, rec), 1)

	rec = ts.do(t, "GET", "/v1/swarm/schedule", ts.other, "")
	assert.Empty(t, decode[[]store.ScheduledJob](t, rec))

	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/v1/swarm/schedule/"+job.ID, ts.other, "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "DELETE", "/v1/swarm/schedule/"+job.ID, ts.key, "").Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, "DELETE", "/v1/swarm/schedule/"+job.ID, ts.key, "").Code)
}

func TestGetLogs(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	ts.do(t, "POST", "/v1/swarm/completions", ts.key, echoSwarm)
	ts.do(t, "POST", "/v1/swarm/completions", ts.key, `{"task":"t","agents":[{"agent_name":"A","model_name":"echo-fail"}]}`)

	rec := ts.do(t, "GET", "/v1/swarm/logs", ts.key, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]executionResponse](t, rec), 2)

	rec = ts.do(t, "GET", "/v1/swarm/logs?status=failed&limit=5", ts.key, "")
	logs := decode[[]executionResponse](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, store.ExecutionFailed, logs[0].Status)

	rec = ts.do(t, "GET", "/v1/swarm/logs?since="+time.Now().Add(time.Hour).UTC().Format(time.RFC3339), ts.key, "")
	assert.Empty(t, decode[[]executionResponse](t, rec))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/v1/swarm/logs?limit=zero", ts.key, "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/v1/swarm/logs?since=yesterday", ts.key, "").Code)
}

func TestGetRequestLogs(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	ts.do(t, "POST", "/v1/swarm/batch/completions", ts.key, "["+echoSwarm+"]")

	require.Eventually(t, func() bool {
		rec := ts.do(t, "GET", "/v1/swarm/logs?source=requests", ts.key, "")
		return rec.Code == http.StatusOK && len(decode[[]store.RequestLog](t, rec)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	rows := decode[[]store.RequestLog](t, ts.do(t, "GET", "/v1/swarm/logs?source=requests&limit=1", ts.key, ""))
	require.Len(t, rows, 1)
	assert.Equal(t, string(telemetry.KindBatch), rows[0].Kind)
	assert.Equal(t, "1 of 1 succeeded", rows[0].Detail)

	assert.Empty(t, decode[[]store.RequestLog](t, ts.do(t, "GET", "/v1/swarm/logs?source=requests", ts.other, "")))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/v1/swarm/logs?source=audit", ts.key, "").Code)
}

func TestRateLimitPerClient(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{RateLimit: 2, RateWindow: time.Minute})

	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/health", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, "GET", "/health", "", "").Code)

	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventStreamIsTenantScoped(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.srv.hub.Run(ctx)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/events?api_key=" + ts.key
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.srv.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	ts.srv.hub.Broadcast(telemetry.Event{Kind: telemetry.KindExecution, TenantID: "beta", ExecutionID: "theirs"})
	ts.srv.hub.Broadcast(telemetry.Event{Kind: telemetry.KindExecution, TenantID: "acme", ExecutionID: "ours"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got telemetry.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "ours", got.ExecutionID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/v1/events", nil)
	assert.Error(t, err)
}
