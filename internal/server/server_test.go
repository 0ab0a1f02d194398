package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/app"
	"github.com/roach88/ferry/internal/config"
	"github.com/roach88/ferry/internal/event"
	"github.com/roach88/ferry/internal/model"
	"github.com/roach88/ferry/internal/remote"
)

func setupTestServer(t *testing.T) (*httptest.Server, *app.App, *remote.MemoryFactory) {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "ferry.db")
	factory := remote.NewMemoryFactory()

	a, err := app.New(context.Background(), cfg, app.WithFactory(factory))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ts := httptest.NewServer(New(a, "", nil).Handler())
	t.Cleanup(ts.Close)
	return ts, a, factory
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestStatusAndBackends(t *testing.T) {
	ts, _, _ := setupTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(body, &st))
	active := st["active_backend"].(map[string]any)
	assert.Equal(t, model.BackendPrimary, active["id"])

	code, body = do(t, http.MethodGet, ts.URL+"/backends", "")
	require.Equal(t, http.StatusOK, code)
	var backends []model.Backend
	require.NoError(t, json.Unmarshal(body, &backends))
	assert.Len(t, backends, 2)
}

func TestWriteAndDrain(t *testing.T) {
	ts, _, factory := setupTestServer(t)

	code, body := do(t, http.MethodPut, ts.URL+"/docs/customers/c1", `{"name":"Ada","visits":3}`)
	require.Equal(t, http.StatusAccepted, code, string(body))

	code, body = do(t, http.MethodGet, ts.URL+"/cache/customers/c1", "")
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = do(t, http.MethodPost, ts.URL+"/drain", "")
	require.Equal(t, http.StatusOK, code, string(body))

	got := factory.Backend("primary").Snapshot("customers")["c1"]
	assert.Equal(t, model.Fields{"name": "Ada", "visits": int64(3)}, got)

	code, _ = do(t, http.MethodGet, ts.URL+"/queue?state=synced", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestErrorStatusCodes(t *testing.T) {
	ts, _, _ := setupTestServer(t)

	code, _ := do(t, http.MethodPost, ts.URL+"/replicate?from=primary&to=primary", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, ts.URL+"/backends/nope/activate", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, ts.URL+"/cache/customers/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodPut, ts.URL+"/docs/unknown/x", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, ts.URL+"/backends", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRegisterUnreachableBackend(t *testing.T) {
	ts, a, factory := setupTestServer(t)
	factory.SetUnreachable("east", true)

	body := `{"label":"east","descriptor":{"apiKey":"k","authDomain":"east.example.com","projectId":"east",` +
		`"storageBucket":"b","messagingSenderId":"1","appId":"a"}}`
	code, resp := do(t, http.MethodPost, ts.URL+"/backends", body)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, string(resp), string(model.CodeConnectionTestFailed))
	assert.Len(t, a.Backends(), 2)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := setupTestServer(t)

	code, _ := do(t, http.MethodPost, ts.URL+"/rotate", "")
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `ferry_rotations_total{result="ok"} 1`)
}

func TestEventsWebSocket(t *testing.T) {
	ts, a, _ := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return a.Bus.Subscribers() == 1 },
		2*time.Second, 10*time.Millisecond)

	a.Monitor.Signal(false)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)

	var ev event.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, event.KindConnectivity, ev.Kind)
	assert.Equal(t, false, ev.Data["online"])

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return a.Bus.Subscribers() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestEventsRejectsCrossOrigin(t *testing.T) {
	ts, a, _ := setupTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, a.Bus.Subscribers())

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {ts.URL}})
	require.NoError(t, err, "same-origin pages may subscribe")
	ws.Close()
}

func TestDrainOutlivesClientDisconnect(t *testing.T) {
	_, a, factory := setupTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2"} {
		_, err := a.Writer.Add(ctx, "customers", id, model.Fields{"name": id})
		require.NoError(t, err)
	}

	gone, cancel := context.WithCancel(ctx)
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/drain", nil).WithContext(gone)
	rec := httptest.NewRecorder()
	New(a, "", nil).Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Started bool `json:"started"`
		Result  struct {
			Stats       map[string]int `json:"stats"`
			Interrupted bool           `json:"interrupted"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Started)
	assert.Equal(t, 2, body.Result.Stats["synced"])
	assert.False(t, body.Result.Interrupted)
	assert.Len(t, factory.Backend("primary").Snapshot("customers"), 2)
}

func TestPassContextEndsWithServer(t *testing.T) {
	_, a, _ := setupTestServer(t)
	srv := New(a, "", nil)

	ctx, cancel := srv.passContext(httptest.NewRequest(http.MethodPost, "/sync", nil))
	defer cancel()
	require.NoError(t, ctx.Err())

	srv.stop()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pass context outlived the server")
	}
}
