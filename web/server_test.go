package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantsim/event"
)

type apiResponse struct {
	Success bool            `json:"success"`
	ID      string          `json:"id"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func setupTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	m := NewRunManager(RunManagerConfig{}, &fakeData{candles: generateMockCandles(400)})
	s := NewServer(m, NewWebSocketHub(), WithLanguage("zh-CN"))
	return s, s.Engine()
}

func doRequest(h http.Handler, method, path string, body []byte, header map[string]string) (*httptest.ResponseRecorder, apiResponse) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp apiResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHealthAndStrategies(t *testing.T) {
	_, h := setupTestServer(t)

	w, _ := doRequest(h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := doRequest(h, http.MethodGet, "/api/strategies", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var names []string
	require.NoError(t, json.Unmarshal(resp.Data, &names))
	assert.Contains(t, names, "ema_cross")
	assert.Contains(t, names, "bollinger")

	w, _ = doRequest(h, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doRequest(h, http.MethodGet, "/not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitRunOverHTTP(t *testing.T) {
	s, h := setupTestServer(t)

	body, err := json.Marshal(testRequest())
	require.NoError(t, err)
	w, resp := doRequest(h, http.MethodPost, "/api/runs", body, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.ID)

	waitRun(t, s.manager, resp.ID)

	w, resp2 := doRequest(h, http.MethodGet, "/api/runs/"+resp.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view RunView
	require.NoError(t, json.Unmarshal(resp2.Data, &view))
	assert.Equal(t, "COMPLETED", string(view.Status))
	assert.Nil(t, view.Result)
	assert.NotNil(t, view.Metrics)

	w, resp2 = doRequest(h, http.MethodGet, "/api/runs/"+resp.ID+"?full=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp2.Data, &view))
	assert.NotNil(t, view.Result)

	w, _ = doRequest(h, http.MethodGet, "/api/runs/"+resp.ID+"/equity", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = doRequest(h, http.MethodGet, "/api/runs/"+resp.ID+"/trades", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doRequest(h, http.MethodGet, "/api/runs/"+resp.ID+"/report", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, w.Body.String(), "BTCUSDT")

	// 已结束的回测不能取消
	w, _ = doRequest(h, http.MethodPost, "/api/runs/"+resp.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp2 = doRequest(h, http.MethodGet, "/api/runs", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []RunView
	require.NoError(t, json.Unmarshal(resp2.Data, &views))
	assert.Len(t, views, 1)

	w, resp2 = doRequest(h, http.MethodGet, "/api/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp2.Data), `"completed":1`)
}

func TestSubmitRunValidation(t *testing.T) {
	_, h := setupTestServer(t)

	w, resp := doRequest(h, http.MethodPost, "/api/runs", []byte("{bad json"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, resp.Success)

	req := testRequest()
	req.Config.Strategy = "unknown"
	body, _ := json.Marshal(req)
	w, resp = doRequest(h, http.MethodPost, "/api/runs", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, resp.Error)
}

func TestRunNotFoundIsLocalized(t *testing.T) {
	_, h := setupTestServer(t)

	w, resp := doRequest(h, http.MethodGet, "/api/runs/missing", nil, map[string]string{"Accept-Language": "en-US,en;q=0.9"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Backtest not found", resp.Message)

	w, resp = doRequest(h, http.MethodGet, "/api/runs/missing?lang=zh", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEqual(t, "Backtest not found", resp.Message)
	assert.NotEqual(t, "error_run_not_found", resp.Message)

	w, _ = doRequest(h, http.MethodPost, "/api/runs/missing/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOptionalEndpointsUnavailable(t *testing.T) {
	_, h := setupTestServer(t)

	for _, path := range []string{"/api/events", "/api/logs", "/api/cache", "/api/cache/stats"} {
		w, resp := doRequest(h, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.False(t, resp.Success)
	}

	w, _ := doRequest(h, http.MethodGet, "/api/system/runtime", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseAcceptLanguage(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"zh-CN,zh;q=0.9,en;q=0.8", "zh-CN"},
		{"en;q=0.8", "en-US"},
		{"en_GB", "en-US"},
		{"fr-FR", "zh-CN"},
		{"", "zh-CN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeLanguage(parseAcceptLanguage(tt.header), "zh-CN"), tt.header)
	}
}

func TestWebSocketHubFiltersByRun(t *testing.T) {
	s, h := setupTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer s.hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?run_id=run-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.hub.ProcessEvent(&event.Event{Type: event.EventTypeRunProgress, RunID: "run-2", Timestamp: time.Now()})
	s.hub.ProcessEvent(&event.Event{Type: event.EventTypeRunCompleted, RunID: "run-1", Timestamp: time.Now()})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev event.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, event.EventTypeRunCompleted, ev.Type)
}

func TestWebServerStartStop(t *testing.T) {
	s, _ := setupTestServer(t)
	ws := NewWebServer("127.0.0.1", 0, s)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ws.Start(ctx))
	cancel()
	ws.Stop()
}
