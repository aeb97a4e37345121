package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/core"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/eventstore"
)

func testServer(t *testing.T) (*echo.Echo, *core.Orchestrator) {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.RetryInitial = time.Millisecond
	cfg.Bus.RetryMax = 5 * time.Millisecond
	cfg.Mesh.FailureThreshold = 1
	cfg.Mesh.CallTimeout = time.Second

	orch, err := core.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	e := echo.New()
	Register(e, orch, nil)
	return e, orch
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestPublishEndpoint(t *testing.T) {
	e, _ := testServer(t)

	rec := doJSON(e, http.MethodPost, "/api/events/publish", `{"eventType":"order.created","data":{"total":10}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		EventID string `json:"eventId"`
	}
	decode(t, rec, &resp)
	if resp.EventID == "" {
		t.Fatal("no event id returned")
	}

	if rec := doJSON(e, http.MethodPost, "/api/events/publish", `{"eventType":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty type status = %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/api/events/publish", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/api/events/publish", `{"eventType":"x","bogus":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
}

func TestStoreEndpointVersioning(t *testing.T) {
	e, _ := testServer(t)

	rec := doJSON(e, http.MethodPost, "/api/events/store",
		`{"streamId":"order-42","events":[{"type":"order.created"},{"type":"order.paid"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var res struct {
		StreamID       string   `json:"streamId"`
		NewVersion     int64    `json:"newVersion"`
		StoredEventIDs []string `json:"storedEventIds"`
	}
	decode(t, rec, &res)
	if res.NewVersion != 2 || len(res.StoredEventIDs) != 2 {
		t.Fatalf("result = %+v", res)
	}

	rec = doJSON(e, http.MethodPost, "/api/events/store",
		`{"streamId":"order-42","events":[{"type":"order.shipped"}],"expectedVersion":1}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d body=%s", rec.Code, rec.Body.String())
	}
	var conflict struct {
		Error           string `json:"error"`
		StreamID        string `json:"streamId"`
		ExpectedVersion int64  `json:"expectedVersion"`
		ActualVersion   int64  `json:"actualVersion"`
	}
	decode(t, rec, &conflict)
	if conflict.Error != "concurrency_conflict" {
		t.Fatalf("error code = %q", conflict.Error)
	}
	if conflict.StreamID != "order-42" || conflict.ExpectedVersion != 1 || conflict.ActualVersion != 2 {
		t.Fatalf("conflict payload = %+v", conflict)
	}

	rec = doJSON(e, http.MethodPost, "/api/events/store",
		`{"streamId":"order-42","events":[{"type":"order.shipped"}],"expectedVersion":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("matching version status = %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/api/events/store", `{"streamId":"","events":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid request status = %d", rec.Code)
	}
}

func TestStreamEndpoint(t *testing.T) {
	e, _ := testServer(t)
	doJSON(e, http.MethodPost, "/api/events/store",
		`{"streamId":"order-1","events":[{"type":"a"},{"type":"b"},{"type":"c"}]}`)

	rec := doJSON(e, http.MethodGet, "/api/events/stream/order-1?fromVersion=1&maxCount=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var slice struct {
		Events []struct {
			Type    string `json:"type"`
			Version int64  `json:"version"`
		} `json:"events"`
		IsEndOfStream bool `json:"isEndOfStream"`
	}
	decode(t, rec, &slice)
	if len(slice.Events) != 1 || slice.Events[0].Version != 2 || slice.Events[0].Type != "b" {
		t.Fatalf("slice = %+v", slice)
	}
	if slice.IsEndOfStream {
		t.Fatal("end of stream reported with an event remaining")
	}

	if rec := doJSON(e, http.MethodGet, "/api/events/stream/order-1?fromVersion=oops", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid fromVersion status = %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodGet, "/api/events/stream/order-1?maxCount=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid maxCount status = %d", rec.Code)
	}
}

func TestRebuildEndpoint(t *testing.T) {
	e, orch := testServer(t)
	err := orch.Store.Reducers().Register("order", eventstore.Reducer{
		Initial: json.RawMessage(`{"count":0}`),
		Apply: func(state json.RawMessage, _ domain.Event) (json.RawMessage, error) {
			var s struct {
				Count int `json:"count"`
			}
			if err := json.Unmarshal(state, &s); err != nil {
				return nil, err
			}
			s.Count++
			return json.Marshal(s)
		},
	})
	if err != nil {
		t.Fatalf("register reducer: %v", err)
	}

	doJSON(e, http.MethodPost, "/api/events/store",
		`{"streamId":"order-1","events":[{"type":"a"},{"type":"b"}]}`)

	rec := doJSON(e, http.MethodPost, "/api/events/rebuild", `{"streamId":"order-1","aggregateType":"order"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var rebuilt struct {
		State struct {
			Count int `json:"count"`
		} `json:"state"`
		Version int64 `json:"version"`
	}
	decode(t, rec, &rebuilt)
	if rebuilt.Version != 2 || rebuilt.State.Count != 2 {
		t.Fatalf("rebuilt = %+v", rebuilt)
	}

	rec = doJSON(e, http.MethodPost, "/api/events/rebuild", `{"streamId":"order-1","aggregateType":"ghost"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown aggregate status = %d", rec.Code)
	}
	var fail struct {
		Error string `json:"error"`
	}
	decode(t, rec, &fail)
	if fail.Error != "invalid_input" {
		t.Fatalf("error code = %q", fail.Error)
	}
}

func TestMeshCallEndpointErrorMapping(t *testing.T) {
	e, orch := testServer(t)

	// Point at a port nothing listens on: first call is an upstream
	// failure, which trips the single-failure breaker for the next one.
	if err := orch.Registry.Register(context.Background(), "payments", []string{"http://127.0.0.1:1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/mesh/call", `{"serviceName":"payments","method":"GET","path":"/"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unreachable upstream status = %d body=%s", rec.Code, rec.Body.String())
	}
	var unreachable struct {
		Error   string `json:"error"`
		Service string `json:"service"`
	}
	decode(t, rec, &unreachable)
	if unreachable.Error != "upstream_unreachable" || unreachable.Service != "payments" {
		t.Fatalf("payload = %+v", unreachable)
	}

	rec = doJSON(e, http.MethodPost, "/api/mesh/call", `{"serviceName":"payments","method":"GET","path":"/"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("open circuit status = %d body=%s", rec.Code, rec.Body.String())
	}
	var open struct {
		Error              string `json:"error"`
		CircuitBreakerOpen bool   `json:"circuitBreakerOpen"`
		Service            string `json:"service"`
		RetryAfterMs       int64  `json:"retryAfterMs"`
	}
	decode(t, rec, &open)
	if open.Error != "circuit_open" || !open.CircuitBreakerOpen || open.Service != "payments" {
		t.Fatalf("payload = %+v", open)
	}
	if open.RetryAfterMs <= 0 {
		t.Fatalf("retryAfterMs = %d, want positive", open.RetryAfterMs)
	}

	rec = doJSON(e, http.MethodPost, "/api/mesh/call", `{"serviceName":"ghost"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown service status = %d", rec.Code)
	}
}

func TestMeshCallEndpointProxiesUpstream(t *testing.T) {
	e, orch := testServer(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"flavor":"earl grey"}`))
	}))
	t.Cleanup(upstream.Close)
	if err := orch.Registry.Register(context.Background(), "teapot", []string{upstream.URL}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/mesh/call", `{"serviceName":"teapot","method":"GET","path":"/brew"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status int `json:"status"`
		Body   struct {
			Flavor string `json:"flavor"`
		} `json:"body"`
	}
	decode(t, rec, &resp)
	if resp.Status != http.StatusTeapot || resp.Body.Flavor != "earl grey" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestMeshRegisterAndTopologyEndpoints(t *testing.T) {
	e, _ := testServer(t)

	rec := doJSON(e, http.MethodPost, "/api/mesh/register", `{"name":"payments","endpoints":["http://p:8080"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(e, http.MethodPost, "/api/mesh/register", `{"name":"","endpoints":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid register status = %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/mesh/topology", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("topology status = %d", rec.Code)
	}
	var topo struct {
		Services []struct {
			Name         string `json:"name"`
			CircuitState string `json:"circuitState"`
		} `json:"services"`
	}
	decode(t, rec, &topo)
	if len(topo.Services) != 1 || topo.Services[0].Name != "payments" {
		t.Fatalf("topology = %+v", topo)
	}
	if topo.Services[0].CircuitState != string(domain.CircuitClosed) {
		t.Fatalf("circuit state = %q", topo.Services[0].CircuitState)
	}

	rec = doJSON(e, http.MethodDelete, "/api/mesh/services/payments", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deregister status = %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodDelete, "/api/mesh/services/payments", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("double deregister status = %d", rec.Code)
	}
}

func TestTransactionEndpoints(t *testing.T) {
	e, orch := testServer(t)
	participant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(participant.Close)
	if err := orch.Registry.Register(context.Background(), "payments", []string{participant.URL}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/tx/start",
		`{"participants":[{"service":"payments"}],"payload":{"orderId":"order-42"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var res struct {
		TransactionID string `json:"transactionId"`
		State         string `json:"state"`
	}
	decode(t, rec, &res)
	if res.State != string(domain.TxCommitted) || res.TransactionID == "" {
		t.Fatalf("result = %+v", res)
	}

	rec = doJSON(e, http.MethodGet, "/api/tx/"+res.TransactionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup status = %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodGet, "/api/tx/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tx status = %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/tx/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("tx stats status = %d", rec.Code)
	}
	var stats struct {
		Committed uint64 `json:"committed"`
	}
	decode(t, rec, &stats)
	if stats.Committed != 1 {
		t.Fatalf("committed = %d, want 1", stats.Committed)
	}

	if rec := doJSON(e, http.MethodPost, "/api/tx/start", `{"participants":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("no participants status = %d", rec.Code)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	e, _ := testServer(t)
	doJSON(e, http.MethodPost, "/api/events/store", `{"streamId":"order-1","events":[{"type":"a"}]}`)

	if rec := doJSON(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec := doJSON(e, http.MethodGet, "/api/events/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events stats status = %d", rec.Code)
	}
	var storeStats struct {
		TotalStreams int64 `json:"totalStreams"`
		TotalEvents  int64 `json:"totalEvents"`
	}
	decode(t, rec, &storeStats)
	if storeStats.TotalStreams != 1 || storeStats.TotalEvents != 1 {
		t.Fatalf("store stats = %+v", storeStats)
	}

	rec = doJSON(e, http.MethodGet, "/api/bus/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("bus metrics status = %d", rec.Code)
	}
	var busMetrics struct {
		EventsPublished uint64 `json:"eventsPublished"`
	}
	decode(t, rec, &busMetrics)
	if busMetrics.EventsPublished != 1 {
		t.Fatalf("published = %d, want the republished append", busMetrics.EventsPublished)
	}

	rec = doJSON(e, http.MethodGet, "/api/bus/deadletters", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deadletters status = %d", rec.Code)
	}
	var dlq struct {
		Count   int               `json:"count"`
		Entries []json.RawMessage `json:"entries"`
	}
	decode(t, rec, &dlq)
	if dlq.Count != 0 {
		t.Fatalf("dead letters = %d, want 0", dlq.Count)
	}
	if rec := doJSON(e, http.MethodGet, "/api/bus/deadletters?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("prometheus status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "core_") {
		t.Fatal("prometheus exposition does not include core metrics")
	}
}
