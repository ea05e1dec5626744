package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/openrounds/fieldsync/internal/bus"
	"github.com/openrounds/fieldsync/internal/capture"
	"github.com/openrounds/fieldsync/internal/conflict"
	"github.com/openrounds/fieldsync/internal/engine"
	"github.com/openrounds/fieldsync/internal/gateway"
	"github.com/openrounds/fieldsync/internal/queue"
	"github.com/openrounds/fieldsync/internal/remote"
)

const testToken = "test-token"

type appliedRemote struct{}

func (appliedRemote) Submit(context.Context, queue.Operation) (*remote.SubmitResult, error) {
	return &remote.SubmitResult{Outcome: remote.OutcomeApplied}, nil
}

func (appliedRemote) Resolve(context.Context, string, string, string, json.RawMessage) (*remote.SubmitResult, error) {
	return &remote.SubmitResult{Outcome: remote.OutcomeApplied}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *queue.Store) {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	validator, err := capture.NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	eng := engine.New(engine.Options{
		Store:    store,
		Remote:   appliedRemote{},
		Detector: conflict.NewDetector(store, nil, nil),
	})
	srv := gateway.New(gateway.Config{
		Store:             store,
		Capture:           capture.NewAdapter(store, validator),
		Engine:            eng,
		Resolver:          conflict.NewResolver(store, appliedRemote{}, nil, nil),
		Bus:               bus.New(),
		AuthToken:         testToken,
		ConfigFingerprint: "cfg-test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

type wsCall struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wsReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func roundTrip(t *testing.T, conn *websocket.Conn, call wsCall) wsReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, call); err != nil {
		t.Fatalf("write %s: %v", call.Method, err)
	}
	var reply wsReply
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read %s reply: %v", call.Method, err)
	}
	return reply
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["db_ok"] != true {
		t.Fatalf("expected db_ok, got %v", body)
	}
}

func TestMetricsRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated metrics must 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get metrics with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestWSRejectsMissingToken(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("handshake without a token must fail")
	}
}

func TestSyncStatusRPC(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	reply := roundTrip(t, conn, wsCall{JSONRPC: "2.0", ID: 1, Method: "sync.status"})
	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}
	var status map[string]any
	if err := json.Unmarshal(reply.Result, &status); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if status["config_hash"] != "cfg-test" {
		t.Fatalf("config hash missing: %v", status)
	}
	if status["online"] != false {
		t.Fatalf("engine starts offline: %v", status)
	}
}

func TestEnqueueRPC(t *testing.T) {
	ts, store := newTestServer(t)
	conn := dialWS(t, ts)

	reply := roundTrip(t, conn, wsCall{JSONRPC: "2.0", ID: 2, Method: "sync.enqueue", Params: map[string]any{
		"kind":       "task_completion",
		"entity_ref": "task/t1",
		"payload":    json.RawMessage(`{"task_id":"t1","completed_at":"2026-08-01T10:00:00Z"}`),
	}})
	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}
	var result struct {
		OperationID string `json:"operation_id"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != "pending" || result.OperationID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	op, err := store.Get(context.Background(), result.OperationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.EntityRef != "task/t1" {
		t.Fatalf("operation not persisted correctly: %+v", op)
	}
}

func TestEnqueueRPCValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	reply := roundTrip(t, conn, wsCall{JSONRPC: "2.0", ID: 3, Method: "sync.enqueue", Params: map[string]any{
		"kind":       "task_completion",
		"entity_ref": "task/t1",
		"payload":    json.RawMessage(`{"missing":"fields"}`),
	}})
	if reply.Error == nil || reply.Error.Code != gateway.ErrCodeValidation {
		t.Fatalf("expected validation error 1422, got %+v", reply.Error)
	}
}

func TestQueueListRequiresStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	reply := roundTrip(t, conn, wsCall{JSONRPC: "2.0", ID: 4, Method: "queue.list", Params: map[string]any{}})
	if reply.Error == nil || reply.Error.Code != gateway.ErrCodeInvalid {
		t.Fatalf("expected invalid params error, got %+v", reply.Error)
	}
}

func TestConflictResolveNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	reply := roundTrip(t, conn, wsCall{JSONRPC: "2.0", ID: 5, Method: "conflict.resolve", Params: map[string]any{
		"conflict_id": "missing",
		"resolution":  "server",
	}})
	if reply.Error == nil || reply.Error.Code != gateway.ErrCodeNotFound {
		t.Fatalf("expected 1404, got %+v", reply.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	reply := roundTrip(t, conn, wsCall{JSONRPC: "2.0", ID: 6, Method: "nope"})
	if reply.Error == nil || reply.Error.Code != gateway.ErrCodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", reply.Error)
	}
}

func TestSubscribeForwardsBusEvents(t *testing.T) {
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	eventBus := bus.New()
	validator, err := capture.NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	eng := engine.New(engine.Options{
		Store:    store,
		Remote:   appliedRemote{},
		Detector: conflict.NewDetector(store, eventBus, nil),
		Bus:      eventBus,
	})
	srv := gateway.New(gateway.Config{
		Store:     store,
		Capture:   capture.NewAdapter(store, validator),
		Engine:    eng,
		Resolver:  conflict.NewResolver(store, appliedRemote{}, eventBus, nil),
		Bus:       eventBus,
		AuthToken: testToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts)
	reply := roundTrip(t, conn, wsCall{JSONRPC: "2.0", ID: 7, Method: "sync.subscribe", Params: map[string]any{"prefix": "connectivity."}})
	if reply.Error != nil {
		t.Fatalf("subscribe: %+v", reply.Error)
	}

	eng.SetOnline(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var note struct {
		Method string `json:"method"`
		Params struct {
			Topic string `json:"topic"`
		} `json:"params"`
	}
	if err := wsjson.Read(ctx, conn, &note); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if note.Method != "sync.event" || note.Params.Topic != bus.TopicConnectivity {
		t.Fatalf("unexpected notification: %+v", note)
	}
}
