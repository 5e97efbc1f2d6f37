package api

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"
)

func optimizerRunBody(policy string) []byte {
    req := map[string]any{
        "tenantId": "t_test",
        "policy":   policy,
        "stops": map[string]any{
            "a": map[string]float64{"lat": 0, "lng": 0},
            "b": map[string]float64{"lat": 0, "lng": 1},
            "c": map[string]float64{"lat": 1, "lng": 1},
            "d": map[string]float64{"lat": 1, "lng": 0},
        },
        "routes": [][]string{{"a", "c", "b", "d"}},
    }
    b, _ := json.Marshal(req)
    return b
}

func TestOptimizerRunsStartAndFetch(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/optimizer/runs", bytes.NewReader(optimizerRunBody("bfs")))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.OptimizerRunsHandler(rr, req)
    if rr.Code != http.StatusAccepted {
        t.Fatalf("start run: got %d body=%s", rr.Code, rr.Body.String())
    }
    var started struct {
        RunID  string `json:"runId"`
        Status string `json:"status"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &started); err != nil {
        t.Fatalf("decode start response: %v", err)
    }
    if started.RunID == "" {
        t.Fatalf("expected non-empty runId")
    }

    var last map[string]any
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        rr = httptest.NewRecorder()
        req = httptest.NewRequest(http.MethodGet, "/v1/optimizer/runs/"+started.RunID, nil)
        req.Header.Set("X-Tenant-Id", "t_test")
        s.OptimizerRunByIDHandler(rr, req)
        if rr.Code != http.StatusOK {
            t.Fatalf("get run: got %d body=%s", rr.Code, rr.Body.String())
        }
        _ = json.Unmarshal(rr.Body.Bytes(), &last)
        if st, _ := last["status"].(string); st == "completed" || st == "failed" || st == "canceled" {
            break
        }
        time.Sleep(10 * time.Millisecond)
    }
    if st, _ := last["status"].(string); st != "completed" {
        t.Fatalf("expected run to complete, got %v", last)
    }
}

func TestOptimizerRunsRequiresDispatcherOrAdmin(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/optimizer/runs", bytes.NewReader(optimizerRunBody("bfs")))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "customer")
    s.OptimizerRunsHandler(rr, req)
    if rr.Code != http.StatusForbidden {
        t.Fatalf("expected 403, got %d", rr.Code)
    }
}

func TestOptimizerRunsRejectsUnknownStop(t *testing.T) {
    s := newTestServer(t)
    body := []byte(`{"tenantId":"t_test","stops":{"a":{"lat":0,"lng":0}},"routes":[["a","missing"]]}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/optimizer/runs", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.OptimizerRunsHandler(rr, req)
    if rr.Code != http.StatusBadRequest {
        t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
    }
}

func TestOptimizerRunsList(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/optimizer/runs", bytes.NewReader(optimizerRunBody("dfs")))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.OptimizerRunsHandler(rr, req)
    if rr.Code != http.StatusAccepted {
        t.Fatalf("start run: got %d", rr.Code)
    }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/optimizer/runs", nil)
    req.Header.Set("X-Tenant-Id", "t_test")
    s.OptimizerRunsHandler(rr, req)
    if rr.Code != http.StatusOK {
        t.Fatalf("list runs: got %d", rr.Code)
    }
    var listed struct {
        Items []map[string]any `json:"items"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
        t.Fatalf("decode list: %v", err)
    }
    if len(listed.Items) == 0 {
        t.Fatalf("expected at least one run listed")
    }
}

func TestOptimizerRunStreamSendsHeartbeat(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/optimizer/runs", bytes.NewReader(optimizerRunBody("bfs")))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    req.Header.Set("X-Role", "admin")
    s.OptimizerRunsHandler(rr, req)
    var started struct {
        RunID string `json:"runId"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &started)

    sseReq := httptest.NewRequest(http.MethodGet, "/v1/optimizer/runs/"+started.RunID+"/stream", nil)
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    sseReq = sseReq.WithContext(ctx)
    sseReq.Header.Set("X-Tenant-Id", "t_test")

    rec := &sseRecorder{}
    done := make(chan struct{})
    go func() {
        s.OptimizerRunByIDHandler(rec, sseReq)
        close(done)
    }()

    select {
    case <-done:
    case <-time.After(3 * time.Second):
        t.Fatal("stream handler did not return before deadline")
    }
    if !bytes.Contains(rec.buf.Bytes(), []byte("event: heartbeat")) {
        t.Fatalf("expected at least a heartbeat in stream, got: %s", rec.buf.String())
    }
}
