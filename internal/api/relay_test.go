package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zyn-codes/somatic/internal/delivery"
	"github.com/zyn-codes/somatic/internal/queue"
	"github.com/zyn-codes/somatic/internal/store"
)

func newRelay(t *testing.T, backend http.HandlerFunc) (*gin.Engine, *queue.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	st := queue.NewStore(store.NewMemoryBackend(), queue.StoreConfig{Namespace: "relay", MaxPayloadSize: 512}, nil)
	mgr := queue.NewManager(queue.Deps{
		Store:  st,
		Sender: delivery.NewClient(srv.URL, time.Second, nil),
	}, queue.Config{InitialDelay: time.Hour, SweepInterval: time.Hour})
	t.Cleanup(mgr.Stop)

	return NewRelayRouter(mgr, 512, nil, nil), mgr
}

func submit(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(body)))
	return w
}

func TestRelaySubmitDelivered(t *testing.T) {
	r, _ := newRelay(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"visit_id":"VISIT-1-00000000"}`))
	})

	w := submit(r, `{"name":"Ada"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "delivered" || !strings.Contains(string(resp.Data), "VISIT-1-00000000") {
		t.Fatalf("unexpected response %s", w.Body.String())
	}
}

func TestRelaySubmitQueuedThenListed(t *testing.T) {
	var calls atomic.Int32
	r, mgr := newRelay(t, func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	w := submit(r, `{"name":"Ada"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if n := len(mgr.Pending(context.Background())); n != 1 {
		t.Fatalf("expected one pending envelope, got %d", n)
	}

	lw := httptest.NewRecorder()
	r.ServeHTTP(lw, httptest.NewRequest(http.MethodGet, "/queue", nil))
	if lw.Code != http.StatusOK || !strings.Contains(lw.Body.String(), `"count":1`) {
		t.Fatalf("queue listing: %d %s", lw.Code, lw.Body.String())
	}
}

func TestRelaySubmitRejections(t *testing.T) {
	r, mgr := newRelay(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	if w := submit(r, `{"blob":"`+strings.Repeat("x", 600)+`"}`); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize: status = %d", w.Code)
	}
	if w := submit(r, `{"broken":`); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid: status = %d", w.Code)
	}
	w := submit(r, `{"ok":true}`)
	if w.Code != http.StatusUnprocessableEntity || !strings.Contains(w.Body.String(), `"upstream_status":400`) {
		t.Fatalf("fatal: %d %s", w.Code, w.Body.String())
	}
	if n := len(mgr.Pending(context.Background())); n != 0 {
		t.Fatalf("rejected submissions must not be queued, got %d", n)
	}
}
