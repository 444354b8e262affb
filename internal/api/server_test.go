package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zyn-codes/somatic/internal/ipintel"
	"github.com/zyn-codes/somatic/internal/metrics"
	"github.com/zyn-codes/somatic/internal/visits"
)

const testPassword = "s3cret"

type stubIntel struct {
	mu    sync.Mutex
	calls []ipintel.Options
	ips   []string
}

func (s *stubIntel) GetIPInfo(_ context.Context, ip string, opts ipintel.Options) ipintel.Result {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	s.ips = append(s.ips, ip)
	s.mu.Unlock()
	return ipintel.Result{IP: ip, Score: 42, RiskLevel: ipintel.RiskMedium, Reasons: []string{"stub"}}
}

type capturePublisher struct {
	mu     sync.Mutex
	visits []visits.Visit
}

func (p *capturePublisher) PublishVisit(_ context.Context, v visits.Visit) error {
	p.mu.Lock()
	p.visits = append(p.visits, v)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type testEnv struct {
	router *gin.Engine
	repo   *visits.MemoryRepository
	intel  *stubIntel
	pub    *capturePublisher
	hub    *Hub
	m      *metrics.Metrics
}

func newTestEnv(t *testing.T, password string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth, err := NewAdminAuth(password)
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		repo:  visits.NewMemoryRepository(10),
		intel: &stubIntel{},
		pub:   &capturePublisher{},
		hub:   NewHub(nil),
		m:     metrics.New(),
	}
	env.router = NewRouter(Deps{
		Visits:         env.repo,
		Intel:          env.intel,
		Publisher:      env.pub,
		Hub:            env.hub,
		Auth:           auth,
		Metrics:        env.m,
		MaxPayloadSize: 1024,
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestLogVisit(t *testing.T) {
	env := newTestEnv(t, testPassword)

	body := `{"name":"Ada","technicalData":{"timezone":"Europe/London","webrtcIps":["1.2.3.4"],"rtt":320}}`
	req := httptest.NewRequest(http.MethodPost, "/api/log-visit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("X-Forwarded-For", "81.2.69.142, 10.0.0.1")
	req.Header.Set("X-Retry-Attempt", "2")

	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Success bool   `json:"success"`
		VisitID string `json:"visit_id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || !strings.HasPrefix(resp.VisitID, "VISIT-") || resp.Message == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	stored, err := env.repo.Get(context.Background(), resp.VisitID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ClientIP != "81.2.69.142" || stored.RetryAttempt != 2 || stored.IPInfo == nil || stored.IPInfo.Score != 42 {
		t.Fatalf("unexpected stored visit %+v", stored)
	}
	if string(stored.Payload) != body {
		t.Fatalf("payload altered: %s", stored.Payload)
	}

	if len(env.intel.calls) != 1 {
		t.Fatalf("expected one intel lookup, got %d", len(env.intel.calls))
	}
	opts := env.intel.calls[0]
	if opts.ClientTimezone != "Europe/London" || len(opts.WebRTCIPs) != 1 || opts.RTT != 320*time.Millisecond || opts.UserAgent != "Mozilla/5.0" {
		t.Fatalf("scoring hints not passed: %+v", opts)
	}
	if len(env.pub.visits) != 1 || env.pub.visits[0].ID != resp.VisitID {
		t.Fatal("visit not published")
	}
}

func TestLogVisitRejectsBadBodies(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"oversize", `{"blob":"` + strings.Repeat("x", 2000) + `"}`, http.StatusRequestEntityTooLarge},
		{"not json", `not json`, http.StatusBadRequest},
		{"array", `[1,2]`, http.StatusBadRequest},
		{"null", `null`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodPost, "/api/log-visit", strings.NewReader(tt.body)))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if list, _ := env.repo.List(context.Background(), 10); len(list) != 0 {
		t.Fatal("rejected bodies must not be stored")
	}
}

func TestLogVisitHintsWithWrongTypesIgnored(t *testing.T) {
	env := newTestEnv(t, "")
	body := `{"technicalData":{"webrtcIps":"not-a-list"}}`
	w := env.do(httptest.NewRequest(http.MethodPost, "/api/log-visit", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAdminRoutesDisabledWithoutPassword(t *testing.T) {
	env := newTestEnv(t, "")
	for _, path := range []string{"/api/clicks", "/admin/visit/x", "/api/ip-info/1.1.1.1", "/admin/ws"} {
		if w := env.do(httptest.NewRequest(http.MethodGet, path, nil)); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, testPassword)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/clicks", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/clicks", nil)
	req.Header.Set(adminPasswordHeader, "wrong")
	if w := env.do(req); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/clicks", nil)
	req.Header.Set(adminPasswordHeader, testPassword)
	if w := env.do(req); w.Code != http.StatusOK {
		t.Fatalf("header password: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/clicks", nil)
	req.SetBasicAuth("admin", testPassword)
	if w := env.do(req); w.Code != http.StatusOK {
		t.Fatalf("basic auth: status = %d", w.Code)
	}
}

func adminGet(env *testEnv, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(adminPasswordHeader, testPassword)
	return env.do(req)
}

func TestListAndGetVisits(t *testing.T) {
	env := newTestEnv(t, testPassword)
	ctx := context.Background()
	for _, id := range []string{"VISIT-1-AAAAAAAA", "VISIT-2-BBBBBBBB", "VISIT-3-CCCCCCCC"} {
		_ = env.repo.Save(ctx, visits.Visit{ID: id, Payload: json.RawMessage(`{}`)})
	}

	w := adminGet(env, "/api/clicks?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list struct {
		Visits []visits.Visit `json:"visits"`
		Count  int            `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 2 || list.Visits[0].ID != "VISIT-3-CCCCCCCC" {
		t.Fatalf("unexpected list %+v", list)
	}

	if w := adminGet(env, "/api/clicks?limit=abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d", w.Code)
	}
	if w := adminGet(env, "/admin/visit/VISIT-2-BBBBBBBB"); w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	if w := adminGet(env, "/admin/visit/missing"); w.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d", w.Code)
	}
}

func TestIPInfoEndpoint(t *testing.T) {
	env := newTestEnv(t, testPassword)

	if w := adminGet(env, "/api/ip-info/not-an-ip"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid ip: status = %d", w.Code)
	}

	w := adminGet(env, "/api/ip-info/8.8.8.8")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res ipintel.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.IP != "8.8.8.8" || res.Score != 42 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "")
	_ = env.do(httptest.NewRequest(http.MethodPost, "/api/log-visit", strings.NewReader(`{"a":1}`)))

	if w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); w.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d", w.Code)
	}
	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "somatic_visits_ingested_total 1") {
		t.Fatalf("metrics missing visit counter:\n%s", w.Body.String())
	}
}

func TestAdminWebsocketFeed(t *testing.T) {
	env := newTestEnv(t, testPassword)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	header := http.Header{}
	header.Set(adminPasswordHeader, testPassword)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(srv.URL+"/api/log-visit", "application/json", strings.NewReader(`{"form":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string       `json:"type"`
		Data visits.Visit `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "visit" || !strings.HasPrefix(msg.Data.ID, "VISIT-") {
		t.Fatalf("unexpected message %+v", msg)
	}

	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("unauthenticated websocket should be refused")
	}
}
