package transporthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmcalculus/Simplitics/internal/config"
	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/ingest"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/retention"
	"github.com/idmcalculus/Simplitics/internal/sites"
	"github.com/idmcalculus/Simplitics/internal/storage"
	"github.com/idmcalculus/Simplitics/internal/storage/memory"
	"github.com/idmcalculus/Simplitics/internal/vault"
)

const adminToken = "admin-secret"

type testServer struct {
	h       http.Handler
	repo    *memory.Repository
	vault   *vault.Vault
	limiter *RateLimiter
	apiKey  string
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	return newTestServerWith(t, mutate, nil)
}

func newTestServerWith(t *testing.T, mutate func(*config.Config), wire func(*ServerDeps)) *testServer {
	t.Helper()
	cfg, err := config.Parse(func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	cfg.AdminToken = adminToken
	if mutate != nil {
		mutate(&cfg)
	}

	v, err := vault.New(vault.Options{Secret: "000102030405060708090a0b0c0d0e0f", HashIdentifiers: true})
	require.NoError(t, err)
	repo := memory.New()
	ig := ingest.NewIngestor(repo, cfg.QueueMaxSize, 1, 10*time.Millisecond, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ig.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-ig.Done()
	})

	svc := sites.NewService(repo, v, nil, cfg.RetentionDays, nil)
	_, key, err := svc.Register(context.Background(), sites.Registration{SiteID: "shop", Name: "Shop"})
	require.NoError(t, err)

	deps := &ServerDeps{
		Cfg:      cfg,
		Pipeline: ingest.NewPipeline(v),
		Ingestor: ig,
		Repo:     repo,
		Sites:    svc,
		Eraser:   retention.NewEraser(repo, v.Hasher, retention.Deps{}),
	}
	if wire != nil {
		wire(deps)
	}
	h := deps.Router()
	return &testServer{h: h, repo: repo, vault: v, limiter: deps.Limiter, apiKey: key}
}

func (s *testServer) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) site() map[string]string {
	return map[string]string{APIKeyHeader: s.apiKey, "User-Agent": "test-agent", "X-Forwarded-For": "198.51.100.4, 10.0.0.1"}
}

func (s *testServer) waitStored(t *testing.T, n int) []*domain.StoredEvent {
	t.Helper()
	var evs []*domain.StoredEvent
	require.Eventually(t, func() bool {
		var err error
		evs, err = s.repo.FindEvents(context.Background(), storage.EventFilter{SiteID: "shop", Limit: storage.MaxLimit})
		return err == nil && len(evs) == n
	}, 2*time.Second, 10*time.Millisecond)
	return evs
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	return m
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "", nil).Code)
	rr := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))
}

func TestPostEvent_StoresProtectedEvent(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do(t, http.MethodPost, "/v1/events",
		`{"type":"signup","properties":{"email":"a@b.com","userId":"u-1","plan":"pro"},"sessionId":"sess-1"}`, s.site())
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id := decode(t, rr)["id"].(string)

	evs := s.waitStored(t, 1)
	ev := evs[0]
	assert.Equal(t, id, ev.ID)
	assert.NotContains(t, ev.Properties, "email")
	assert.Equal(t, s.vault.Hasher.HashIdentifier("u-1"), ev.Properties["userId"])

	ip, err := s.vault.Cipher.DecryptString(ev.IP)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", ip)
	ua, err := s.vault.Cipher.DecryptString(ev.UserAgent)
	require.NoError(t, err)
	assert.Equal(t, "test-agent", ua)
}

func TestPostEvent_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	rr := s.do(t, http.MethodPost, "/v1/events", `{"type":"x","properties":{}}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = s.do(t, http.MethodPost, "/v1/events", `{"type":"bad name","properties":{}}`, s.site())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "InvalidEventName")

	rr = s.do(t, http.MethodPost, "/v1/events", `{"type":"x","properties":{},"extra":1}`, s.site())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{}`))
	req.Header.Set(APIKeyHeader, s.apiKey)
	req.Header.Set("Content-Type", "text/plain")
	rr = httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)

	rr = s.do(t, http.MethodGet, "/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPostEvent_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.MaxBodyBytes = 32 })
	rr := s.do(t, http.MethodPost, "/v1/events", `{"type":"x","properties":{"plan":"`+strings.Repeat("p", 64)+`"}}`, s.site())
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestPostEventsBatch(t *testing.T) {
	s := newTestServer(t, nil)
	rr := s.do(t, http.MethodPost, "/v1/events/batch",
		`{"events":[{"type":"a","properties":{}},{"type":"b","properties":{"phone":"1"}}]}`, s.site())
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.EqualValues(t, 2, decode(t, rr)["accepted_count"])
	s.waitStored(t, 2)

	rr = s.do(t, http.MethodPost, "/v1/events/batch",
		`{"events":[{"type":"a","properties":{}},{"type":"","properties":{}}]}`, s.site())
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var p Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Contains(t, p.Errors, "events[1].type")
}

func TestGetEventsAndInsights(t *testing.T) {
	s := newTestServer(t, nil)
	for _, typ := range []string{"view", "view", "click"} {
		rr := s.do(t, http.MethodPost, "/v1/events", `{"type":"`+typ+`","properties":{"url":"https://x.example/a/?utm_source=n"}}`, s.site())
		require.Equal(t, http.StatusAccepted, rr.Code)
	}
	s.waitStored(t, 3)

	rr := s.do(t, http.MethodGet, "/v1/events?type=view&limit=10", "", s.site())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Events []struct {
			Type       string `json:"type"`
			Properties string `json:"properties"`
			SiteID     string `json:"siteId"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "shop", body.Events[0].SiteID)
	assert.JSONEq(t, `{"url":"https://x.example/a"}`, body.Events[0].Properties)

	rr = s.do(t, http.MethodGet, "/v1/insights", "", s.site())
	require.Equal(t, http.StatusOK, rr.Code)
	var ins insightsResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ins))
	assert.Equal(t, int64(3), ins.Total)
	assert.Equal(t, map[string]int64{"view": 2, "click": 1}, ins.ByType)

	rr = s.do(t, http.MethodGet, "/v1/events?limit=5000", "", s.site())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = s.do(t, http.MethodGet, "/v1/insights?from=yesterday", "", s.site())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestErasure(t *testing.T) {
	s := newTestServer(t, nil)
	for _, uid := range []string{"u-1", "u-1", "u-2"} {
		rr := s.do(t, http.MethodPost, "/v1/events", `{"type":"view","properties":{"userId":"`+uid+`"}}`, s.site())
		require.Equal(t, http.StatusAccepted, rr.Code)
	}
	s.waitStored(t, 3)

	rr := s.do(t, http.MethodPost, "/v1/gdpr/erasure", `{"userId":"u-1"}`, s.site())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 2, decode(t, rr)["deleted"])
	s.waitStored(t, 1)

	rr = s.do(t, http.MethodPost, "/v1/gdpr/erasure", `{}`, s.site())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestErasure_MatchesIngestedIdentifiers(t *testing.T) {
	s := newTestServer(t, nil)
	bodies := []string{
		`{"type":"view","properties":{"userId":" padded "}}`,
		`{"type":"view","properties":{"userId":12345678901234567890}}`,
		`{"type":"view","properties":{"userId":12345678901234567891}}`,
		`{"type":"view","properties":{},"sessionId":" sess-9 "}`,
	}
	for _, b := range bodies {
		rr := s.do(t, http.MethodPost, "/v1/events", b, s.site())
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	}
	s.waitStored(t, 4)

	for _, tc := range []struct {
		body string
		left int
	}{
		{`{"userId":" padded "}`, 3},
		{`{"userId":"12345678901234567890"}`, 2},
		{`{"sessionId":"sess-9"}`, 1},
	} {
		rr := s.do(t, http.MethodPost, "/v1/gdpr/erasure", tc.body, s.site())
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.EqualValues(t, 1, decode(t, rr)["deleted"], tc.body)
		s.waitStored(t, tc.left)
	}

	evs := s.waitStored(t, 1)
	assert.Equal(t, s.vault.Hasher.HashIdentifier("12345678901234567891"), evs[0].Properties["userId"])
}

func TestSitesAdmin(t *testing.T) {
	s := newTestServer(t, nil)
	admin := map[string]string{"Authorization": "Bearer " + adminToken}

	rr := s.do(t, http.MethodPost, "/v1/sites", `{"siteId":"blog","name":"Blog"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/v1/sites", `{"siteId":"blog","name":"Blog"}`, admin)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	key := decode(t, rr)["apiKey"].(string)
	assert.NotEmpty(t, key)
	assert.NotContains(t, rr.Body.String(), "apiKeyHash")

	rr = s.do(t, http.MethodPost, "/v1/sites", `{"siteId":"blog","name":"Again"}`, admin)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(t, http.MethodPatch, "/v1/sites/blog", `{"retentionDays":7,"settings":{"trackIP":false}}`, admin)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	site, err := s.repo.GetSite(context.Background(), "blog")
	require.NoError(t, err)
	assert.Equal(t, 7, site.RetentionDays)
	assert.False(t, site.TrackIP())

	rr = s.do(t, http.MethodPatch, "/v1/sites/missing", `{"retentionDays":7}`, admin)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPost, "/v1/events", `{"type":"view","properties":{}}`, map[string]string{APIKeyHeader: key})
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool {
		evs, err := s.repo.FindEvents(context.Background(), storage.EventFilter{SiteID: "blog"})
		return err == nil && len(evs) == 1 && evs[0].IP == ""
	}, 2*time.Second, 10*time.Millisecond)

	rr = s.do(t, http.MethodPost, "/v1/sites/blog/rotate-key", "", admin)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodGet, "/v1/events", "", map[string]string{APIKeyHeader: key})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSitesAdmin_DisabledWithoutToken(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.AdminToken = "" })
	rr := s.do(t, http.MethodGet, "/v1/sites", "", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimitPerMin = 2 })
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/insights", "", s.site()).Code)
	}
	rr := s.do(t, http.MethodGet, "/v1/insights", "", s.site())
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "3", rr.Header().Get("Retry-After"))
}

func TestRateLimit_UnauthenticatedKeysShareIPBucket(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimitPerMin = 2 })
	hdr := func(key string) map[string]string {
		return map[string]string{APIKeyHeader: key, "X-Forwarded-For": "203.0.113.50"}
	}

	for _, bogus := range []string{"sk_guess1", "sk_guess2"} {
		assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/insights", "", hdr(bogus)).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/v1/insights", "", hdr("sk_guess3")).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/v1/insights", "", hdr(s.apiKey)).Code)

	s.limiter.mu.Lock()
	defer s.limiter.mu.Unlock()
	for k := range s.limiter.clients {
		assert.NotContains(t, k, "sk_", "limiter keys must not hold API keys")
	}
}

func TestRateLimit_PerSiteAcrossIPs(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimitPerMin = 2 })
	for i, ip := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		rr := s.do(t, http.MethodGet, "/v1/insights", "", map[string]string{APIKeyHeader: s.apiKey, "X-Forwarded-For": ip})
		if i < 2 {
			assert.Equal(t, http.StatusOK, rr.Code)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	admin := map[string]string{"Authorization": "Bearer " + adminToken}

	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/metrics", "", admin).Code)

	s = newTestServerWith(t, nil, func(d *ServerDeps) {
		d.Snapshot = func(context.Context) (observability.Snapshot, error) {
			return observability.Snapshot{"simplitics.events.accepted": 7}, nil
		}
	})
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/metrics", "", nil).Code)
	rr := s.do(t, http.MethodGet, "/metrics", "", admin)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 7, decode(t, rr)["simplitics.events.accepted"])
}
