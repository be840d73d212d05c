// Package transporthttp exposes ingestion, query, site administration and
// erasure over HTTP.
package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/idmcalculus/Simplitics/internal/config"
	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/ingest"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/retention"
	"github.com/idmcalculus/Simplitics/internal/sites"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

type ServerDeps struct {
	Cfg      config.Config
	Pipeline *ingest.Pipeline
	Ingestor *ingest.Ingestor
	Repo     storage.Repository
	Sites    *sites.Service
	Eraser   *retention.Eraser
	Limiter  *RateLimiter
	Metrics  observability.Metrics
	// Snapshot serves GET /metrics when set.
	Snapshot func(context.Context) (observability.Snapshot, error)
	Logger   *slog.Logger
	Now      func() time.Time
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	// Numbers stay json.Number so large numeric ids hash exactly.
	dec.UseNumber()
	return dec.Decode(v)
}

func (d *ServerDeps) invalidJSON(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		WriteProblem(w, http.StatusRequestEntityTooLarge, "payload too large", err.Error(), nil)
		return
	}
	WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
}

func requestMeta(r *http.Request) domain.RequestMeta {
	return domain.RequestMeta{IP: ClientIP(r), UserAgent: r.UserAgent()}
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.Repo.Ping(r.Context()); err != nil {
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "database not reachable", nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Events (single) ---

func (d *ServerDeps) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	site := SiteFrom(r.Context())

	var in domain.InboundEvent
	if err := decodeJSONStrict(r, &in); err != nil {
		d.invalidJSON(w, err)
		return
	}
	ev, err := d.Pipeline.Prepare(r.Context(), site, in, requestMeta(r))
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	if ok := d.Ingestor.Enqueue(ev); !ok {
		WriteProblem(w, http.StatusServiceUnavailable, "overloaded", "ingest queue is full, please retry", nil)
		return
	}
	d.Metrics.EventsAccepted(r.Context(), site.SiteID, 1)

	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": ev.ID})
}

// --- Events (batch) ---

type batchReq struct {
	Events []domain.InboundEvent `json:"events"`
}

func (d *ServerDeps) HandlePostEventsBatch(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	site := SiteFrom(r.Context())

	var br batchReq
	if err := decodeJSONStrict(r, &br); err != nil {
		d.invalidJSON(w, err)
		return
	}
	evs, err := d.Pipeline.PrepareBatch(r.Context(), site, br.Events, requestMeta(r))
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	if ok := d.Ingestor.EnqueueAll(evs); !ok {
		WriteProblem(w, http.StatusServiceUnavailable, "overloaded", "ingest queue is full, please retry", nil)
		return
	}
	d.Metrics.EventsAccepted(r.Context(), site.SiteID, len(evs))

	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"accepted_count": len(evs), "ids": ids})
}

// --- Events (query) ---

const defaultWindow = 24 * time.Hour
const maxWindow = 90 * 24 * time.Hour

// parseTime accepts RFC 3339 or epoch seconds.
func parseTime(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseWindow reads from/to, defaulting to the last 24h and capping the
// range at 90 days.
func (d *ServerDeps) parseWindow(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	to = d.Now().UTC()
	if s := q.Get("to"); s != "" {
		if to, err = parseTime(s); err != nil {
			return from, to, errors.New("to must be RFC 3339 or epoch seconds")
		}
	}
	from = to.Add(-defaultWindow)
	if s := q.Get("from"); s != "" {
		if from, err = parseTime(s); err != nil {
			return from, to, errors.New("from must be RFC 3339 or epoch seconds")
		}
	}
	if from.After(to) {
		return from, to, errors.New("from must not be after to")
	}
	if to.Sub(from) > maxWindow {
		from = to.Add(-maxWindow)
	}
	return from, to, nil
}

func (d *ServerDeps) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	site := SiteFrom(r.Context())
	from, to, err := d.parseWindow(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
		return
	}
	f := storage.EventFilter{SiteID: site.SiteID, From: from, To: to}
	for _, t := range r.URL.Query()["type"] {
		for _, name := range strings.Split(t, ",") {
			if name = strings.TrimSpace(name); name != "" {
				f.Types = append(f.Types, name)
			}
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > storage.MaxLimit {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "limit must be between 1 and "+strconv.Itoa(storage.MaxLimit), nil)
			return
		}
		f.Limit = n
	}

	evs, err := d.Repo.FindEvents(r.Context(), f)
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	if evs == nil {
		evs = []*domain.StoredEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// --- Insights ---

type insightsResp struct {
	From   time.Time        `json:"from"`
	To     time.Time        `json:"to"`
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"byType"`
}

func (d *ServerDeps) HandleGetInsights(w http.ResponseWriter, r *http.Request) {
	site := SiteFrom(r.Context())
	from, to, err := d.parseWindow(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
		return
	}
	counts, err := d.Repo.CountEventsByType(r.Context(), storage.EventFilter{SiteID: site.SiteID, From: from, To: to})
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	resp := insightsResp{From: from, To: to, ByType: counts}
	for _, n := range counts {
		resp.Total += n
	}
	WriteJSON(w, http.StatusOK, resp)
}

// --- GDPR ---

type erasureReq struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

func (d *ServerDeps) HandleErasure(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	site := SiteFrom(r.Context())

	var req erasureReq
	if err := decodeJSONStrict(r, &req); err != nil {
		d.invalidJSON(w, err)
		return
	}
	res, err := d.Eraser.Erase(r.Context(), retention.ErasureRequest{SiteID: site.SiteID, UserID: req.UserID, SessionID: req.SessionID})
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// --- Sites (admin) ---

type siteResp struct {
	Site   *domain.Site `json:"site"`
	APIKey string       `json:"apiKey,omitempty"`
}

func (d *ServerDeps) HandleCreateSite(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var reg sites.Registration
	if err := decodeJSONStrict(r, &reg); err != nil {
		d.invalidJSON(w, err)
		return
	}
	site, key, err := d.Sites.Register(r.Context(), reg)
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, siteResp{Site: site, APIKey: key})
}

func (d *ServerDeps) HandleListSites(w http.ResponseWriter, r *http.Request) {
	list, err := d.Sites.List(r.Context())
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sites": list})
}

func (d *ServerDeps) HandleGetSite(w http.ResponseWriter, r *http.Request) {
	site, err := d.Sites.Get(r.Context(), r.PathValue("siteId"))
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, siteResp{Site: site})
}

func (d *ServerDeps) HandleUpdateSite(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var u sites.Update
	if err := decodeJSONStrict(r, &u); err != nil {
		d.invalidJSON(w, err)
		return
	}
	site, err := d.Sites.Update(r.Context(), r.PathValue("siteId"), u)
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, siteResp{Site: site})
}

func (d *ServerDeps) HandleRotateKey(w http.ResponseWriter, r *http.Request) {
	siteID := r.PathValue("siteId")
	key, err := d.Sites.RotateKey(r.Context(), siteID)
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"siteId": siteID, "apiKey": key})
}

// --- Router ---

// --- Metrics ---

func (d *ServerDeps) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := d.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, d.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (d *ServerDeps) Router() http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = observability.NoopMetrics{}
	}
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter(d.Cfg.RateLimitPerMin, d.Now)
	}
	d.Logger = observability.Component(d.Logger, "api")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.HandleHealthz)
	mux.HandleFunc("GET /readyz", d.HandleReadyz)

	body := []func(http.Handler) http.Handler{RequireJSON, BodyLimit(d.Cfg.MaxBodyBytes)}
	api := []func(http.Handler) http.Handler{
		RateLimit(d.Limiter, ByClientIP),
		SiteAuth(d.Sites, d.Logger),
		RateLimit(d.Limiter, BySite),
	}
	admin := []func(http.Handler) http.Handler{AdminAuth(d.Cfg.AdminToken)}

	mux.Handle("POST /v1/events", chain(http.HandlerFunc(d.HandlePostEvent), append(api, body...)...))
	mux.Handle("POST /v1/events/batch", chain(http.HandlerFunc(d.HandlePostEventsBatch), append(api, body...)...))
	mux.Handle("GET /v1/events", chain(http.HandlerFunc(d.HandleGetEvents), api...))
	mux.Handle("GET /v1/insights", chain(http.HandlerFunc(d.HandleGetInsights), api...))
	mux.Handle("POST /v1/gdpr/erasure", chain(http.HandlerFunc(d.HandleErasure), append(api, body...)...))

	mux.Handle("POST /v1/sites", chain(http.HandlerFunc(d.HandleCreateSite), append(admin, body...)...))
	mux.Handle("GET /v1/sites", chain(http.HandlerFunc(d.HandleListSites), admin...))
	mux.Handle("GET /v1/sites/{siteId}", chain(http.HandlerFunc(d.HandleGetSite), admin...))
	mux.Handle("PATCH /v1/sites/{siteId}", chain(http.HandlerFunc(d.HandleUpdateSite), append(admin, body...)...))
	mux.Handle("POST /v1/sites/{siteId}/rotate-key", chain(http.HandlerFunc(d.HandleRotateKey), admin...))
	if d.Snapshot != nil {
		mux.Handle("GET /metrics", chain(http.HandlerFunc(d.HandleMetrics), admin...))
	}

	return RequestLog(d.Logger)(mux)
}
