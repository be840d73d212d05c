// Package retention deletes expired events on a schedule and serves erasure
// requests. Both delete by predicate only and are safe to repeat.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/idmcalculus/Simplitics/internal/audit"
	"github.com/idmcalculus/Simplitics/internal/notify"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

const DefaultInterval = 24 * time.Hour

// Report summarizes one sweep.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Sites      int
	Deleted    int64
	Errors     []*SweepError
}

// Err joins the per-site failures, or returns nil.
func (r Report) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Deps are the collaborators of a Sweeper or Eraser. Nil fields get no-op
// implementations.
type Deps struct {
	Publisher notify.Publisher
	Audit     audit.Sink
	Metrics   observability.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

func (d *Deps) defaults(component string) {
	if d.Publisher == nil {
		d.Publisher = &notify.NoopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = observability.NoopMetrics{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Audit == nil {
		d.Audit = audit.NewLogSink(d.Logger)
	}
	d.Logger = observability.Component(d.Logger, component)
}

// Sweeper periodically deletes events older than each site's retention.
type Sweeper struct {
	repo     storage.Repository
	interval time.Duration
	deps     Deps

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSweeper(repo storage.Repository, interval time.Duration, deps Deps) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	deps.defaults("retention")
	return &Sweeper{repo: repo, interval: interval, deps: deps}
}

// Start runs a sweep immediately, then on each tick until Stop or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the loop and waits for the current sweep, if any.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); errors.Is(err, ErrSweepInProgress) {
		s.deps.Logger.Warn("sweep skipped, previous run still active")
	}
}

// RunOnce deletes expired events for every site. Per-site failures are
// logged and collected in the Report; the returned error is reserved for
// failures that stop the whole run.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	rep := Report{RunID: uuid.NewString(), StartedAt: s.deps.Clock().UTC()}
	sites, err := s.repo.ListSites(ctx)
	if err != nil {
		s.deps.Metrics.RetentionSweep(ctx, 0, 0, err)
		s.deps.Logger.Error("sweep failed to list sites", "run_id", rep.RunID, "err", err)
		return rep, err
	}
	rep.Sites = len(sites)

	for _, site := range sites {
		if ctx.Err() != nil {
			break
		}
		cutoff := site.Cutoff(rep.StartedAt)
		n, err := s.repo.DeleteEvents(ctx, storage.EventPredicate{SiteID: site.SiteID, Before: cutoff})
		if err != nil {
			serr := &SweepError{SiteID: site.SiteID, Err: err}
			rep.Errors = append(rep.Errors, serr)
			s.deps.Logger.Error("sweep site failed", "run_id", rep.RunID, "err", serr)
			continue
		}
		rep.Deleted += n
		if n > 0 {
			s.deps.Logger.Debug("sweep site", "site_id", site.SiteID, "deleted", n, "cutoff", cutoff)
		}
	}
	rep.FinishedAt = s.deps.Clock().UTC()

	s.deps.Metrics.RetentionSweep(ctx, rep.Deleted, rep.FinishedAt.Sub(rep.StartedAt), rep.Err())
	s.deps.Logger.Info("sweep completed",
		"run_id", rep.RunID,
		"sites", rep.Sites,
		"deleted", rep.Deleted,
		"failed_sites", len(rep.Errors),
	)
	s.record(ctx, rep)
	return rep, ctx.Err()
}

func (s *Sweeper) record(ctx context.Context, rep Report) {
	failed := make([]string, len(rep.Errors))
	for i, e := range rep.Errors {
		failed[i] = e.SiteID
	}
	payload := notify.SweepCompleted{
		RunID:       rep.RunID,
		Deleted:     rep.Deleted,
		FailedSites: failed,
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
	}
	octx := context.WithoutCancel(ctx)
	if err := s.deps.Audit.Write(octx, audit.Record{Kind: audit.KindSweep, ID: rep.RunID, At: rep.FinishedAt, Payload: payload}); err != nil {
		s.deps.Logger.Warn("audit write failed", "run_id", rep.RunID, "err", err)
	}
	if err := s.deps.Publisher.Publish(octx, notify.TopicSweepCompleted, payload); err != nil {
		s.deps.Logger.Warn("publish sweep notification failed", "run_id", rep.RunID, "err", err)
	}
}
