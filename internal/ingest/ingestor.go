package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/notify"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

// flushTimeout bounds the final flush after the ingestor's context ends.
const flushTimeout = 10 * time.Second

// Ingestor buffers prepared events in a bounded queue and writes them to the
// repository in batches of up to batchMaxSize, or every batchMaxWait.
type Ingestor struct {
	queue        chan *domain.StoredEvent
	repo         storage.Repository
	publisher    notify.Publisher
	metrics      observability.Metrics
	logger       *slog.Logger
	batchMaxSize int
	batchMaxWait time.Duration

	enqueueMu sync.Mutex
	done      chan struct{}
}

func NewIngestor(repo storage.Repository, queueMaxSize, batchMaxSize int, batchMaxWait time.Duration,
	publisher notify.Publisher, metrics observability.Metrics, logger *slog.Logger) *Ingestor {
	if publisher == nil {
		publisher = &notify.NoopPublisher{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Ingestor{
		queue:        make(chan *domain.StoredEvent, queueMaxSize),
		repo:         repo,
		publisher:    publisher,
		metrics:      metrics,
		logger:       observability.Component(logger, "ingest"),
		batchMaxSize: batchMaxSize,
		batchMaxWait: batchMaxWait,
		done:         make(chan struct{}),
	}
}

// Start runs the batching loop until ctx ends, then flushes what is queued.
func (ig *Ingestor) Start(ctx context.Context) {
	go func() {
		defer close(ig.done)
		batch := make([]*domain.StoredEvent, 0, ig.batchMaxSize)
		t := time.NewTimer(ig.batchMaxWait)
		defer t.Stop()

		resetTimer := func() {
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(ig.batchMaxWait)
		}

		flush := func(ctx context.Context) {
			if len(batch) == 0 {
				resetTimer()
				return
			}
			ig.write(ctx, batch)
			batch = batch[:0]
			resetTimer()
		}

		for {
			select {
			case <-ctx.Done():
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			drain:
				for {
					select {
					case ev := <-ig.queue:
						batch = append(batch, ev)
						if len(batch) >= ig.batchMaxSize {
							flush(fctx)
						}
					default:
						break drain
					}
				}
				flush(fctx)
				cancel()
				return
			case ev := <-ig.queue:
				batch = append(batch, ev)
				if len(batch) >= ig.batchMaxSize {
					flush(ctx)
				}
			case <-t.C:
				flush(ctx)
			}
		}
	}()
}

// Done is closed once the loop has exited and the final flush completed.
func (ig *Ingestor) Done() <-chan struct{} { return ig.done }

func (ig *Ingestor) write(ctx context.Context, batch []*domain.StoredEvent) {
	affected, err := ig.repo.CreateEvents(ctx, batch)
	if err != nil {
		derr := &DeliveryError{Count: len(batch), Err: err}
		ig.metrics.EventsDropped(ctx, "storage", len(batch))
		ig.logger.Error("batch insert failed", "err", derr, "dropped", len(batch))
		return
	}
	ig.metrics.EventsStored(ctx, affected)
	ig.logger.Debug("batch insert ok", "inserted", affected, "size", len(batch))

	perSite := make(map[string]int64)
	for _, ev := range batch {
		perSite[ev.SiteID]++
	}
	if err := ig.publisher.Publish(ctx, notify.TopicEventsStored, notify.EventsStored{PerSite: perSite, Total: affected}); err != nil {
		ig.logger.Warn("publish stored notification failed", "err", err)
	}
}

// Enqueue adds ev without blocking. It reports false when the queue is full.
func (ig *Ingestor) Enqueue(ev *domain.StoredEvent) bool {
	return ig.EnqueueAll([]*domain.StoredEvent{ev})
}

// EnqueueAll adds every event or none of them.
func (ig *Ingestor) EnqueueAll(evs []*domain.StoredEvent) bool {
	ig.enqueueMu.Lock()
	defer ig.enqueueMu.Unlock()
	if cap(ig.queue)-len(ig.queue) < len(evs) {
		ig.metrics.EventsDropped(context.Background(), "queue_full", len(evs))
		return false
	}
	for _, ev := range evs {
		ig.queue <- ev
	}
	return true
}
