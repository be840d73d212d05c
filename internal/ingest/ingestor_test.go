package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/notify"
	"github.com/idmcalculus/Simplitics/internal/storage"
	"github.com/idmcalculus/Simplitics/internal/storage/memory"
)

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func stored(site string) *domain.StoredEvent {
	return &domain.StoredEvent{SiteID: site, Type: "view", Timestamp: time.Now()}
}

func countEvents(repo storage.Repository, site string) int {
	evs, err := repo.FindEvents(context.Background(), storage.EventFilter{SiteID: site, Limit: storage.MaxLimit})
	if err != nil {
		return -1
	}
	return len(evs)
}

func TestIngestor_FlushesOnSize(t *testing.T) {
	repo := memory.New()
	pub := &recordingPublisher{}
	ig := NewIngestor(repo, 100, 3, time.Hour, pub, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ig.Start(ctx)

	require.True(t, ig.EnqueueAll([]*domain.StoredEvent{stored("s"), stored("s"), stored("s")}))
	assert.Eventually(t, func() bool { return countEvents(repo, "s") == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestIngestor_FlushesOnTimer(t *testing.T) {
	repo := memory.New()
	ig := NewIngestor(repo, 100, 50, 20*time.Millisecond, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ig.Start(ctx)

	require.True(t, ig.Enqueue(stored("s")))
	assert.Eventually(t, func() bool { return countEvents(repo, "s") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestIngestor_FinalFlushOnCancel(t *testing.T) {
	repo := memory.New()
	ig := NewIngestor(repo, 100, 50, time.Hour, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ig.Start(ctx)

	for i := 0; i < 5; i++ {
		require.True(t, ig.Enqueue(stored("s")))
	}
	cancel()
	select {
	case <-ig.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop")
	}
	assert.Equal(t, 5, countEvents(repo, "s"))
}

func TestIngestor_QueueFullIsAllOrNothing(t *testing.T) {
	ig := NewIngestor(memory.New(), 2, 10, time.Hour, nil, nil, nil)

	assert.True(t, ig.Enqueue(stored("s")))
	assert.False(t, ig.EnqueueAll([]*domain.StoredEvent{stored("s"), stored("s")}))
	assert.Len(t, ig.queue, 1)
	assert.True(t, ig.Enqueue(stored("s")))
	assert.False(t, ig.Enqueue(stored("s")))
}

func TestIngestor_StorageFailureIsLoggedAndDropped(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	repo := failingRepo{memory.New(), errors.New("db down")}
	ig := NewIngestor(repo, 10, 1, time.Hour, nil, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	ig.Start(ctx)

	require.True(t, ig.Enqueue(stored("s")))
	cancel()
	<-ig.Done()

	assert.Contains(t, buf.String(), "batch insert failed")
	assert.Contains(t, buf.String(), "component=ingest")
	assert.Empty(t, ig.queue)
}

var _ notify.Publisher = (*recordingPublisher)(nil)
