// Package tracker is the client-side consent gate. Events tracked before the
// user consents are held in memory and submitted once, in order, when
// tracking is enabled.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/ingest"
	"github.com/idmcalculus/Simplitics/internal/observability"
)

// State is the consent state of a Tracker.
type State int

const (
	Uninitialized State = iota
	NoConsent
	Consented
)

func (s State) String() string {
	switch s {
	case NoConsent:
		return "no_consent"
	case Consented:
		return "consented"
	default:
		return "uninitialized"
	}
}

var ErrClosed = errors.New("tracker: closed")

const (
	defaultMaxConcurrentSends = 8
	defaultSendTimeout        = 10 * time.Second
)

// Event is a tracked event. Seq is assigned on submission to the Sender and
// is zero while the event is queued.
type Event struct {
	Seq        uint64
	Type       string
	Properties map[string]any
	Timestamp  time.Time
	SessionID  string
}

// Options configures a Tracker.
type Options struct {
	// ConsentRequired makes NoConsent the initial state when no flag is stored.
	ConsentRequired    bool
	SessionID          string
	MaxConcurrentSends int
	SendTimeout        time.Duration
	Logger             *slog.Logger
	Clock              func() time.Time
}

type Tracker struct {
	sender  Sender
	consent ConsentStore
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	queue  *Queue
	seq    uint64
	closed bool

	group *errgroup.Group
	// inflight is added to under mu so Close cannot miss a submission.
	inflight sync.WaitGroup
}

func New(sender Sender, consent ConsentStore, opts Options) *Tracker {
	if consent == nil {
		consent = &MemoryConsentStore{}
	}
	if opts.MaxConcurrentSends <= 0 {
		opts.MaxConcurrentSends = defaultMaxConcurrentSends
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	g := new(errgroup.Group)
	g.SetLimit(opts.MaxConcurrentSends)
	return &Tracker{
		sender:  sender,
		consent: consent,
		opts:    opts,
		logger:  observability.Component(opts.Logger, "tracker"),
		queue:   NewQueue(),
		group:   g,
	}
}

// Init reads the persisted consent flag. When consent is granted anything
// tracked before Init is submitted.
func (t *Tracker) Init(ctx context.Context) error {
	granted, found, err := t.consent.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		granted = !t.opts.ConsentRequired
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !granted {
		t.state = NoConsent
		t.mu.Unlock()
		return nil
	}
	t.state = Consented
	batch := t.drainLocked()
	t.mu.Unlock()

	t.submit(ctx, batch)
	return nil
}

// Track validates the event and either submits or queues it. Validation
// errors are returned synchronously; delivery is fire-and-forget.
func (t *Tracker) Track(ctx context.Context, name string, props map[string]any) (Event, error) {
	if err := domain.ValidateEvent(name, props); err != nil {
		return Event{}, err
	}
	ev := Event{
		Type:       name,
		Properties: maps.Clone(props),
		Timestamp:  t.opts.Clock().UTC(),
		SessionID:  t.opts.SessionID,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Event{}, ErrClosed
	}
	if t.state != Consented {
		t.queue.Enqueue(ev)
		t.mu.Unlock()
		return ev, nil
	}
	t.seq++
	ev.Seq = t.seq
	t.inflight.Add(1)
	t.mu.Unlock()

	t.submit(ctx, []Event{ev})
	return ev, nil
}

// EnableTracking records consent and submits the queued events in order.
func (t *Tracker) EnableTracking(ctx context.Context) error {
	if err := t.consent.Save(ctx, true); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.state = Consented
	batch := t.drainLocked()
	t.mu.Unlock()

	if len(batch) > 0 {
		t.logger.InfoContext(ctx, "consent granted, flushing queue", "events", len(batch))
	}
	t.submit(ctx, batch)
	return nil
}

// DisableTracking revokes consent. Events already submitted are unaffected.
func (t *Tracker) DisableTracking(ctx context.Context) error {
	if err := t.consent.Save(ctx, false); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.state = NoConsent
	return nil
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns the number of events waiting for consent.
func (t *Tracker) Pending() int {
	return t.queue.Len()
}

// Close stops accepting events and waits for in-flight sends. Queued events
// are discarded.
func (t *Tracker) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.inflight.Wait()
	return t.group.Wait()
}

// drainLocked empties the queue and numbers the events. t.mu must be held.
func (t *Tracker) drainLocked() []Event {
	batch := t.queue.Drain()
	for i := range batch {
		t.seq++
		batch[i].Seq = t.seq
	}
	t.inflight.Add(len(batch))
	return batch
}

func (t *Tracker) submit(ctx context.Context, batch []Event) {
	base := context.WithoutCancel(ctx)
	for _, ev := range batch {
		t.group.Go(func() error {
			defer t.inflight.Done()
			sctx, cancel := context.WithTimeout(base, t.opts.SendTimeout)
			defer cancel()
			if err := t.sender.Send(sctx, ev); err != nil {
				derr := &ingest.DeliveryError{Count: 1, Err: err}
				t.logger.Warn("event dropped", "err", derr, "seq", ev.Seq, "type", ev.Type)
			}
			return nil
		})
	}
}
