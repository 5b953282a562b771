// ============================================================================
// docflow Broadcast Hub
// ============================================================================
//
// Package: internal/broadcast
// File: hub.go
// Purpose: Deliver job events and progress to live observers.
//
// Guarantees:
//   - per subscription, notifications are delivered in enqueue order
//     (a bounded queue drained by one goroutine per subscription)
//   - a slow subscriber only delays itself, bounded by DeliveryTimeout;
//     once its queue is full further notifications to it are dropped
//   - a channel that reports ErrChannelClosed is unsubscribed, any other
//     delivery error is counted and the subscription stays
//
// ============================================================================

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrChannelClosed is returned by a Channel whose peer is gone for good.
	ErrChannelClosed = errors.New("broadcast: channel closed")
	// ErrUnauthorized rejects a subscription by a principal that neither owns
	// the job nor is an administrator.
	ErrUnauthorized = errors.New("broadcast: principal not authorized for job")
	// ErrHubClosed is returned by Subscribe after Close.
	ErrHubClosed = errors.New("broadcast: hub closed")

	errQueueFull = errors.New("broadcast: subscriber queue full")
)

const (
	DefaultDeliveryTimeout  = 3 * time.Second
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultQueueSize        = 64
)

// NotificationKind distinguishes persisted events from transient progress.
type NotificationKind string

const (
	KindEvent    NotificationKind = "event"
	KindProgress NotificationKind = "progress"
)

// Notification is what a Channel receives.
type Notification struct {
	JobID    types.JobID
	Kind     NotificationKind
	Event    *types.Event    // set for KindEvent
	Progress *types.Progress // set for KindProgress
}

// Channel is an observer endpoint, e.g. one websocket connection.
// Deliver must honour ctx and be safe for concurrent use.
type Channel interface {
	Deliver(ctx context.Context, n Notification) error
}

// Principal identifies who is subscribing.
type Principal struct {
	ID    string
	Admin bool
}

// Authorizer resolves the owner of a job.
type Authorizer interface {
	OwnerOf(jobID types.JobID) (string, error)
}

// Replayer loads persisted events with Seq > since.
type Replayer interface {
	Replay(ctx context.Context, jobID types.JobID, since uint64) ([]types.Event, error)
}

// FailureRecorder counts failed deliveries.
type FailureRecorder interface {
	RecordBroadcastFailure()
}

type topic struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	progress *rate.Limiter
	removed  bool // dropped from Hub.topics; Subscribe must fetch a fresh one
}

// Hub owns the subscription table.
type Hub struct {
	deliveryTimeout  time.Duration
	progressInterval time.Duration
	queueSize        int
	logger           *slog.Logger

	mu     sync.RWMutex
	topics map[types.JobID]*topic
	closed bool

	depMu    sync.RWMutex
	auth     Authorizer
	replayer Replayer
	failures FailureRecorder
}

// Config tunes a Hub.
type Config struct {
	DeliveryTimeout  time.Duration
	ProgressInterval time.Duration
	QueueSize        int // per subscription, on top of the replayed backlog
	Logger           *slog.Logger
}

// NewHub creates a hub. Zero config values take the defaults.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		deliveryTimeout:  cfg.DeliveryTimeout,
		progressInterval: cfg.ProgressInterval,
		queueSize:        cfg.QueueSize,
		logger:           cfg.Logger,
		topics:           make(map[types.JobID]*topic),
	}
	if h.deliveryTimeout <= 0 {
		h.deliveryTimeout = DefaultDeliveryTimeout
	}
	if h.progressInterval <= 0 {
		h.progressInterval = DefaultProgressInterval
	}
	if h.queueSize <= 0 {
		h.queueSize = DefaultQueueSize
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// SetAuthorizer installs the ownership lookup. Without one every
// non-admin subscription is rejected.
func (h *Hub) SetAuthorizer(a Authorizer) {
	h.depMu.Lock()
	defer h.depMu.Unlock()
	h.auth = a
}

// SetReplayer installs the backlog source used by WithReplay.
func (h *Hub) SetReplayer(r Replayer) {
	h.depMu.Lock()
	defer h.depMu.Unlock()
	h.replayer = r
}

// SetFailureRecorder installs a counter for failed deliveries.
func (h *Hub) SetFailureRecorder(r FailureRecorder) {
	h.depMu.Lock()
	defer h.depMu.Unlock()
	h.failures = r
}

// SubscribeOption customises Subscribe.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	replay bool
	since  uint64
}

// WithReplay delivers persisted events with Seq > since before any live one.
func WithReplay(since uint64) SubscribeOption {
	return func(o *subscribeOptions) {
		o.replay = true
		o.since = since
	}
}

// Subscribe registers ch for the notifications of jobID.
func (h *Hub) Subscribe(ctx context.Context, jobID types.JobID, ch Channel, p Principal, opts ...SubscribeOption) (*Subscription, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := h.authorize(jobID, p); err != nil {
		return nil, err
	}

	// Holding the topic lock while the backlog is queued keeps live events
	// from overtaking it; duplicates are dropped by seq.
	t, err := h.lockTopic(jobID)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()

	var backlog []types.Event
	if o.replay {
		h.depMu.RLock()
		replayer := h.replayer
		h.depMu.RUnlock()
		if replayer != nil {
			backlog, err = replayer.Replay(ctx, jobID, o.since)
			if err != nil {
				return nil, fmt.Errorf("broadcast: load backlog: %w", err)
			}
		}
	}

	sub := newSubscription(h, uuid.NewString(), jobID, p, ch, len(backlog)+h.queueSize)
	sub.lastSeq = o.since
	for i := range backlog {
		ev := backlog[i]
		sub.enqueue(Notification{JobID: jobID, Kind: KindEvent, Event: &ev})
	}

	t.subs[sub.ID] = sub
	h.logger.Debug("subscribed", "jobID", jobID, "subscription", sub.ID, "principal", p.ID)
	return sub, nil
}

func (h *Hub) authorize(jobID types.JobID, p Principal) error {
	if p.Admin {
		return nil
	}
	h.depMu.RLock()
	auth := h.auth
	h.depMu.RUnlock()
	if auth == nil {
		return ErrUnauthorized
	}
	owner, err := auth.OwnerOf(jobID)
	if err != nil {
		return err
	}
	if p.ID == "" || owner != p.ID {
		return ErrUnauthorized
	}
	return nil
}

// lockTopic returns the live topic of jobID with its lock held, creating it
// when needed.
func (h *Hub) lockTopic(jobID types.JobID) (*topic, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		t, ok := h.topics[jobID]
		if !ok {
			t = &topic{
				subs:     make(map[string]*Subscription),
				progress: rate.NewLimiter(rate.Every(h.progressInterval), 1),
			}
			h.topics[jobID] = t
		}
		h.mu.Unlock()

		t.mu.Lock()
		if !t.removed {
			return t, nil
		}
		// emptied and dropped in between
		t.mu.Unlock()
	}
}

func (h *Hub) lookup(jobID types.JobID) *topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[jobID]
}

// Publish fans n out to every subscription of its job without waiting.
func (h *Hub) Publish(n Notification) *Pending {
	t := h.lookup(n.JobID)
	if t == nil {
		return &Pending{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	pending := &Pending{dones: make([]<-chan struct{}, 0, len(t.subs))}
	for _, sub := range t.subs {
		if done := sub.enqueue(n); done != nil {
			pending.dones = append(pending.dones, done)
		}
	}
	return pending
}

// PublishEvent forwards a persisted event.
func (h *Hub) PublishEvent(ev types.Event) {
	h.Publish(Notification{JobID: ev.JobID, Kind: KindEvent, Event: &ev})
}

// PublishProgress forwards progress, rate limited per job. A report of 100%
// is never dropped.
func (h *Hub) PublishProgress(jobID types.JobID, p types.Progress) {
	t := h.lookup(jobID)
	if t == nil {
		return
	}
	if p.Percentage < 100 && !t.progress.Allow() {
		return
	}
	h.Publish(Notification{JobID: jobID, Kind: KindProgress, Progress: &p})
}

// Unsubscribe removes sub. Calling it more than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.close()

	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sub.JobID]
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub.ID)
	if len(t.subs) == 0 {
		t.removed = true
		delete(h.topics, sub.JobID)
	}
	t.mu.Unlock()
}

// CloseJob drops every subscription of an evicted job.
func (h *Hub) CloseJob(jobID types.JobID) {
	h.mu.Lock()
	t, ok := h.topics[jobID]
	delete(h.topics, jobID)
	h.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.removed = true
	for id, sub := range t.subs {
		sub.close()
		delete(t.subs, id)
	}
	t.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, t := range h.topics {
		t.mu.RLock()
		n += len(t.subs)
		t.mu.RUnlock()
	}
	return n
}

// Close drops every subscription; later Subscribe calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	topics := h.topics
	h.topics = make(map[types.JobID]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		t.removed = true
		for _, sub := range t.subs {
			sub.close()
		}
		t.mu.Unlock()
	}
}

func (h *Hub) deliveryFailed(sub *Subscription, n Notification, err error) {
	if errors.Is(err, ErrChannelClosed) {
		h.logger.Debug("subscriber channel closed", "jobID", sub.JobID, "subscription", sub.ID)
		h.Unsubscribe(sub)
		return
	}
	h.depMu.RLock()
	r := h.failures
	h.depMu.RUnlock()
	if r != nil {
		r.RecordBroadcastFailure()
	}
	h.logger.Warn("broadcast delivery failed",
		"jobID", sub.JobID,
		"subscription", sub.ID,
		"kind", n.Kind,
		"category", types.CategoryBroadcast,
		"error", err)
}

// Pending tracks the deliveries started by one Publish.
type Pending struct {
	dones []<-chan struct{}
}

// Wait blocks until every delivery finished or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	for _, done := range p.dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
