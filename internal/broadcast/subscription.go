package broadcast

import (
	"context"
	"sync"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// delivery is one queued notification; done is closed once it was delivered,
// failed or discarded.
type delivery struct {
	n    Notification
	done chan struct{}
}

// Subscription is one observer's interest in one job.
//
// Notifications go through a bounded queue drained by a single goroutine, so
// a stalled observer holds at most one in-flight delivery and a full queue.
type Subscription struct {
	ID        string
	JobID     types.JobID
	Principal Principal

	ch  Channel
	hub *Hub

	queue chan delivery
	quit  chan struct{}

	mu      sync.Mutex
	lastSeq uint64
	closed  bool
}

func newSubscription(h *Hub, id string, jobID types.JobID, p Principal, ch Channel, capacity int) *Subscription {
	s := &Subscription{
		ID:        id,
		JobID:     jobID,
		Principal: p,
		ch:        ch,
		hub:       h,
		queue:     make(chan delivery, capacity),
		quit:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Closed reports whether the subscription was removed.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
}

// enqueue queues n and returns its completion channel, or nil when nothing
// was queued. A full queue drops n.
func (s *Subscription) enqueue(n Notification) <-chan struct{} {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if n.Kind == KindEvent && n.Event != nil {
		if n.Event.Seq <= s.lastSeq {
			s.mu.Unlock()
			return nil
		}
		s.lastSeq = n.Event.Seq
	}

	d := delivery{n: n, done: make(chan struct{})}
	select {
	case s.queue <- d:
		s.mu.Unlock()
		return d.done
	default:
		s.mu.Unlock()
		close(d.done)
		s.hub.deliveryFailed(s, n, errQueueFull)
		return nil
	}
}

// run delivers queued notifications in order until the subscription closes.
func (s *Subscription) run() {
	for {
		select {
		case d := <-s.queue:
			s.deliver(d)
		case <-s.quit:
			for {
				select {
				case d := <-s.queue:
					close(d.done)
				default:
					return
				}
			}
		}
	}
}

func (s *Subscription) deliver(d delivery) {
	defer close(d.done)
	if s.Closed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.hub.deliveryTimeout)
	defer cancel()
	if err := s.ch.Deliver(ctx, d.n); err != nil {
		s.hub.deliveryFailed(s, d.n, err)
	}
}
