// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package uploadstream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/muse/muse/uploads"
)

// Filter selects the uploads a subscriber receives.
type Filter struct {
	UserID uuid.UUID
	// SubmissionID narrows the filter to a single submission when set.
	SubmissionID *uuid.UUID
}

// Match returns whether upload passes the filter.
func (filter Filter) Match(upload uploads.Upload) bool {
	if upload.UserID != filter.UserID {
		return false
	}
	return filter.SubmissionID == nil || upload.SubmissionID == *filter.SubmissionID
}

// Source produces uploads until ctx is canceled or it fails.
//
// *Listener implements it.
type Source interface {
	Run(ctx context.Context, emit func(uploads.Upload)) error
}

// Router delivers every upload from a source to the matching subscribers.
//
// Delivery to a subscriber never blocks the router: when a subscriber's buffer
// is full, its oldest event is dropped.
type Router struct {
	log        *zap.Logger
	bufferSize int

	mu            sync.RWMutex
	closed        bool
	subscriptions map[*Subscription]struct{}
}

// NewRouter creates a router buffering up to bufferSize events per subscriber.
func NewRouter(log *zap.Logger, bufferSize int) *Router {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Router{
		log:           log,
		bufferSize:    bufferSize,
		subscriptions: map[*Subscription]struct{}{},
	}
}

// Run feeds uploads from source to subscribers. When source stops, every
// subscription is closed and the source error is returned.
func (router *Router) Run(ctx context.Context, source Source) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer router.closeAll()

	return source.Run(ctx, router.Publish)
}

// Subscribe registers a subscriber for uploads matching filter. Subscribing to
// a stopped router returns an already closed subscription.
func (router *Router) Subscribe(filter Filter) *Subscription {
	subscription := &Subscription{
		router: router,
		filter: filter,
		events: make(chan uploads.Upload, router.bufferSize),
	}

	router.mu.Lock()
	defer router.mu.Unlock()

	if router.closed {
		subscription.close(false)
		return subscription
	}
	router.subscriptions[subscription] = struct{}{}
	mon.IntVal("subscribers").Observe(int64(len(router.subscriptions)))
	return subscription
}

// Publish delivers upload to every matching subscriber.
func (router *Router) Publish(upload uploads.Upload) {
	router.mu.RLock()
	defer router.mu.RUnlock()

	for subscription := range router.subscriptions {
		if !subscription.filter.Match(upload) {
			continue
		}
		if subscription.deliver(upload) {
			mon.Counter("subscriber_events_dropped").Inc(1)
			router.log.Debug("subscriber buffer full, dropped oldest event",
				zap.Stringer("user", subscription.filter.UserID))
		}
	}
}

// Err returns ErrStopped once the router no longer delivers events.
func (router *Router) Err() error {
	router.mu.RLock()
	defer router.mu.RUnlock()
	if router.closed {
		return ErrStopped.New("")
	}
	return nil
}

// Close stops the router and closes every subscription.
func (router *Router) Close() error {
	router.closeAll()
	return nil
}

func (router *Router) closeAll() {
	router.mu.Lock()
	defer router.mu.Unlock()

	router.closed = true
	for subscription := range router.subscriptions {
		subscription.close(false)
		delete(router.subscriptions, subscription)
	}
}

func (router *Router) remove(subscription *Subscription) {
	router.mu.Lock()
	defer router.mu.Unlock()
	delete(router.subscriptions, subscription)
}

// Subscription is a single subscriber of a Router.
type Subscription struct {
	router *Router
	filter Filter

	mu     sync.Mutex
	closed bool
	events chan uploads.Upload
}

// Events returns the channel of matching uploads. It is closed when the
// subscription is closed or the router stops; after a router stop the
// buffered events are still received.
func (subscription *Subscription) Events() <-chan uploads.Upload {
	return subscription.events
}

// Close unsubscribes. No events are delivered after Close returns.
func (subscription *Subscription) Close() {
	subscription.router.remove(subscription)
	subscription.close(true)
}

// deliver enqueues upload, dropping the oldest queued event when the buffer is
// full. It returns whether an event was dropped.
func (subscription *Subscription) deliver(upload uploads.Upload) (dropped bool) {
	subscription.mu.Lock()
	defer subscription.mu.Unlock()

	if subscription.closed {
		return false
	}
	for {
		select {
		case subscription.events <- upload:
			return dropped
		default:
		}
		select {
		case <-subscription.events:
			dropped = true
		default:
		}
	}
}

// close closes the events channel. With discard set, events still buffered
// are dropped instead of being left for the reader.
func (subscription *Subscription) close(discard bool) {
	subscription.mu.Lock()
	defer subscription.mu.Unlock()

	if subscription.closed {
		return
	}
	subscription.closed = true
	for discard {
		select {
		case <-subscription.events:
		default:
			discard = false
		}
	}
	close(subscription.events)
}
