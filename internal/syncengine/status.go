package syncengine

import (
	"context"
	"fmt"
	"sync"
)

// StatusKind discriminates the sync status union.
type StatusKind int

const (
	// StatusIdle means no sync activity since startup.
	StatusIdle StatusKind = iota
	// StatusSyncing means a pass is in flight.
	StatusSyncing
	// StatusSuccess means the last pass completed.
	StatusSuccess
	// StatusError means the last pass failed.
	StatusError
)

// Status is the transient engine state exposed to observers. Exactly the
// fields relevant to Kind are populated.
type Status struct {
	Kind       StatusKind
	Pending    int
	Uploaded   int
	Downloaded int
	Message    string
	Retryable  bool
}

// Idle returns the initial status.
func Idle() Status {
	return Status{Kind: StatusIdle}
}

// Syncing reports a pass in flight with the queue size at pass start.
func Syncing(pending int) Status {
	return Status{Kind: StatusSyncing, Pending: pending}
}

// Success reports a completed pass.
func Success(uploaded, downloaded int) Status {
	return Status{Kind: StatusSuccess, Uploaded: uploaded, Downloaded: downloaded}
}

// Failure reports a failed pass.
func Failure(message string, retryable bool) Status {
	return Status{Kind: StatusError, Message: message, Retryable: retryable}
}

// String names the status for logs.
func (s Status) String() string {
	switch s.Kind {
	case StatusSyncing:
		return fmt.Sprintf("syncing(pending=%d)", s.Pending)
	case StatusSuccess:
		return fmt.Sprintf("success(uploaded=%d, downloaded=%d)", s.Uploaded, s.Downloaded)
	case StatusError:
		return fmt.Sprintf("error(%s, retryable=%t)", s.Message, s.Retryable)
	default:
		return "idle"
	}
}

// statusDispatcher fans status transitions out to observers. A new observer
// first receives the latest status, then every transition after it.
type statusDispatcher struct {
	mu          sync.Mutex
	latest      Status
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	stream chan Status
}

func newStatusDispatcher() *statusDispatcher {
	return &statusDispatcher{
		latest:      Idle(),
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  16,
	}
}

func (d *statusDispatcher) publish(status Status) {
	d.mu.Lock()
	d.latest = status
	copies := make([]*statusSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.Unlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- status:
		default:
		}
	}
}

func (d *statusDispatcher) current() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

func (d *statusDispatcher) subscribe(ctx context.Context) (<-chan Status, func()) {
	subscriber := &statusSubscriber{stream: make(chan Status, d.bufferSize)}

	// The replay send happens under mu so no concurrent publish can slip a
	// newer status ahead of it. The channel is fresh and buffered, so the
	// send cannot block.
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	subscriber.stream <- d.latest
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, subscriber.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}
