package server

import (
	"context"
	"sync"
	"time"

	"github.com/marqueelabs/gatesync/internal/scans"
)

// ScanEventMessage fans newly admitted scans out to shell subscribers.
type ScanEventMessage struct {
	Events    []scans.ScanEvent `json:"events"`
	Remote    bool              `json:"remote"`
	Timestamp time.Time         `json:"timestamp"`
}

// ScanDispatcher delivers admitted scan events, local and replicated, to the
// shell's event stream. Slow subscribers drop messages rather than stall the
// scanning path.
type ScanDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*scanSubscriber
	nextID      int64
	bufferSize  int
}

type scanSubscriber struct {
	id     int64
	stream chan ScanEventMessage
}

// NewScanDispatcher constructs a dispatcher with a small per-subscriber buffer.
func NewScanDispatcher() *ScanDispatcher {
	return &ScanDispatcher{
		subscribers: make(map[int64]*scanSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that is removed when the context ends.
func (d *ScanDispatcher) Subscribe(ctx context.Context) (<-chan ScanEventMessage, func()) {
	subscriber := &scanSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ScanEventMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans a message out to every subscriber, dropping on full buffers.
func (d *ScanDispatcher) Publish(message ScanEventMessage) {
	if len(message.Events) == 0 {
		return
	}
	d.mu.RLock()
	copies := make([]*scanSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *ScanDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ScanDispatcher) registerSubscriber(subscriber *scanSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *ScanDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
