// Package signal implements the inbound entry-signal port: a thin wrapper
// around a detector-supplied stream that guarantees the same correlation id
// is never delivered twice (spec §4.6, property R3).
package signal

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/posedge/engine/internal/core"
)

// DedupPort wraps an underlying core.ISignalPort and filters out any
// Signal whose CorrelationId has already been seen within the retention
// window. Retention is bounded (not indefinite) because correlation ids
// are assumed unique within a detector's own replay window, not globally
// forever.
type DedupPort struct {
	underlying core.ISignalPort
	logger     core.ILogger
	retention  time.Duration

	mu     sync.Mutex
	seen   map[string]*list.Element
	order  *list.List // front = oldest
}

type seenEntry struct {
	correlationId string
	at            time.Time
}

// NewDedupPort builds a DedupPort retaining correlation ids for retention
// (e.g. 24h, comfortably longer than any expected redelivery window).
func NewDedupPort(underlying core.ISignalPort, logger core.ILogger, retention time.Duration) *DedupPort {
	return &DedupPort{
		underlying: underlying,
		logger:     logger.WithField("component", "signal_dedup"),
		retention:  retention,
		seen:       make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Stream starts the underlying stream and relays every signal whose
// CorrelationId has not been seen before, dropping (and logging) the rest.
func (d *DedupPort) Stream(ctx context.Context) (<-chan core.Signal, error) {
	upstream, err := d.underlying.Stream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Signal, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-upstream:
				if !ok {
					return
				}
				if d.admit(sig) {
					select {
					case out <- sig:
					case <-ctx.Done():
						return
					}
				} else {
					d.logger.Info("dropped duplicate signal", "correlation_id", sig.CorrelationId, "symbol", sig.Symbol)
				}
			}
		}
	}()
	return out, nil
}

func (d *DedupPort) admit(sig core.Signal) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.evictExpired()

	if _, dup := d.seen[sig.CorrelationId]; dup {
		return false
	}

	entry := &seenEntry{correlationId: sig.CorrelationId, at: time.Now()}
	elem := d.order.PushBack(entry)
	d.seen[sig.CorrelationId] = elem
	return true
}

func (d *DedupPort) evictExpired() {
	cutoff := time.Now().Add(-d.retention)
	for {
		front := d.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*seenEntry)
		if entry.at.After(cutoff) {
			return
		}
		d.order.Remove(front)
		delete(d.seen, entry.correlationId)
	}
}

var _ core.ISignalPort = (*DedupPort)(nil)
