package signal

import (
	"context"

	"github.com/posedge/engine/internal/core"
)

// WebhookPort is the simplest concrete core.ISignalPort: an inbound queue
// any transport can push into (here, the operator HTTP API's POST
// /signals handler — spec §4.6's "pluggable detector" left the producer
// unspecified, so the runtime host carries a minimal built-in one rather
// than forcing every deployment to bring its own).
type WebhookPort struct {
	ch chan core.Signal
}

// NewWebhookPort builds a WebhookPort with the given inbound buffer size.
func NewWebhookPort(buffer int) *WebhookPort {
	return &WebhookPort{ch: make(chan core.Signal, buffer)}
}

// Submit enqueues a signal for delivery, dropping it if the buffer is full
// rather than blocking the HTTP request indefinitely.
func (p *WebhookPort) Submit(sig core.Signal) bool {
	select {
	case p.ch <- sig:
		return true
	default:
		return false
	}
}

// Stream returns the inbound channel directly; Submit is the only writer.
func (p *WebhookPort) Stream(ctx context.Context) (<-chan core.Signal, error) {
	return p.ch, nil
}

var _ core.ISignalPort = (*WebhookPort)(nil)
