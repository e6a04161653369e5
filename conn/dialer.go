package conn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/musleh123/portals4/log"
)

// Dialer establishes the byte-stream connections the rdma transport
// backend rides on, with a bounded retry budget and exponential backoff
// per step, generalizing the original engine's per-state retry counters
// (retry_resolve_addr/retry_resolve_route/retry_connect, each seeded to
// 3 in init_connect) into one retry loop since net.Dial folds address
// resolution, route resolution, and the three-way handshake into a
// single call.
type Dialer struct {
	Retries     int
	BaseBackoff time.Duration
	Logger      log.Full
}

// NewDialer builds a Dialer with the supplied retry budget and a
// 50ms base backoff, doubled on each attempt up to a 2s ceiling.
func NewDialer(retries int, logger log.Full) *Dialer {
	if logger == nil {
		logger = log.Nop()
	}
	if retries <= 0 {
		retries = 3
	}
	return &Dialer{Retries: retries, BaseBackoff: 50 * time.Millisecond, Logger: logger}
}

// Dial attempts to connect to addr, retrying up to d.Retries times with
// exponential backoff between attempts. ctx bounds the whole sequence,
// not just a single attempt.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	backoff := d.BaseBackoff
	for attempt := 0; attempt <= d.Retries; attempt++ {
		nc, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err == nil {
			return nc, nil
		}
		lastErr = err
		d.Logger.Debugw("conn: dial attempt failed", "addr", addr, "attempt", attempt, "err", err)

		if attempt == d.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return nil, fmt.Errorf("conn: dial %s: exhausted %d retries: %w", addr, d.Retries, lastErr)
}
