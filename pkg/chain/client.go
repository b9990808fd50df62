// Package chain abstracts the blockchain submission client consumed by the
// envelope service. Submission and batching live outside this repo; this
// package carries the interface plus the bounded confirmation poller.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Confirmation is one chain-confirmed scope update.
type Confirmation struct {
	ScopeUUID uuid.UUID
	// LastEventGroup is the group uuid of the scope's most recent confirmed
	// event; index transitions compare it against the local record's group.
	LastEventGroup uuid.UUID
	TxHash         string
	BlockHeight    int64
	Confirmed      bool
}

// Client submits signed envelope results and reports confirmation status.
type Client interface {
	Submit(ctx context.Context, payload []byte) (txHash string, err error)
	Status(ctx context.Context, txHash string) (Confirmation, error)
}

// PollerConfig bounds the confirmation wait loop.
type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollerConfig mirrors the stock submission cadence.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{Interval: 2 * time.Second, MaxAttempts: 30}
}

// AwaitConfirmation polls for a transaction with fixed sleep intervals and a
// hard attempt ceiling. Exhausting the ceiling converts to a fatal error;
// there is no cooperative cancellation beyond ctx.
func AwaitConfirmation(ctx context.Context, c Client, txHash string, cfg PollerConfig) (Confirmation, error) {
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		conf, err := c.Status(ctx, txHash)
		if err != nil {
			return Confirmation{}, fmt.Errorf("chain: status for %s: %w", txHash, err)
		}
		if conf.Confirmed {
			return conf, nil
		}
		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
	return Confirmation{}, fmt.Errorf("chain: %s unconfirmed after %d attempts", txHash, cfg.MaxAttempts)
}
