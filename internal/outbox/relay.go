package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/domain/ledger"
)

// Relay drains pending events into a ledger.Bridge.
type Relay struct {
	store    Store
	bridge   ledger.Bridge
	lg       *zap.Logger
	batch    int
	interval time.Duration
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	BatchSize int
	Interval  time.Duration
}

// NewRelay creates a Relay.
func NewRelay(store Store, bridge ledger.Bridge, lg *zap.Logger, opts RelayOptions) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Relay{
		store:    store,
		bridge:   bridge,
		lg:       lg,
		batch:    opts.BatchSize,
		interval: opts.Interval,
	}
}

// Drain processes batches until none is full or a batch makes no progress.
func (r *Relay) Drain(ctx context.Context) (Batch, error) {
	var total Batch
	for {
		b, err := r.store.Process(ctx, r.batch, r.dispatch)
		total.Claimed += b.Claimed
		total.Dispatched += b.Dispatched
		total.Failed += b.Failed
		total.DeadLettered += b.DeadLettered
		if err != nil {
			return total, errors.Wrap(err, "process outbox")
		}
		if b.Claimed < r.batch || b.Dispatched == 0 {
			return total, nil
		}
	}
}

// Run drains on every tick until ctx is done. Store errors back off
// exponentially up to the poll interval times ten.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.interval
	bo.MaxInterval = 10 * r.interval

	for {
		b, err := r.Drain(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			wait := bo.NextBackOff()
			r.lg.Warn("Outbox drain failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if b.DeadLettered > 0 {
			r.lg.Warn("Outbox events dead-lettered", zap.Int("count", b.DeadLettered))
		}
		if b.Claimed > 0 {
			r.lg.Debug("Outbox drained",
				zap.Int("dispatched", b.Dispatched),
				zap.Int("failed", b.Failed),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, e Event) error {
	switch e.Kind {
	case KindOrderCompleted:
		ev, err := DecodeOrderEvent(e.Payload)
		if err != nil {
			return err
		}
		return r.bridge.OnOrderCompleted(ctx, ev)
	default:
		return errors.Errorf("unknown event kind %q", e.Kind)
	}
}
