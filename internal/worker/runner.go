package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source is the part of the Kafka consumer the runner needs.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Handler processes one message. Retryable errors (see apperr.IsRetryable)
// are retried in place; any other error drops the message.
type Handler func(ctx context.Context, m kafka.Message) error

// Runner fans messages out to a fixed set of processors. Messages with the
// same key always land on the same processor, so per-customer order holds.
// Offsets are committed per partition only once every earlier offset of
// that partition was processed.
type Runner struct {
	Name    string
	Source  Source
	Handle  Handler
	Workers int

	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Log             *zap.Logger
}

// Run blocks until ctx is cancelled and every processor returned.
func (r *Runner) Run(ctx context.Context) error {
	if r.Source == nil || r.Handle == nil {
		return errors.New("worker: source and handler are required")
	}
	if r.Workers <= 0 {
		r.Workers = 16
	}
	if r.RetryBackoff <= 0 {
		r.RetryBackoff = 100 * time.Millisecond
	}
	if r.MaxRetryBackoff <= 0 {
		r.MaxRetryBackoff = 5 * time.Second
	}
	if r.Log == nil {
		r.Log = zap.NewNop()
	}
	log := r.Log.Named(r.Name)

	lanes := make([]chan kafka.Message, r.Workers)
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 2)
	}

	offsets := newOffsetTracker()
	g, gctx := errgroup.WithContext(ctx)

	// fetcher
	g.Go(func() error {
		defer func() {
			for _, l := range lanes {
				close(l)
			}
		}()
		for {
			m, err := r.Source.Fetch(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				log.Warn("kafka fetch failed", zap.Error(err))
				if !sleep(gctx, 200*time.Millisecond) {
					return nil
				}
				continue
			}
			offsets.track(m)
			lane := lanes[laneOf(m, len(lanes))]
			select {
			case lane <- m:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for i := range lanes {
		in := lanes[i]
		g.Go(func() error {
			for m := range in {
				if !r.process(gctx, log, m) {
					continue
				}
				head, ok := offsets.complete(m)
				if !ok {
					continue
				}
				// at-least-once; handlers are idempotent
				if err := offsets.commit(gctx, r.Source, head); err != nil && gctx.Err() == nil {
					log.Warn("kafka commit failed", zap.Int("partition", head.Partition), zap.Int64("offset", head.Offset), zap.Error(err))
				}
			}
			return nil
		})
	}

	log.Info("worker started", zap.Int("workers", r.Workers))
	return g.Wait()
}

func laneOf(m kafka.Message, n int) int {
	if len(m.Key) == 0 {
		return int(m.Offset % int64(n))
	}
	return int(xxhash.Sum64(m.Key) % uint64(n))
}

// process reports whether m is finished, either handled or dropped as poison.
func (r *Runner) process(ctx context.Context, log *zap.Logger, m kafka.Message) bool {
	backoff := r.RetryBackoff
	for {
		err := r.Handle(ctx, m)
		if err == nil {
			return true
		}
		if !apperr.IsRetryable(err) {
			// poison: commit and skip
			log.Error("dropping message",
				zap.String("topic", m.Topic),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			return true
		}
		log.Warn("retrying message", zap.Int64("offset", m.Offset), zap.Duration("backoff", backoff), zap.Error(err))
		if !sleep(ctx, backoff) {
			// left in flight: its partition is not committed past it
			return false
		}
		backoff = min(2*backoff, r.MaxRetryBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
