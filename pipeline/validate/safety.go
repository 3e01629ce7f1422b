// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package validate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/IATI/refresher/pipeline"
)

// RemoveQueue is the queue carrying publisher ids whose black flag should be
// lifted.
const RemoveQueue = "publisher-black-flag-remove"

// Notifier posts black-flag notifications.
type Notifier interface {
	NewBlackFlag(ctx context.Context, publisherID, reason string) error
}

// Safety drains black-flag removals, recomputes flags on dubious publishers
// and notifies the comms hub about new ones.
type Safety struct {
	log      *zap.Logger
	db       pipeline.DB
	queue    redis.Cmdable
	notifier Notifier
	metrics  GaugeSetter

	threshold int
	period    time.Duration
}

// NewSafety creates the safety controller. queueURL may be empty, which
// disables the removal drain.
func NewSafety(log *zap.Logger, db pipeline.DB, queueURL string, notifier Notifier,
	metrics GaugeSetter, threshold int, period time.Duration) (*Safety, error) {
	var queue redis.Cmdable
	if queueURL != "" {
		opts, err := redis.ParseURL(queueURL)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		queue = redis.NewClient(opts)
	}
	return &Safety{
		log:       log,
		db:        db,
		queue:     queue,
		notifier:  notifier,
		metrics:   metrics,
		threshold: threshold,
		period:    period,
	}, nil
}

// RunOnce runs one safety pass.
func (s *Safety) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	s.log.Info("starting safety check")

	s.drainRemovals(ctx)

	if err := s.db.Publishers().BlackFlagDubious(ctx, s.threshold, s.period); err != nil {
		return err
	}

	flagged, err := s.db.Publishers().UnnotifiedBlackFlags(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Set("new_flagged_publishers", float64(len(flagged)))
	}

	reason := fmt.Sprintf("Over %d critical documents in the last %d hours.",
		s.threshold, int(s.period.Hours()))
	for _, orgID := range flagged {
		if err := s.notifier.NewBlackFlag(ctx, orgID, reason); err != nil {
			s.log.Warn("could not notify black flag",
				zap.String("publisher", orgID), zap.Error(err))
			continue
		}
		if err := s.db.Publishers().SetBlackFlagNotified(ctx, orgID); err != nil {
			return err
		}
	}

	s.log.Info("safety check finished", zap.Int("unnotified_flags", len(flagged)))
	return nil
}

// drainRemovals empties the removal queue. Queue trouble is logged, never
// fatal: the next pass will drain again.
func (s *Safety) drainRemovals(ctx context.Context) {
	if s.queue == nil {
		s.log.Warn("no queue configured, skipping black-flag removals")
		return
	}
	for {
		orgID, err := s.queue.LPop(ctx, RemoveQueue).Result()
		if errors.Is(err, redis.Nil) {
			return
		}
		if err != nil {
			s.log.Warn("failed reading black-flag removal queue", zap.Error(err))
			return
		}
		s.log.Info("removing black flag", zap.String("publisher", orgID))
		if err := s.db.Publishers().RemoveBlackFlag(ctx, orgID); err != nil {
			s.log.Warn("could not remove black flag",
				zap.String("publisher", orgID), zap.Error(err))
		}
	}
}
