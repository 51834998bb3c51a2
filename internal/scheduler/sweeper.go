package scheduler

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/hypnos-tgbot-go/internal/middleware"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// retryDelay is how long the loop waits after a cron expression failed to
// yield a next tick
const retryDelay = 30 * time.Second

// Store is the conversation state the sweeper prunes
type Store interface {
	Sweep(ttl time.Duration) []models.ConversationKey
	Len() int
}

// Forgetter drops per-conversation state kept outside the store
type Forgetter interface {
	Forget(key models.ConversationKey)
}

// Sweeper drops idle conversations on a cron schedule
type Sweeper struct {
	cron    string
	ttl     time.Duration
	store   Store
	forget  []Forgetter
	metrics *middleware.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// NewSweeper creates a sweeper dropping conversations idle for longer than
// ttl every time cron fires. Swept keys are also passed to every forgetter.
func NewSweeper(cron string, ttl time.Duration, store Store, metrics *middleware.Metrics, logger *logrus.Logger, forget ...Forgetter) *Sweeper {
	return &Sweeper{
		cron:    cron,
		ttl:     ttl,
		store:   store,
		forget:  forget,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Run sweeps on every tick until ctx ends
func (s *Sweeper) Run(ctx context.Context) {
	if s.cron == "" || s.ttl <= 0 {
		s.logger.Info("Conversation sweeping disabled")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"cron":     s.cron,
		"idle_ttl": s.ttl.String(),
	}).Info("Conversation sweeper started")

	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		wait := time.Until(next)
		if err != nil {
			s.logger.WithError(err).WithField("cron", s.cron).Error("Failed to compute next sweep")
			wait = retryDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err == nil {
			s.Sweep()
		}
	}
}

// Sweep drops idle conversations once and returns how many were dropped
func (s *Sweeper) Sweep() int {
	removed := s.store.Sweep(s.ttl)
	for _, key := range removed {
		for _, f := range s.forget {
			f.Forget(key)
		}
	}

	live := s.store.Len()
	if s.metrics != nil {
		s.metrics.SetActiveConversations(float64(live))
	}
	if len(removed) > 0 {
		s.logger.WithFields(logrus.Fields{
			"removed": len(removed),
			"live":    live,
		}).Info("Swept idle conversations")
	}
	return len(removed)
}
