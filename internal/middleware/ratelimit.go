package middleware

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownService is returned for a service without a configured bucket
	ErrUnknownService = errors.New("unknown rate limited service")
	// ErrCostExceedsBurst is returned when a cost can never fit in the bucket
	ErrCostExceedsBurst = errors.New("cost exceeds bucket capacity")
)

// Decision is the outcome of an acquisition attempt. A zero RetryAfter with
// Granted false never happens.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
}

// Limiter gates outbound calls with token buckets: one per service and,
// optionally, one per conversation. All budget mutation happens under mu so
// no acquisition can observe a negative budget.
type Limiter struct {
	mu       sync.Mutex
	services map[string]*rate.Limiter
	perConv  config.ConversationBucket
	convs    map[models.ConversationKey]*rate.Limiter
	logger   *logrus.Logger
	now      func() time.Time
}

// NewLimiter creates a limiter from configuration
func NewLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) *Limiter {
	services := make(map[string]*rate.Limiter, len(cfg.Services))
	for name, bucket := range cfg.Services {
		// Rate per second = RPM / 60
		services[name] = rate.NewLimiter(rate.Limit(bucket.RequestsPerMinute/60.0), bucket.Burst)
	}

	return &Limiter{
		services: services,
		perConv:  cfg.PerConversation,
		convs:    make(map[models.ConversationKey]*rate.Limiter),
		logger:   logger,
		now:      time.Now,
	}
}

// TryAcquire charges cost against the service bucket and, when enabled, the
// conversation bucket. Either every bucket is charged or none is.
func (l *Limiter) TryAcquire(service string, key models.ConversationKey, cost int) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	svc, ok := l.services[service]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	buckets := []*rate.Limiter{svc}
	if l.perConv.Enabled {
		buckets = append(buckets, l.conversationBucket(key))
	}

	now := l.now()
	var wait time.Duration
	for _, b := range buckets {
		if b.Limit() == rate.Inf {
			continue
		}
		if cost > b.Burst() {
			return Decision{}, fmt.Errorf("%w: cost %d, burst %d", ErrCostExceedsBurst, cost, b.Burst())
		}
		if d := deficitDelay(b, now, cost); d > wait {
			wait = d
		}
	}

	if wait > 0 {
		logger.WithConversation(l.logger, key).WithFields(logrus.Fields{
			"service":     service,
			"cost":        cost,
			"retry_after": wait,
		}).Debug("Rate budget exhausted, deferring")
		return Decision{RetryAfter: wait}, nil
	}

	for _, b := range buckets {
		// Cannot fail: every bucket was checked under the same lock
		b.AllowN(now, cost)
	}
	return Decision{Granted: true}, nil
}

// Available reports the tokens currently left in a service bucket
func (l *Limiter) Available(service string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	svc, ok := l.services[service]
	if !ok {
		return 0
	}
	return svc.TokensAt(l.now())
}

// Forget drops the conversation bucket for key
func (l *Limiter) Forget(key models.ConversationKey) {
	l.mu.Lock()
	delete(l.convs, key)
	l.mu.Unlock()
}

// conversationBucket gets or creates the bucket for key. Caller holds mu.
func (l *Limiter) conversationBucket(key models.ConversationKey) *rate.Limiter {
	b, ok := l.convs[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.perConv.RequestsPerMinute/60.0), l.perConv.Burst)
		l.convs[key] = b
	}
	return b
}

// deficitDelay is how long the bucket needs to refill up to cost tokens
func deficitDelay(b *rate.Limiter, now time.Time, cost int) time.Duration {
	tokens := b.TokensAt(now)
	if tokens >= float64(cost) {
		return 0
	}
	if b.Limit() <= 0 {
		return time.Duration(math.MaxInt64)
	}
	seconds := (float64(cost) - tokens) / float64(b.Limit())
	d := time.Duration(math.Ceil(seconds * float64(time.Second)))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
