package ai

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/middleware"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Kind of a logical provider call
type Kind int

const (
	KindChat Kind = iota
	KindImage
)

func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "chat"
}

// Service returns the rate limiter service the kind is charged against
func (k Kind) Service() string {
	if k == KindImage {
		return config.ServiceImage
	}
	return config.ServiceChat
}

// Request is one logical call. Messages is used for chat, Image for image
// generation (Count is ignored, one image per call).
type Request struct {
	ID       string
	Key      models.ConversationKey
	Kind     Kind
	Messages []models.Turn
	Image    models.ImageOptions
}

// Acquirer grants rate budget
type Acquirer interface {
	TryAcquire(service string, key models.ConversationKey, cost int) (middleware.Decision, error)
}

// Client runs provider calls under the rate limiter with retry and backoff
type Client struct {
	backend Backend
	limiter Acquirer
	policy  config.RetryConfig
	metrics *middleware.Metrics
	logger  *logrus.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// NewClient creates a client. metrics may be nil.
func NewClient(backend Backend, limiter Acquirer, policy config.RetryConfig, metrics *middleware.Metrics, logger *logrus.Logger) *Client {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Client{
		backend: backend,
		limiter: limiter,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
		sleep:   sleepContext,
		random:  rand.Float64,
	}
}

// Call performs req. Each attempt first acquires one unit of rate budget,
// waiting out deferrals. Transient failures are retried with exponential
// backoff up to MaxAttempts; anything else ends the call. The whole call,
// waits included, is bounded by RequestDeadline.
func (c *Client) Call(ctx context.Context, req Request) (models.Artifact, error) {
	if c.policy.RequestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.RequestDeadline)
		defer cancel()
	}

	log := logger.WithConversation(c.logger, req.Key).WithFields(logrus.Fields{
		"request_id": req.ID,
		"kind":       req.Kind.String(),
	})

	attempt := 0
	for {
		if err := c.acquire(ctx, req); err != nil {
			return models.Artifact{}, c.terminal(ctx, attempt, err)
		}

		attempt++
		if c.metrics != nil {
			c.metrics.RecordAttempt(req.Kind.String())
		}
		artifact, err := c.attempt(ctx, req)
		if err == nil {
			log.WithField("attempt", attempt).Debug("AI request succeeded")
			artifact.Attempts = attempt
			return artifact, nil
		}
		if ctx.Err() != nil {
			return models.Artifact{}, c.terminal(ctx, attempt, err)
		}
		if !IsTransient(err) {
			log.WithError(err).WithField("attempt", attempt).Warn("AI request rejected")
			return models.Artifact{}, &APIError{Kind: ErrRejected, Attempts: attempt, Err: err}
		}
		if attempt >= c.policy.MaxAttempts {
			log.WithError(err).WithField("attempt", attempt).Warn("AI request retries exhausted")
			return models.Artifact{}, &APIError{Kind: ErrExhausted, Attempts: attempt, Err: err}
		}

		delay := c.backoff(attempt)
		if hint := retryAfter(err); hint > delay {
			delay = hint
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return models.Artifact{}, &APIError{Kind: ErrTimeout, Attempts: attempt, Err: err}
		}

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		}).Warn("AI request failed, retrying...")

		if err := c.sleep(ctx, delay); err != nil {
			return models.Artifact{}, c.terminal(ctx, attempt, err)
		}
	}
}

// acquire waits until the limiter grants one unit for req
func (c *Client) acquire(ctx context.Context, req Request) error {
	service := req.Kind.Service()
	for {
		decision, err := c.limiter.TryAcquire(service, req.Key, 1)
		if err != nil {
			return Permanent(err)
		}
		if decision.Granted {
			return nil
		}

		if c.metrics != nil {
			c.metrics.RecordRateLimitDeferred(service)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < decision.RetryAfter {
			return context.DeadlineExceeded
		}
		if err := c.sleep(ctx, decision.RetryAfter); err != nil {
			return err
		}
	}
}

// attempt issues one provider call under the per attempt timeout
func (c *Client) attempt(ctx context.Context, req Request) (models.Artifact, error) {
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()
	}

	switch req.Kind {
	case KindImage:
		img, err := c.backend.GenerateImage(ctx, req.Image)
		if err != nil {
			return models.Artifact{}, err
		}
		if img == nil {
			return models.Artifact{}, Permanent(errNoImage)
		}
		return models.Artifact{Image: img}, nil
	default:
		text, err := c.backend.Chat(ctx, req.Messages)
		if err != nil {
			return models.Artifact{}, err
		}
		return models.Artifact{Text: text}, nil
	}
}

// terminal maps the failure that ended a call to its APIError
func (c *Client) terminal(ctx context.Context, attempts int, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &APIError{Kind: ErrCancelled, Attempts: attempts, Err: ctx.Err()}
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &APIError{Kind: ErrTimeout, Attempts: attempts, Err: err}
	case !IsTransient(err):
		return &APIError{Kind: ErrRejected, Attempts: attempts, Err: err}
	default:
		return &APIError{Kind: ErrTransient, Attempts: attempts, Err: err}
	}
}

// backoff returns the delay after the given failed attempt:
// base * multiplier^(attempt-1), capped, with the jitter fraction of it
// randomised. A jitter of 1 is full jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.policy.BaseDelay) * math.Pow(c.policy.Multiplier, float64(attempt-1))
	if c.policy.MaxDelay > 0 && d > float64(c.policy.MaxDelay) {
		d = float64(c.policy.MaxDelay)
	}
	if j := c.policy.Jitter; j > 0 {
		if j > 1 {
			j = 1
		}
		d = d*(1-j) + c.random()*d*j
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
