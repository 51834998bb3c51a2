package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/middleware"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend fails with the scripted errors in order, then succeeds
type scriptedBackend struct {
	mu       sync.Mutex
	failures []error
	calls    int
	delay    time.Duration
}

func (b *scriptedBackend) next(ctx context.Context) error {
	b.mu.Lock()
	b.calls++
	var err error
	if len(b.failures) > 0 {
		err = b.failures[0]
		b.failures = b.failures[1:]
	}
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.delay):
		}
	}
	return err
}

func (b *scriptedBackend) Chat(ctx context.Context, messages []models.Turn) (string, error) {
	if err := b.next(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("reply to %d turns", len(messages)), nil
}

func (b *scriptedBackend) GenerateImage(ctx context.Context, opts models.ImageOptions) (*models.Image, error) {
	if err := b.next(ctx); err != nil {
		return nil, err
	}
	return &models.Image{Bytes: []byte(opts.Prompt), RevisedPrompt: opts.Prompt}, nil
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// openLimiter grants everything after an optional number of deferrals
type openLimiter struct {
	mu        sync.Mutex
	deferrals int
	wait      time.Duration
	acquired  int
}

func (l *openLimiter) TryAcquire(service string, key models.ConversationKey, cost int) (middleware.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deferrals > 0 {
		l.deferrals--
		return middleware.Decision{RetryAfter: l.wait}, nil
	}
	l.acquired += cost
	return middleware.Decision{Granted: true}, nil
}

func policy() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       20 * time.Millisecond,
		Multiplier:      2,
		MaxDelay:        time.Second,
		RequestDeadline: 5 * time.Second,
		AttemptTimeout:  time.Second,
	}
}

func chatRequest() Request {
	return Request{
		ID:       "req-1",
		Key:      models.ConversationKey{ChatID: 1},
		Kind:     KindChat,
		Messages: []models.Turn{{Role: models.RoleUser, Content: "hi"}},
	}
}

func unavailable() error {
	return &StatusError{StatusCode: http.StatusServiceUnavailable, Message: "overloaded"}
}

func TestCallRetriesTransientFailures(t *testing.T) {
	backend := &scriptedBackend{failures: []error{unavailable(), unavailable()}}
	limiter := &openLimiter{}
	client := NewClient(backend, limiter, policy(), nil, logger.Discard())

	start := time.Now()
	artifact, err := client.Call(context.Background(), chatRequest())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "reply to 1 turns", artifact.Text)
	assert.Equal(t, 3, artifact.Attempts)
	assert.Equal(t, 3, backend.Calls())
	assert.Equal(t, 3, limiter.acquired)
	// 20ms after the first failure, 40ms after the second
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestCallRejectionIsNotRetried(t *testing.T) {
	backend := &scriptedBackend{failures: []error{&StatusError{
		StatusCode: http.StatusBadRequest,
		Code:       "content_policy_violation",
		Message:    "rejected by safety system",
	}}}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())

	_, err := client.Call(context.Background(), chatRequest())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, backend.Calls())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 1, apiErr.Attempts)

	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, "content_policy_violation", status.Code)
}

func TestCallAuthenticationFailureIsRejected(t *testing.T) {
	backend := &scriptedBackend{failures: []error{&StatusError{StatusCode: http.StatusUnauthorized}}}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())

	_, err := client.Call(context.Background(), chatRequest())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, backend.Calls())
}

func TestCallExhaustsRetries(t *testing.T) {
	backend := &scriptedBackend{failures: []error{
		unavailable(),
		&StatusError{StatusCode: http.StatusTooManyRequests},
		errors.New("connection reset by peer"),
	}}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())
	var delays []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := client.Call(context.Background(), chatRequest())

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, backend.Calls())
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, delays)
}

func TestCallTimesOutAtDeadline(t *testing.T) {
	backend := &scriptedBackend{delay: 200 * time.Millisecond}
	p := policy()
	p.RequestDeadline = 50 * time.Millisecond
	client := NewClient(backend, &openLimiter{}, p, nil, logger.Discard())

	_, err := client.Call(context.Background(), chatRequest())

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallTimesOutWhenBackoffPassesDeadline(t *testing.T) {
	backend := &scriptedBackend{failures: []error{unavailable()}}
	p := policy()
	p.BaseDelay = time.Second
	p.RequestDeadline = 100 * time.Millisecond
	client := NewClient(backend, &openLimiter{}, p, nil, logger.Discard())

	start := time.Now()
	_, err := client.Call(context.Background(), chatRequest())

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, backend.Calls())
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallWaitsOutRateLimitDeferrals(t *testing.T) {
	backend := &scriptedBackend{}
	limiter := &openLimiter{deferrals: 2, wait: 15 * time.Millisecond}
	client := NewClient(backend, limiter, policy(), nil, logger.Discard())
	var delays []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := client.Call(context.Background(), chatRequest())

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{15 * time.Millisecond, 15 * time.Millisecond}, delays)
	assert.Equal(t, 1, backend.Calls())
}

func TestCallTimesOutWhenDeferredPastDeadline(t *testing.T) {
	backend := &scriptedBackend{}
	limiter := &openLimiter{deferrals: 1, wait: time.Minute}
	client := NewClient(backend, limiter, policy(), nil, logger.Discard())

	_, err := client.Call(context.Background(), chatRequest())

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, backend.Calls())
}

func TestCallRejectsCostBeyondBudget(t *testing.T) {
	limiter := middleware.NewLimiter(&config.RateLimitConfig{
		Services: map[string]config.BucketConfig{
			config.ServiceChat: {RequestsPerMinute: 60, Burst: 0},
		},
	}, logger.Discard())
	backend := &scriptedBackend{}
	client := NewClient(backend, limiter, policy(), nil, logger.Discard())

	_, err := client.Call(context.Background(), chatRequest())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 0, backend.Calls())
}

func TestCallCancelled(t *testing.T) {
	backend := &scriptedBackend{delay: time.Second}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Call(ctx, chatRequest())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallHonoursRetryAfter(t *testing.T) {
	backend := &scriptedBackend{failures: []error{&StatusError{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 2 * time.Second,
	}}}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())
	var delays []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := client.Call(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, delays)
}

func TestBackoff(t *testing.T) {
	p := policy()
	p.BaseDelay = 500 * time.Millisecond
	p.MaxDelay = 3 * time.Second
	client := NewClient(&scriptedBackend{}, &openLimiter{}, p, nil, logger.Discard())

	assert.Equal(t, 500*time.Millisecond, client.backoff(1))
	assert.Equal(t, time.Second, client.backoff(2))
	assert.Equal(t, 2*time.Second, client.backoff(3))
	assert.Equal(t, 3*time.Second, client.backoff(4))

	// Full jitter spreads the delay over [0, d)
	client.policy.Jitter = 1
	client.random = func() float64 { return 0.25 }
	assert.Equal(t, 250*time.Millisecond, client.backoff(2))

	// Half jitter keeps at least half of it
	client.policy.Jitter = 0.5
	client.random = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, client.backoff(2))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&StatusError{StatusCode: 500}))
	assert.True(t, IsTransient(&StatusError{StatusCode: 502}))
	assert.True(t, IsTransient(&StatusError{StatusCode: 408}))
	assert.True(t, IsTransient(&StatusError{StatusCode: 429}))
	assert.True(t, IsTransient(fmt.Errorf("failed to send request: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(&StatusError{StatusCode: 400}))
	assert.False(t, IsTransient(&StatusError{StatusCode: 401}))
	assert.False(t, IsTransient(&StatusError{StatusCode: 403}))
	assert.False(t, IsTransient(Permanent(errors.New("bad payload"))))
}

func TestGenerateImagesReportsPartialFailure(t *testing.T) {
	backend := &scriptedBackend{failures: []error{&StatusError{StatusCode: http.StatusBadRequest}}}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())

	req := Request{ID: "img", Kind: KindImage, Image: models.DefaultImageOptions("a cat")}
	req.Image.Count = 3
	batch, err := client.GenerateImages(context.Background(), req)

	require.NoError(t, err)
	assert.Len(t, batch.Images, 2)
	assert.Equal(t, 1, batch.Failures())
	assert.Equal(t, 3, batch.Attempts)
	assert.Equal(t, 3, backend.Calls())
}

func TestGenerateImagesCapsConcurrentCalls(t *testing.T) {
	backend := &countingImages{delay: 20 * time.Millisecond}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())

	req := Request{ID: "img", Kind: KindImage, Image: models.DefaultImageOptions("a cat")}
	req.Image.Count = models.MaxImageCount
	batch, err := client.GenerateImages(context.Background(), req)

	require.NoError(t, err)
	assert.Len(t, batch.Images, models.MaxImageCount)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&backend.peak)), imageFanOut)
	assert.Equal(t, models.MaxImageCount, batch.Attempts)
}

func TestGenerateImagesWithoutImageIsRejected(t *testing.T) {
	backend := &countingImages{empty: true}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())

	req := Request{ID: "img", Kind: KindImage, Image: models.DefaultImageOptions("a cat")}
	req.Image.Count = 2

	var (
		batch ImageBatch
		err   error
	)
	require.NotPanics(t, func() {
		batch, err = client.GenerateImages(context.Background(), req)
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 2, batch.Failures())
	// Not retried
	assert.Equal(t, 2, batch.Attempts)
}

func TestGenerateImagesAllFailed(t *testing.T) {
	var calls int32
	backend := &failingImages{calls: &calls}
	client := NewClient(backend, &openLimiter{}, policy(), nil, logger.Discard())

	req := Request{ID: "img", Kind: KindImage, Image: models.DefaultImageOptions("a cat")}
	req.Image.Count = 2
	batch, err := client.GenerateImages(context.Background(), req)

	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, batch.Images)
	assert.Equal(t, 2, batch.Failures())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

type failingImages struct {
	calls *int32
}

func (f *failingImages) Chat(ctx context.Context, messages []models.Turn) (string, error) {
	return "", errors.New("unused")
}

func (f *failingImages) GenerateImage(ctx context.Context, opts models.ImageOptions) (*models.Image, error) {
	atomic.AddInt32(f.calls, 1)
	return nil, &StatusError{StatusCode: http.StatusForbidden}
}

// countingImages records how many image calls run at once. With empty set it
// answers without an image or an error.
type countingImages struct {
	delay   time.Duration
	empty   bool
	running int32
	peak    int32
}

func (c *countingImages) Chat(ctx context.Context, messages []models.Turn) (string, error) {
	return "", errors.New("unused")
}

func (c *countingImages) GenerateImage(ctx context.Context, opts models.ImageOptions) (*models.Image, error) {
	now := atomic.AddInt32(&c.running, 1)
	defer atomic.AddInt32(&c.running, -1)
	for {
		peak := atomic.LoadInt32(&c.peak)
		if now <= peak || atomic.CompareAndSwapInt32(&c.peak, peak, now) {
			break
		}
	}
	time.Sleep(c.delay)
	if c.empty {
		return nil, nil
	}
	return &models.Image{Bytes: []byte(opts.Prompt)}, nil
}
