package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/i18n"
	"github.com/hypnos-tgbot-go/internal/middleware"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/internal/parser"
	"github.com/hypnos-tgbot-go/internal/services/ai"
	"github.com/hypnos-tgbot-go/internal/services/conversation"
	"github.com/hypnos-tgbot-go/internal/services/dice"
	"github.com/hypnos-tgbot-go/internal/services/ledger"
	"github.com/hypnos-tgbot-go/internal/services/traffic"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

const deliverTimeout = 30 * time.Second

// ErrGatewayClosed is returned by Run when the inbound stream ends while the
// dispatcher is still accepting work
var ErrGatewayClosed = errors.New("gateway event stream closed")

// Gateway accepts outbound messages
type Gateway interface {
	Deliver(ctx context.Context, out models.Outbound) error
}

// APIClient performs generative requests
type APIClient interface {
	Call(ctx context.Context, req ai.Request) (models.Artifact, error)
	GenerateImages(ctx context.Context, req ai.Request) (ai.ImageBatch, error)
}

// Dispatcher turns inbound events into work. Intake never waits on that
// work: every command runs in its own goroutine and its responses are
// delivered in arrival order per conversation.
type Dispatcher struct {
	config    *config.Config
	parser    *parser.Parser
	store     *conversation.Store
	client    APIClient
	ledger    *ledger.Ledger
	traffic   *traffic.Tracker
	localizer *i18n.Localizer
	gateway   Gateway
	metrics   *middleware.Metrics
	logger    *logrus.Logger

	seq    *Sequencer
	roller *dice.Roller
	newID  func() string
	now    func() time.Time

	// observe is called with every request once it is released
	observe func(*PendingRequest)

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	wg       sync.WaitGroup
	stopped  bool
	stopping chan struct{}
}

// NewDispatcher creates a dispatcher. ledger and traffic may be nil.
func NewDispatcher(
	cfg *config.Config,
	parser *parser.Parser,
	store *conversation.Store,
	client APIClient,
	ledger *ledger.Ledger,
	traffic *traffic.Tracker,
	localizer *i18n.Localizer,
	gateway Gateway,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Dispatcher {
	baseCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:    cfg,
		parser:    parser,
		store:     store,
		client:    client,
		ledger:    ledger,
		traffic:   traffic,
		localizer: localizer,
		gateway:   gateway,
		metrics:   metrics,
		logger:    logger,
		roller:    dice.NewRoller(),
		newID:     uuid.NewString,
		now:       time.Now,
		baseCtx:   baseCtx,
		cancelAll: cancel,
		stopping:  make(chan struct{}),
	}
	d.seq = NewSequencer(d.deliver)
	return d
}

// Run consumes events until ctx ends, Shutdown is called or the stream
// closes. Ending through ctx shuts the dispatcher down before returning.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.InboundEvent) error {
	d.logger.Info("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return d.Shutdown(context.Background())
		case <-d.stopping:
			return nil
		case ev, ok := <-events:
			if !ok {
				select {
				case <-d.stopping:
					return nil
				default:
				}
				d.logger.Error("Gateway event stream closed unexpectedly")
				return ErrGatewayClosed
			}
			d.Submit(ev)
		}
	}
}

// Shutdown stops intake and waits for in-flight work for the configured
// grace period, or until ctx ends. Work still running after that is
// cancelled. Shutdown returns once every request was released.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stopping)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(d.config.Dispatcher.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		d.cancelAll()
		d.logger.Info("Dispatcher drained")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	d.logger.WithField("grace", d.config.Dispatcher.ShutdownGrace.String()).
		Warn("Shutdown grace elapsed, cancelling in-flight requests")
	d.cancelAll()
	<-done
	return nil
}

// Submit handles one inbound event without blocking on its processing
func (d *Dispatcher) Submit(ev models.InboundEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		logger.WithConversation(d.logger, ev.Key()).Debug("Dropping event received during shutdown")
		return
	}

	if ev.Kind == models.EventMessage {
		d.metrics.RecordEventReceived(chatType(ev))
		if !ev.FromBot && d.traffic != nil && d.traffic.Record(ev.ChatID) {
			d.reply(d.seq.Take(ev.Key()), d.notice(ev.Target(), ev.LanguageCode, i18n.MsgLowTraffic, nil))
		}
	}

	cmd := d.parser.Parse(ev)
	if cmd.Kind == models.CommandUnknown {
		return
	}
	d.metrics.RecordCommand(cmd.Kind.String())

	switch cmd.Kind {
	case models.CommandClose:
		cancelled := d.store.Close(cmd.Key)
		logger.WithConversation(d.logger, cmd.Key).
			WithField("cancelled", cancelled).
			Info("Conversation torn down")
	case models.CommandClear:
		d.store.Clear(cmd.Key)
		d.reply(d.seq.Take(cmd.Key), d.notice(cmd.Target, cmd.Language, i18n.MsgContextCleared, nil))
	case models.CommandRoll, models.CommandShimmer, models.CommandInfo, models.CommandHelp:
		ticket := d.seq.Take(cmd.Key)
		d.spawn(func() {
			ticket.Complete(d.local(d.baseCtx, cmd)...)
		})
	case models.CommandGenerateImage:
		if out, ok := d.checkImageCount(cmd); !ok {
			d.reply(d.seq.Take(cmd.Key), out)
			return
		}
		d.schedule(cmd)
	case models.CommandChat:
		d.schedule(cmd)
	}
}

// schedule claims a slot for cmd and starts its request. Must be called
// with d.mu held, in arrival order.
func (d *Dispatcher) schedule(cmd models.Command) {
	kind := ai.KindChat
	if cmd.Kind == models.CommandGenerateImage {
		kind = ai.KindImage
	}
	id := d.newID()

	queueLimit := 0
	if d.config.Dispatcher.BusyPolicy == config.BusyPolicyQueue {
		queueLimit = d.config.Dispatcher.QueueSize
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	claim, err := d.store.Claim(cmd.Key, id, cancel, queueLimit)
	if err != nil {
		cancel()
		d.metrics.RecordBackpressure("denied")
		logger.WithConversation(d.logger, cmd.Key).
			WithField("request_id", id).
			Info("Conversation busy, request denied")
		// The busy notice answers no request, so it skips the queue
		out := d.notice(cmd.Target, cmd.Language, i18n.MsgBusy, nil)
		d.spawn(func() { d.deliver(out) })
		return
	}
	if claim.Queued() {
		d.metrics.RecordBackpressure("queued")
	}

	req := newPendingRequest(id, cmd.Key, kind, d.now(), d.config.Retry.RequestDeadline)

	ticket := d.seq.Take(cmd.Key)
	d.spawn(func() {
		defer cancel()
		d.process(ctx, cmd, req, claim, ticket)
	})
}

// process runs one request from slot hand-over to delivery
func (d *Dispatcher) process(ctx context.Context, cmd models.Command, req *PendingRequest, claim *conversation.Claim, ticket *Ticket) {
	log := logger.WithConversation(d.logger, cmd.Key).WithFields(logrus.Fields{
		"request_id": req.ID,
		"kind":       req.Kind.String(),
	})

	// The deadline runs from arrival, so time spent queued counts
	ctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	slot, err := claim.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Info("Request deadline passed while waiting for a slot")
			d.finish(req, StateTimedOut)
			ticket.Complete(d.notice(cmd.Target, cmd.Language, i18n.MsgTimeout, nil))
			return
		}
		log.WithError(err).Debug("Request dropped while waiting for a slot")
		d.finish(req, StateCancelled)
		ticket.Complete()
		return
	}
	d.transition(req, StateReserved)
	d.metrics.IncInFlight()

	out := d.execute(ctx, cmd, req, slot, log)

	slot.Release()
	d.metrics.DecInFlight()
	d.release(req)
	ticket.Complete(out...)
}

// execute performs the external call and leaves req in its terminal state
func (d *Dispatcher) execute(ctx context.Context, cmd models.Command, req *PendingRequest, slot *conversation.Slot, log *logrus.Entry) (out []models.Outbound) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Request panicked")
			d.transition(req, StateFailed)
			out = []models.Outbound{d.notice(cmd.Target, cmd.Language, i18n.MsgError, nil)}
		}
	}()

	d.transition(req, StateInFlight)
	if cmd.Kind == models.CommandGenerateImage {
		return d.generateImages(ctx, cmd, req, slot, log)
	}
	return d.chat(ctx, cmd, req, slot, log)
}

func (d *Dispatcher) chat(ctx context.Context, cmd models.Command, req *PendingRequest, slot *conversation.Slot, log *logrus.Entry) []models.Outbound {
	userTurn := models.Turn{Role: models.RoleUser, Content: cmd.Text, Timestamp: d.now()}

	messages := make([]models.Turn, 0, d.config.Context.MaxTurns+2)
	if prompt := d.config.Context.SystemPrompt; prompt != "" {
		messages = append(messages, models.Turn{Role: models.RoleSystem, Content: prompt})
	}
	messages = append(messages, d.store.Snapshot(cmd.Key)...)
	messages = append(messages, userTurn)

	artifact, err := d.client.Call(ctx, ai.Request{
		ID:       req.ID,
		Key:      cmd.Key,
		Kind:     ai.KindChat,
		Messages: messages,
	})
	if err != nil {
		return d.failure(cmd, req, err, log)
	}

	req.SetAttempts(artifact.Attempts)
	reply := models.Turn{Role: models.RoleAssistant, Content: artifact.Text, Timestamp: d.now()}
	if !slot.Append(userTurn, reply) {
		log.Info("Conversation closed during request, discarding response")
		d.transition(req, StateCancelled)
		return nil
	}

	d.transition(req, StateSucceeded)
	return []models.Outbound{{
		Target:  cmd.Target,
		Content: models.Content{Text: artifact.Text, Markdown: true},
	}}
}

func (d *Dispatcher) generateImages(ctx context.Context, cmd models.Command, req *PendingRequest, slot *conversation.Slot, log *logrus.Entry) []models.Outbound {
	opts := cmd.Image
	metered := d.ledger != nil && d.ledger.Enabled()

	if metered {
		if _, err := d.ledger.Debit(ctx, cmd.UserID, cmd.UserName, opts.Cost(), opts.Count); err != nil {
			d.transition(req, StateFailed)
			if errors.Is(err, ledger.ErrInsufficientCredit) {
				log.WithField("user_id", cmd.UserID).Info("Image request over credit limit")
				return []models.Outbound{d.notice(cmd.Target, cmd.Language, i18n.MsgLimitReached, map[string]interface{}{
					"Owner": d.config.Ledger.Owner,
				})}
			}
			log.WithError(err).Error("Failed to debit account")
			return []models.Outbound{d.notice(cmd.Target, cmd.Language, i18n.MsgError, nil)}
		}
	}

	batch, err := d.client.GenerateImages(ctx, ai.Request{
		ID:    req.ID,
		Key:   cmd.Key,
		Kind:  ai.KindImage,
		Image: opts,
	})

	req.SetAttempts(batch.Attempts)
	failed := batch.Failures()
	if err != nil {
		failed = opts.Count
	}
	if metered && failed > 0 {
		refund := opts.UnitCost() * models.Cost(failed)
		if rerr := d.ledger.Refund(context.WithoutCancel(ctx), cmd.UserID, refund, failed); rerr != nil {
			log.WithError(rerr).Error("Failed to refund failed images")
		}
	}
	if err != nil {
		return d.failure(cmd, req, err, log)
	}

	caption := d.localizer.Get(cmd.Language, i18n.MsgGenerated, nil)
	if failed > 0 {
		caption = d.localizer.Plural(cmd.Language, i18n.MsgGeneratedPartial, failed, nil)
	}

	appended := slot.Append(
		models.Turn{Role: models.RoleUser, Content: opts.Prompt, Timestamp: d.now()},
		models.Turn{Role: models.RoleAssistant, Content: caption, ImageRef: req.ID, Timestamp: d.now()},
	)
	if !appended {
		log.Info("Conversation closed during request, discarding images")
		d.transition(req, StateCancelled)
		return nil
	}

	d.transition(req, StateSucceeded)
	return []models.Outbound{{
		Target:  cmd.Target,
		Content: models.Content{Text: caption, Images: batch.Images},
	}}
}

// failure maps a terminal API error to the request outcome and the notice
// shown to the user. Cancelled requests produce no notice.
func (d *Dispatcher) failure(cmd models.Command, req *PendingRequest, err error, log *logrus.Entry) []models.Outbound {
	var apiErr *ai.APIError
	attempts := 0
	if errors.As(err, &apiErr) {
		attempts = apiErr.Attempts
		if req.Attempts() == 0 {
			req.SetAttempts(attempts)
		}
	}

	var (
		state State
		msgID string
		data  map[string]interface{}
	)
	switch {
	case errors.Is(err, ai.ErrCancelled), errors.Is(err, context.Canceled):
		log.Info("Request cancelled")
		d.transition(req, StateCancelled)
		return nil
	case errors.Is(err, ai.ErrTimeout):
		state, msgID = StateTimedOut, i18n.MsgTimeout
	case errors.Is(err, ai.ErrRejected):
		state, msgID = StateFailed, i18n.MsgRejected
		data = map[string]interface{}{"Reason": rejectionReason(err)}
	case errors.Is(err, ai.ErrExhausted):
		state, msgID = StateFailed, i18n.MsgFailed
		data = map[string]interface{}{"Attempts": attempts}
	default:
		state, msgID = StateFailed, i18n.MsgError
	}

	log.WithError(err).WithField("attempts", attempts).Warn("Request failed")
	d.transition(req, state)
	return []models.Outbound{d.notice(cmd.Target, cmd.Language, msgID, data)}
}

func rejectionReason(err error) string {
	var status *ai.StatusError
	if errors.As(err, &status) && status.Message != "" {
		return status.Message
	}
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) && apiErr.Err != nil {
		return apiErr.Err.Error()
	}
	return err.Error()
}

// checkImageCount answers image requests outside 1..MaxImageCount directly
func (d *Dispatcher) checkImageCount(cmd models.Command) (models.Outbound, bool) {
	switch {
	case cmd.Image.Count == 0:
		return d.notice(cmd.Target, cmd.Language, i18n.MsgZeroImages, nil), false
	case cmd.Image.Count < 0 || cmd.Image.Count > models.MaxImageCount:
		return d.notice(cmd.Target, cmd.Language, i18n.MsgTooManyImages, map[string]interface{}{
			"Max": models.MaxImageCount,
		}), false
	}
	return models.Outbound{}, true
}

// transition moves req forward, logging moves the lifecycle forbids
func (d *Dispatcher) transition(req *PendingRequest, next State) {
	if err := req.Transition(next); err != nil {
		d.logger.WithError(err).Error("Request state machine violated")
	}
}

// finish moves a request that never ran to state and releases it
func (d *Dispatcher) finish(req *PendingRequest, state State) {
	d.transition(req, state)
	d.release(req)
}

func (d *Dispatcher) release(req *PendingRequest) {
	outcome := req.Outcome()
	d.transition(req, StateReleased)
	d.metrics.RecordRequest(req.Kind.String(), outcome.String(), d.now().Sub(req.CreatedAt))
	if d.observe != nil {
		d.observe(req)
	}
}

// spawn runs fn as tracked work so Shutdown waits for it. Must be called
// with d.mu held.
func (d *Dispatcher) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// reply completes ticket off the intake goroutine, since completing may
// deliver
func (d *Dispatcher) reply(ticket *Ticket, out ...models.Outbound) {
	d.spawn(func() {
		ticket.Complete(out...)
	})
}

func (d *Dispatcher) notice(target models.ReplyTarget, lang, msgID string, data map[string]interface{}) models.Outbound {
	return models.Outbound{
		Target:  target,
		Content: models.Content{Text: d.localizer.Get(lang, msgID, data)},
	}
}

func (d *Dispatcher) deliver(out models.Outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	if err := d.gateway.Deliver(ctx, out); err != nil {
		d.metrics.RecordDelivery("error")
		logger.WithConversation(d.logger, out.Target.Key()).
			WithError(err).
			Error("Failed to deliver message")
		return
	}
	d.metrics.RecordDelivery("ok")
}

func chatType(ev models.InboundEvent) string {
	if ev.Private {
		return "private"
	}
	return "group"
}
