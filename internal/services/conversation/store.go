package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

const shardCount = 64

var (
	// ErrBackpressure is returned when a conversation has no free slot and
	// its wait queue is full
	ErrBackpressure = errors.New("conversation at its in-flight limit")
	// ErrClosed is returned to waiters of a conversation torn down while
	// they were queued
	ErrClosed = errors.New("conversation closed")
)

// Options bounds every conversation held by a Store
type Options struct {
	MaxTurns    int
	MaxInFlight int
}

type waiter struct {
	id     string
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
}

type conversation struct {
	mu           sync.Mutex
	key          models.ConversationKey
	history      *history
	inFlight     map[string]context.CancelFunc
	waiters      []*waiter
	closed       bool
	lastActivity time.Time
}

type shard struct {
	mu    sync.Mutex
	convs map[models.ConversationKey]*conversation
}

// Store holds bounded per-conversation state. Conversations are spread over
// shards so two conversations only share a lock for the map lookup.
type Store struct {
	opts   Options
	shards [shardCount]*shard
	logger *logrus.Logger
	now    func() time.Time
}

// NewStore creates an empty store
func NewStore(opts Options, logger *logrus.Logger) *Store {
	s := &Store{
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{convs: make(map[models.ConversationKey]*conversation)}
	}
	return s
}

func (s *Store) shardFor(key models.ConversationKey) *shard {
	return s.shards[xxhash.Sum64String(key.String())%shardCount]
}

// lookup returns the live conversation for key, creating it when needed
func (s *Store) lookup(key models.ConversationKey) *conversation {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.convs[key]
	if !ok {
		c = &conversation{
			key:          key,
			history:      newHistory(s.opts.MaxTurns),
			inFlight:     make(map[string]context.CancelFunc),
			lastActivity: s.now(),
		}
		sh.convs[key] = c
	}
	return c
}

// find returns the conversation for key without creating it
func (s *Store) find(key models.ConversationKey) *conversation {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.convs[key]
}

// locked runs fn with the live conversation for key locked. A conversation
// closed between lookup and lock is skipped and looked up again.
func (s *Store) locked(key models.ConversationKey, fn func(c *conversation)) {
	for {
		c := s.lookup(key)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			continue
		}
		fn(c)
		c.mu.Unlock()
		return
	}
}

// AppendTurn appends turn to the conversation, evicting the oldest turn once
// the cap is reached
func (s *Store) AppendTurn(key models.ConversationKey, turn models.Turn) {
	s.locked(key, func(c *conversation) {
		c.append(turn, s.now())
	})
}

// Snapshot returns a copy of the conversation history, oldest first
func (s *Store) Snapshot(key models.ConversationKey) []models.Turn {
	c := s.find(key)
	if c == nil {
		return []models.Turn{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.snapshot()
}

// Clear wipes the history of a conversation, leaving in-flight work alone
func (s *Store) Clear(key models.ConversationKey) {
	if c := s.find(key); c != nil {
		c.mu.Lock()
		c.history.reset()
		c.mu.Unlock()
	}
}

// TryReserve takes an in-flight slot for request id if one is free. cancel
// is invoked if the conversation is closed while the slot is held.
func (s *Store) TryReserve(key models.ConversationKey, id string, cancel context.CancelFunc) (*Slot, bool) {
	claim, err := s.Claim(key, id, cancel, 0)
	if err != nil {
		return nil, false
	}
	return claim.slot, true
}

// Reserve takes an in-flight slot, waiting in a FIFO queue of at most
// queueLimit entries when none is free. It returns ErrBackpressure when the
// queue is full, ErrClosed when the conversation is closed while waiting and
// ctx.Err() when ctx ends first.
func (s *Store) Reserve(ctx context.Context, key models.ConversationKey, id string, cancel context.CancelFunc, queueLimit int) (*Slot, error) {
	claim, err := s.Claim(key, id, cancel, queueLimit)
	if err != nil {
		return nil, err
	}
	return claim.Wait(ctx)
}

// Claim takes a free slot or joins the wait queue without blocking. The
// queue position is fixed when Claim returns, so callers that claim in
// arrival order are served in arrival order.
func (s *Store) Claim(key models.ConversationKey, id string, cancel context.CancelFunc, queueLimit int) (*Claim, error) {
	claim := &Claim{store: s, key: key, id: id}
	var err error
	s.locked(key, func(c *conversation) {
		claim.conv = c
		c.lastActivity = s.now()
		if len(c.inFlight) < s.opts.MaxInFlight && len(c.waiters) == 0 {
			c.inFlight[id] = cancel
			claim.slot = &Slot{store: s, conv: c, id: id}
			return
		}
		if len(c.waiters) >= queueLimit {
			err = ErrBackpressure
			return
		}
		claim.w = &waiter{id: id, cancel: cancel, ready: make(chan struct{})}
		c.waiters = append(c.waiters, claim.w)
	})
	if err != nil {
		return nil, err
	}
	if claim.w != nil {
		logger.WithConversation(s.logger, key).
			WithField("request_id", id).
			Debug("Waiting for a conversation slot")
	}
	return claim, nil
}

// Claim is a granted slot or a place in a conversation's wait queue
type Claim struct {
	store *Store
	conv  *conversation
	key   models.ConversationKey
	id    string
	slot  *Slot
	w     *waiter
}

// Queued reports whether the claim had to wait for a slot
func (c *Claim) Queued() bool {
	return c.w != nil
}

// Wait returns the slot once it is handed over. It fails with ErrClosed when
// the conversation is closed first and with ctx.Err() when ctx ends first,
// leaving the queue in both cases.
func (c *Claim) Wait(ctx context.Context) (*Slot, error) {
	if c.slot != nil {
		return c.slot, nil
	}

	select {
	case <-c.w.ready:
		if c.w.err != nil {
			return nil, c.w.err
		}
		c.slot = &Slot{store: c.store, conv: c.conv, id: c.id}
		return c.slot, nil
	case <-ctx.Done():
		conv := c.conv
		conv.mu.Lock()
		select {
		case <-c.w.ready:
			// Handed a slot (or closed) while giving up
			conv.mu.Unlock()
			if c.w.err == nil {
				(&Slot{store: c.store, conv: conv, id: c.id}).Release()
			}
		default:
			conv.removeWaiter(c.w)
			conv.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// Release frees the slot held by request id. Releasing an unknown id is a
// no-op, so a slot can never be released twice.
func (s *Store) Release(key models.ConversationKey, id string) {
	if c := s.find(key); c != nil {
		c.release(id, s.now())
	}
}

// InFlight returns the number of slots held for key
func (s *Store) InFlight(key models.ConversationKey) int {
	c := s.find(key)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Queued returns the number of requests waiting for a slot
func (s *Store) Queued(key models.ConversationKey) int {
	c := s.find(key)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Close tears a conversation down: in-flight requests are cancelled, queued
// ones fail with ErrClosed and the state is dropped. It returns the number
// of requests cancelled.
func (s *Store) Close(key models.ConversationKey) int {
	sh := s.shardFor(key)
	sh.mu.Lock()
	c, ok := sh.convs[key]
	if ok {
		delete(sh.convs, key)
	}
	sh.mu.Unlock()
	if !ok {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	cancelled := len(c.inFlight) + len(c.waiters)
	for id, cancel := range c.inFlight {
		if cancel != nil {
			cancel()
		}
		delete(c.inFlight, id)
	}
	for _, w := range c.waiters {
		w.err = ErrClosed
		close(w.ready)
	}
	c.waiters = nil
	c.history.reset()

	logger.WithConversation(s.logger, key).
		WithField("cancelled", cancelled).
		Info("Conversation closed")
	return cancelled
}

// Len returns the number of conversations held
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.convs)
		sh.mu.Unlock()
	}
	return total
}

// Sweep drops conversations idle for longer than ttl with nothing in flight
// and returns their keys
func (s *Store) Sweep(ttl time.Duration) []models.ConversationKey {
	cutoff := s.now().Add(-ttl)
	var removed []models.ConversationKey
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, c := range sh.convs {
			c.mu.Lock()
			if len(c.inFlight) == 0 && len(c.waiters) == 0 && c.lastActivity.Before(cutoff) {
				c.closed = true
				delete(sh.convs, key)
				removed = append(removed, key)
			}
			c.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

func (c *conversation) append(turn models.Turn, now time.Time) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	c.history.push(turn)
	c.lastActivity = now
}

// release frees id, handing the slot straight to the oldest waiter if any
func (c *conversation) release(id string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[id]; !ok {
		return
	}
	delete(c.inFlight, id)
	c.lastActivity = now

	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.inFlight[w.id] = w.cancel
		close(w.ready)
	}
}

func (c *conversation) removeWaiter(w *waiter) {
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Slot is a granted in-flight reservation. Release must be called exactly
// once; further calls do nothing.
type Slot struct {
	store *Store
	conv  *conversation
	id    string
	once  sync.Once
}

// ID returns the request id the slot was reserved for
func (s *Slot) ID() string {
	return s.id
}

// Release frees the slot
func (s *Slot) Release() {
	s.once.Do(func() {
		s.conv.release(s.id, s.store.now())
	})
}

// Append records turns in the conversation the slot belongs to. It reports
// false, appending nothing, when the conversation was closed meanwhile.
func (s *Slot) Append(turns ...models.Turn) bool {
	c := s.conv
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	now := s.store.now()
	for _, t := range turns {
		c.append(t, now)
	}
	return true
}

// Closed reports whether the conversation was torn down
func (s *Slot) Closed() bool {
	s.conv.mu.Lock()
	defer s.conv.mu.Unlock()
	return s.conv.closed
}
