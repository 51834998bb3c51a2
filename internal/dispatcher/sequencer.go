package dispatcher

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hypnos-tgbot-go/internal/models"
)

const outboxShards = 64

// Ticket is a reserved place in a conversation's delivery order
type Ticket struct {
	seq  *Sequencer
	key  models.ConversationKey
	box  *outbox
	done bool
	out  []models.Outbound
	once sync.Once
}

type outbox struct {
	mu       sync.Mutex
	queue    []*Ticket
	draining bool
}

type outboxShard struct {
	mu    sync.Mutex
	boxes map[models.ConversationKey]*outbox
}

// Sequencer delivers responses of one conversation in the order their
// tickets were taken, whatever order the work behind them finishes in.
// Conversations never wait on each other.
type Sequencer struct {
	shards  [outboxShards]*outboxShard
	deliver func(models.Outbound)
}

// NewSequencer creates a sequencer handing ready messages to deliver
func NewSequencer(deliver func(models.Outbound)) *Sequencer {
	s := &Sequencer{deliver: deliver}
	for i := range s.shards {
		s.shards[i] = &outboxShard{boxes: make(map[models.ConversationKey]*outbox)}
	}
	return s
}

func (s *Sequencer) shardFor(key models.ConversationKey) *outboxShard {
	return s.shards[xxhash.Sum64String(key.String())%outboxShards]
}

// Take appends a ticket to the conversation's queue. Tickets must be taken
// in arrival order.
func (s *Sequencer) Take(key models.ConversationKey) *Ticket {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	box, ok := sh.boxes[key]
	if !ok {
		box = &outbox{}
		sh.boxes[key] = box
	}
	t := &Ticket{seq: s, key: key, box: box}
	box.mu.Lock()
	box.queue = append(box.queue, t)
	box.mu.Unlock()
	return t
}

// Pending returns the number of tickets not yet delivered for key
func (s *Sequencer) Pending(key models.ConversationKey) int {
	sh := s.shardFor(key)
	sh.mu.Lock()
	box, ok := sh.boxes[key]
	sh.mu.Unlock()
	if !ok {
		return 0
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return len(box.queue)
}

// Complete fills the ticket. An empty out completes it without delivering
// anything, which is how discarded work keeps later tickets moving. Only
// the first call counts.
func (t *Ticket) Complete(out ...models.Outbound) {
	t.once.Do(func() {
		box := t.box
		box.mu.Lock()
		t.done = true
		t.out = out
		if box.draining {
			box.mu.Unlock()
			return
		}
		box.draining = true
		box.mu.Unlock()

		t.seq.drain(t.key, box)
	})
}

// drain delivers completed tickets from the head of the queue until it
// reaches one still in progress. Only one goroutine drains a box at a time.
func (s *Sequencer) drain(key models.ConversationKey, box *outbox) {
	for {
		box.mu.Lock()
		if len(box.queue) == 0 || !box.queue[0].done {
			box.draining = false
			empty := len(box.queue) == 0
			box.mu.Unlock()
			if empty {
				s.forget(key, box)
			}
			return
		}
		head := box.queue[0]
		box.queue[0] = nil
		box.queue = box.queue[1:]
		box.mu.Unlock()

		for _, out := range head.out {
			s.deliver(out)
		}
	}
}

// forget drops an idle, empty outbox
func (s *Sequencer) forget(key models.ConversationKey, box *outbox) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	box.mu.Lock()
	defer box.mu.Unlock()
	if sh.boxes[key] == box && len(box.queue) == 0 && !box.draining {
		delete(sh.boxes, key)
	}
}
