package traffic

import (
	"strconv"
	"sync"
	"time"

	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Tracker counts messages in chats meant to stay quiet. Each chat has a
// fixed window opened by its first message; Record reports true exactly
// once per window, on the message that crosses the threshold.
type Tracker struct {
	mu        sync.Mutex
	enabled   bool
	chats     map[int64]struct{}
	threshold int
	window    time.Duration
	counts    *cache.Cache
	logger    *logrus.Logger
}

// NewTracker creates a tracker. It is disabled when no chat is configured.
func NewTracker(cfg *config.TrafficConfig, logger *logrus.Logger) *Tracker {
	chats := make(map[int64]struct{}, len(cfg.LowTrafficChats))
	for _, id := range cfg.LowTrafficChats {
		chats[id] = struct{}{}
	}

	return &Tracker{
		enabled:   len(chats) > 0,
		chats:     chats,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		counts:    cache.New(cfg.Window, cfg.Window*2),
		logger:    logger,
	}
}

// Watched reports whether chatID is a low traffic chat
func (t *Tracker) Watched(chatID int64) bool {
	_, ok := t.chats[chatID]
	return t.enabled && ok
}

// Record counts one message in chatID and reports whether the chat should be
// told to move the conversation elsewhere
func (t *Tracker) Record(chatID int64) bool {
	if !t.Watched(chatID) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := strconv.FormatInt(chatID, 10)
	count := 1
	if err := t.counts.Add(key, 1, t.window); err != nil {
		count, err = t.counts.IncrementInt(key, 1)
		if err != nil {
			// Expired between Add and IncrementInt
			t.counts.Set(key, 1, t.window)
			count = 1
		}
	}

	if count == t.threshold+1 {
		t.logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"count":   count,
			"window":  t.window.String(),
		}).Info("Low traffic chat is getting busy")
		return true
	}
	return false
}
