package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var botUser = tgbotapi.User{ID: 999, IsBot: true, UserName: "hypnos_bot"}

type fakeSender struct {
	mu     sync.Mutex
	sent   []tgbotapi.Chattable
	groups []tgbotapi.MediaGroupConfig
	errs   []error
}

func (f *fakeSender) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.nextErr()
}

func (f *fakeSender) SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, config)
	return nil, f.nextErr()
}

func newTestGateway() (*Telegram, *fakeSender) {
	sender := &fakeSender{}
	return NewTelegram(sender, botUser, logger.Discard()), sender
}

func TestConvertMessage(t *testing.T) {
	gw, _ := newTestGateway()
	update := tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 17,
		Date:      1700000000,
		Chat:      &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		From:      &tgbotapi.User{ID: 5, FirstName: "Ada", LastName: "Lovelace", LanguageCode: "en-GB"},
		Text:      "hello",
		ReplyToMessage: &tgbotapi.Message{
			From: &botUser,
		},
	}}

	ev, ok := gw.Convert(update)
	require.True(t, ok)
	assert.Equal(t, models.EventMessage, ev.Kind)
	assert.Equal(t, int64(-100), ev.ChatID)
	assert.Equal(t, 17, ev.MessageID)
	assert.Equal(t, int64(5), ev.UserID)
	assert.Equal(t, "Ada Lovelace", ev.UserName)
	assert.Equal(t, "en-GB", ev.LanguageCode)
	assert.False(t, ev.Private)
	assert.True(t, ev.ReplyToBot)
	assert.False(t, ev.FromBot)
	assert.Equal(t, "hello", ev.Text)
	assert.Equal(t, time.Unix(1700000000, 0), ev.ReceivedAt)
}

func TestConvertPrivateCaption(t *testing.T) {
	gw, _ := newTestGateway()
	ev, ok := gw.Convert(tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:    &tgbotapi.Chat{ID: 5, Type: "private"},
		From:    &tgbotapi.User{ID: 5, UserName: "ada"},
		Caption: "what is this?",
	}})
	require.True(t, ok)
	assert.True(t, ev.Private)
	assert.Equal(t, "ada", ev.UserName)
	assert.Equal(t, "what is this?", ev.Text)
}

func TestConvertTeardown(t *testing.T) {
	gw, _ := newTestGateway()

	tests := []struct {
		name   string
		update tgbotapi.Update
		closed bool
	}{
		{
			name: "bot kicked",
			update: tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
				Chat:          tgbotapi.Chat{ID: -1},
				NewChatMember: tgbotapi.ChatMember{User: &botUser, Status: "kicked"},
			}},
			closed: true,
		},
		{
			name: "bot promoted",
			update: tgbotapi.Update{MyChatMember: &tgbotapi.ChatMemberUpdated{
				Chat:          tgbotapi.Chat{ID: -1},
				NewChatMember: tgbotapi.ChatMember{User: &botUser, Status: "administrator"},
			}},
		},
		{
			name: "bot left",
			update: tgbotapi.Update{Message: &tgbotapi.Message{
				Chat:           &tgbotapi.Chat{ID: -1, Type: "group"},
				LeftChatMember: &botUser,
			}},
			closed: true,
		},
		{
			name: "group migrated",
			update: tgbotapi.Update{Message: &tgbotapi.Message{
				Chat:            &tgbotapi.Chat{ID: -1, Type: "group"},
				MigrateToChatID: -1001,
			}},
			closed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := gw.Convert(tt.update)
			if !tt.closed {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, models.EventConversationClosed, ev.Kind)
			assert.Equal(t, int64(-1), ev.ChatID)
		})
	}
}

func TestConvertIgnoresEmptyUpdates(t *testing.T) {
	gw, _ := newTestGateway()
	_, ok := gw.Convert(tgbotapi.Update{UpdateID: 1})
	assert.False(t, ok)
}

func TestEventsClosesWithUpdates(t *testing.T) {
	gw, _ := newTestGateway()
	updates := make(chan tgbotapi.Update, 2)
	updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 1, Type: "private"},
		From: &tgbotapi.User{ID: 1},
		Text: "hi",
	}}
	updates <- tgbotapi.Update{UpdateID: 2}
	close(updates)

	events := gw.Events(context.Background(), updates)
	ev, ok := <-events
	require.True(t, ok)
	assert.Equal(t, "hi", ev.Text)
	_, ok = <-events
	assert.False(t, ok)
}

func TestDeliverMarkdownAsHTML(t *testing.T) {
	gw, sender := newTestGateway()
	err := gw.Deliver(context.Background(), models.Outbound{
		Target:  models.ReplyTarget{ChatID: 1, MessageID: 7},
		Content: models.Content{Text: "**hi**", Markdown: true},
	})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, "<b>hi</b>", msg.Text)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Equal(t, 7, msg.ReplyToMessageID)
}

func TestDeliverFallsBackToPlainText(t *testing.T) {
	gw, sender := newTestGateway()
	sender.errs = []error{&tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"}}

	err := gw.Deliver(context.Background(), models.Outbound{
		Target:  models.ReplyTarget{ChatID: 1},
		Content: models.Content{Text: "**hi**", Markdown: true},
	})
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	plain := sender.sent[1].(tgbotapi.MessageConfig)
	assert.Equal(t, "**hi**", plain.Text)
	assert.Empty(t, plain.ParseMode)
}

func TestDeliverPlainNotice(t *testing.T) {
	gw, sender := newTestGateway()
	sender.errs = []error{errors.New("network down")}

	err := gw.Deliver(context.Background(), models.Outbound{
		Target:  models.ReplyTarget{ChatID: 1},
		Content: models.Content{Text: "Conversation cleared."},
	})
	assert.Error(t, err)
	// Plain text has no fallback to try
	assert.Len(t, sender.sent, 1)
}

func TestDeliverWaitsOutFloodControl(t *testing.T) {
	gw, sender := newTestGateway()
	flood := &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}
	flood.RetryAfter = 1
	sender.errs = []error{flood}

	start := time.Now()
	err := gw.Deliver(context.Background(), models.Outbound{
		Target:  models.ReplyTarget{ChatID: 1},
		Content: models.Content{Text: "hello"},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Len(t, sender.sent, 2)
}

func TestDeliverSinglePhoto(t *testing.T) {
	gw, sender := newTestGateway()
	err := gw.Deliver(context.Background(), models.Outbound{
		Target: models.ReplyTarget{ChatID: 3, MessageID: 9},
		Content: models.Content{
			Text:   "Generated!",
			Images: []models.Image{{Bytes: []byte("png")}},
		},
	})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	photo := sender.sent[0].(tgbotapi.PhotoConfig)
	assert.Equal(t, "Generated!", photo.Caption)
	assert.Equal(t, 9, photo.ReplyToMessageID)
	assert.Equal(t, []byte("png"), photo.File.(tgbotapi.FileBytes).Bytes)
}

func TestDeliverAlbum(t *testing.T) {
	gw, sender := newTestGateway()
	err := gw.Deliver(context.Background(), models.Outbound{
		Target: models.ReplyTarget{ChatID: 3, MessageID: 9},
		Content: models.Content{
			Text:   "Generated! (1 failed)",
			Images: []models.Image{{Bytes: []byte("a")}, {Bytes: []byte("b")}, {Bytes: []byte("c")}},
		},
	})
	require.NoError(t, err)

	require.Len(t, sender.groups, 1)
	group := sender.groups[0]
	assert.Equal(t, int64(3), group.ChatID)
	assert.Equal(t, 9, group.ReplyToMessageID)
	require.Len(t, group.Media, 3)
	assert.Equal(t, "Generated! (1 failed)", group.Media[0].(tgbotapi.InputMediaPhoto).Caption)
	assert.Empty(t, group.Media[1].(tgbotapi.InputMediaPhoto).Caption)
}

func TestDeliverCancelled(t *testing.T) {
	gw, sender := newTestGateway()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gw.Deliver(ctx, models.Outbound{Content: models.Content{Text: "late"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sender.sent)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8) + "\n", strings.Repeat("b", 8)}, splitText(long, 10))

	// Multi-byte runes stay whole
	chunks := splitText(strings.Repeat("é", 6), 5)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 5)
		assert.True(t, strings.HasPrefix(c, "é"))
	}
	assert.Equal(t, strings.Repeat("é", 6), strings.Join(chunks, ""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "é", truncate("éé", 3))
}
