package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

const (
	// maxMessageLength is Telegram's limit for one text message
	maxMessageLength = 4096
	// maxCaptionLength is Telegram's limit for a photo caption
	maxCaptionLength = 1024
	// maxFloodWait bounds how long a delivery waits on Telegram flood control
	maxFloodWait = 30 * time.Second
)

// Sender is the part of the bot API the gateway sends through
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// Telegram adapts the bot API to inbound events and outbound deliveries
type Telegram struct {
	bot    Sender
	self   tgbotapi.User
	logger *logrus.Logger
}

// NewTelegram creates a gateway sending through bot. self is the bot's own
// user, used to recognise replies to it and its removal from chats.
func NewTelegram(bot Sender, self tgbotapi.User, logger *logrus.Logger) *Telegram {
	return &Telegram{
		bot:    bot,
		self:   self,
		logger: logger,
	}
}

// Events forwards updates as inbound events. The returned channel is closed
// when updates is closed; ending ctx only stops forwarding.
func (t *Telegram) Events(ctx context.Context, updates <-chan tgbotapi.Update) <-chan models.InboundEvent {
	events := make(chan models.InboundEvent, cap(updates))
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					t.logger.Warn("Telegram update channel closed")
					close(events)
					return
				}
				ev, ok := t.Convert(update)
				if !ok {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events
}

// Convert turns an update into an inbound event. Updates that carry nothing
// for the bot report false.
func (t *Telegram) Convert(update tgbotapi.Update) (models.InboundEvent, bool) {
	if member := update.MyChatMember; member != nil {
		removed := member.NewChatMember.HasLeft() || member.NewChatMember.WasKicked()
		if removed && member.NewChatMember.User != nil && member.NewChatMember.User.ID == t.self.ID {
			return closedEvent(member.Chat.ID), true
		}
		return models.InboundEvent{}, false
	}

	msg := update.Message
	if msg == nil {
		return models.InboundEvent{}, false
	}
	if msg.LeftChatMember != nil && msg.LeftChatMember.ID == t.self.ID {
		return closedEvent(msg.Chat.ID), true
	}
	if msg.MigrateToChatID != 0 {
		// The group lives on under a new id
		return closedEvent(msg.Chat.ID), true
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	ev := models.InboundEvent{
		Kind:       models.EventMessage,
		ChatID:     msg.Chat.ID,
		MessageID:  msg.MessageID,
		Private:    msg.Chat.IsPrivate(),
		Text:       text,
		ReceivedAt: msg.Time(),
	}
	if from := msg.From; from != nil {
		ev.UserID = from.ID
		ev.UserName = displayName(from)
		ev.LanguageCode = from.LanguageCode
		ev.FromBot = from.IsBot
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		ev.ReplyToBot = reply.From.ID == t.self.ID
	}
	return ev, true
}

func closedEvent(chatID int64) models.InboundEvent {
	return models.InboundEvent{
		Kind:       models.EventConversationClosed,
		ChatID:     chatID,
		ReceivedAt: time.Now(),
	}
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

// Deliver sends out to its target. Markdown text goes out as HTML and falls
// back to plain text when Telegram refuses the markup.
func (t *Telegram) Deliver(ctx context.Context, out models.Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch len(out.Content.Images) {
	case 0:
		return t.sendText(ctx, out)
	case 1:
		return t.sendPhoto(ctx, out)
	default:
		return t.sendAlbum(ctx, out)
	}
}

func (t *Telegram) sendText(ctx context.Context, out models.Outbound) error {
	for i, chunk := range splitText(out.Content.Text, maxMessageLength) {
		msg := tgbotapi.NewMessage(out.Target.ChatID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = out.Target.MessageID
			msg.AllowSendingWithoutReply = true
		}
		if out.Content.Markdown {
			msg.Text = markdown.ToTelegramHTML(chunk)
			msg.ParseMode = tgbotapi.ModeHTML
		}

		err := t.send(ctx, msg)
		if err != nil && msg.ParseMode != "" {
			// If HTML parsing fails, try plain text
			t.logger.WithError(err).Warn("Failed to send HTML message, trying plain text")
			msg.ParseMode = ""
			msg.Text = chunk
			err = t.send(ctx, msg)
		}
		if err != nil {
			return fmt.Errorf("failed to send message to chat %d: %w", out.Target.ChatID, err)
		}
	}
	return nil
}

func (t *Telegram) sendPhoto(ctx context.Context, out models.Outbound) error {
	img := out.Content.Images[0]
	photo := tgbotapi.NewPhoto(out.Target.ChatID, tgbotapi.FileBytes{Name: "image.png", Bytes: img.Bytes})
	photo.Caption = truncate(out.Content.Text, maxCaptionLength)
	photo.ReplyToMessageID = out.Target.MessageID
	photo.AllowSendingWithoutReply = true

	if err := t.send(ctx, photo); err != nil {
		return fmt.Errorf("failed to send photo to chat %d: %w", out.Target.ChatID, err)
	}
	return nil
}

func (t *Telegram) sendAlbum(ctx context.Context, out models.Outbound) error {
	media := make([]interface{}, 0, len(out.Content.Images))
	for i, img := range out.Content.Images {
		photo := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{
			Name:  fmt.Sprintf("image-%d.png", i+1),
			Bytes: img.Bytes,
		})
		if i == 0 {
			photo.Caption = truncate(out.Content.Text, maxCaptionLength)
		}
		media = append(media, photo)
	}
	group := tgbotapi.NewMediaGroup(out.Target.ChatID, media)
	group.ReplyToMessageID = out.Target.MessageID

	err := t.withFloodWait(ctx, func() error {
		_, err := t.bot.SendMediaGroup(group)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send %d images to chat %d: %w", len(media), out.Target.ChatID, err)
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) error {
	return t.withFloodWait(ctx, func() error {
		_, err := t.bot.Send(c)
		return err
	})
}

// withFloodWait runs fn, trying once more after the wait Telegram asks for
// when flood control kicks in
func (t *Telegram) withFloodWait(ctx context.Context, fn func() error) error {
	err := fn()
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return err
	}

	wait := time.Duration(apiErr.RetryAfter) * time.Second
	if wait > maxFloodWait {
		return err
	}
	t.logger.WithField("retry_after", wait.String()).Warn("Telegram flood control, waiting")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return fn()
}

// splitText cuts s into pieces of at most limit bytes, preferring line
// breaks and never splitting a rune
func splitText(s string, limit int) []string {
	if s == "" {
		return []string{""}
	}
	var chunks []string
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > limit/2 {
			cut = nl + 1
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
