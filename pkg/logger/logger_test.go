package logger

import (
	"testing"

	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestWithConversation(t *testing.T) {
	entry := WithConversation(Discard(), models.ConversationKey{ChatID: -100, ThreadID: 3})
	assert.Equal(t, int64(-100), entry.Data["chat_id"])
	assert.Equal(t, 3, entry.Data["thread_id"])
}
