package models

import (
	"fmt"
	"time"
)

// Role of a turn author
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationKey identifies a conversation: a chat plus an optional thread
type ConversationKey struct {
	ChatID   int64
	ThreadID int
}

// String renders the key as "chat" or "chat:thread"
func (k ConversationKey) String() string {
	if k.ThreadID == 0 {
		return fmt.Sprintf("%d", k.ChatID)
	}
	return fmt.Sprintf("%d:%d", k.ChatID, k.ThreadID)
}

// ReplyTarget tells the gateway where a response must be delivered
type ReplyTarget struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Key returns the conversation the target belongs to
func (t ReplyTarget) Key() ConversationKey {
	return ConversationKey{ChatID: t.ChatID, ThreadID: t.ThreadID}
}

// Image is a generated image artifact
type Image struct {
	Bytes         []byte
	RevisedPrompt string
}

// Turn is one immutable entry of a conversation history
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ImageRef  string    `json:"image_ref,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is the result of a successful generative call. Attempts counts
// the provider calls it took.
type Artifact struct {
	Text     string
	Image    *Image
	Attempts int
}

// IsImage reports whether the artifact carries an image
func (a Artifact) IsImage() bool {
	return a.Image != nil
}

// Content is an outbound message body: text, images, or both
type Content struct {
	Text     string
	Markdown bool
	Images   []Image
}

// Outbound pairs a reply target with content
type Outbound struct {
	Target  ReplyTarget
	Content Content
}

// EventKind classifies inbound gateway events
type EventKind int

const (
	EventMessage EventKind = iota
	EventConversationClosed
	EventOther
)

// InboundEvent is a gateway-neutral view of one platform update
type InboundEvent struct {
	Kind         EventKind
	ChatID       int64
	ThreadID     int
	MessageID    int
	UserID       int64
	UserName     string
	LanguageCode string
	FromBot      bool
	Private      bool
	ReplyToBot   bool
	Text         string
	ReceivedAt   time.Time
}

// Key returns the conversation the event belongs to
func (e InboundEvent) Key() ConversationKey {
	return ConversationKey{ChatID: e.ChatID, ThreadID: e.ThreadID}
}

// Target returns where replies to the event go
func (e InboundEvent) Target() ReplyTarget {
	return ReplyTarget{ChatID: e.ChatID, ThreadID: e.ThreadID, MessageID: e.MessageID}
}
