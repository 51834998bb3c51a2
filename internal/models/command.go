package models

// CommandKind is the tag of a Command
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandChat
	CommandGenerateImage
	CommandRoll
	CommandShimmer
	CommandInfo
	CommandClear
	CommandHelp
	CommandClose
)

var commandKindNames = map[CommandKind]string{
	CommandUnknown:       "unknown",
	CommandChat:          "chat",
	CommandGenerateImage: "image",
	CommandRoll:          "roll",
	CommandShimmer:       "shimmer",
	CommandInfo:          "info",
	CommandClear:         "clear",
	CommandHelp:          "help",
	CommandClose:         "close",
}

func (k CommandKind) String() string {
	if name, ok := commandKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Command is a parsed inbound event. It is produced once by the parser and
// never mutated afterwards.
type Command struct {
	Kind     CommandKind
	Key      ConversationKey
	Target   ReplyTarget
	UserID   int64
	UserName string
	Language string

	// Text is the chat text for CommandChat and the dice expression for
	// CommandRoll and CommandShimmer.
	Text  string
	Image ImageOptions
}

// NeedsSlot reports whether the command issues an external call and must
// therefore hold an in-flight slot.
func (c Command) NeedsSlot() bool {
	return c.Kind == CommandChat || c.Kind == CommandGenerateImage
}
