package parser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hypnos-tgbot-go/internal/models"
)

var commands = map[string]models.CommandKind{
	"chat":    models.CommandChat,
	"ask":     models.CommandChat,
	"gen":     models.CommandGenerateImage,
	"image":   models.CommandGenerateImage,
	"roll":    models.CommandRoll,
	"shimmer": models.CommandShimmer,
	"info":    models.CommandInfo,
	"clear":   models.CommandClear,
	"help":    models.CommandHelp,
	"start":   models.CommandHelp,
}

var imageOptionKeys = map[string]bool{
	"n":       true,
	"num":     true,
	"count":   true,
	"size":    true,
	"style":   true,
	"quality": true,
}

// Parser turns inbound events into commands. It never blocks and never
// fails: anything it does not understand becomes CommandUnknown.
type Parser struct {
	botName      string
	mentionWords []string
	mention      *regexp.Regexp
}

// New creates a parser for the bot called botName (without the @).
// mentionWords make group messages containing them count as chat.
func New(botName string, mentionWords []string) *Parser {
	words := make([]string, 0, len(mentionWords))
	for _, w := range mentionWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	p := &Parser{
		botName:      strings.ToLower(strings.TrimPrefix(botName, "@")),
		mentionWords: words,
	}
	if p.botName != "" {
		p.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(p.botName) + `\b`)
	}
	return p
}

// Parse classifies ev
func (p *Parser) Parse(ev models.InboundEvent) models.Command {
	cmd := models.Command{
		Kind:     models.CommandUnknown,
		Key:      ev.Key(),
		Target:   ev.Target(),
		UserID:   ev.UserID,
		UserName: ev.UserName,
		Language: ev.LanguageCode,
	}

	switch ev.Kind {
	case models.EventConversationClosed:
		cmd.Kind = models.CommandClose
		return cmd
	case models.EventMessage:
	default:
		return cmd
	}

	text := strings.TrimSpace(ev.Text)
	if ev.FromBot || text == "" {
		return cmd
	}

	if strings.HasPrefix(text, "/") {
		return p.parseCommand(cmd, text)
	}

	if ev.Private || ev.ReplyToBot || p.mentioned(text) {
		if text = p.stripMention(text); text != "" {
			cmd.Kind = models.CommandChat
			cmd.Text = text
		}
	}
	return cmd
}

func (p *Parser) parseCommand(cmd models.Command, text string) models.Command {
	head, rest := splitFirst(text)
	name := strings.ToLower(strings.TrimPrefix(head, "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		// Addressed to another bot in the same chat
		if p.botName != "" && name[at+1:] != p.botName {
			return cmd
		}
		name = name[:at]
	}

	kind, ok := commands[name]
	if !ok {
		return cmd
	}

	switch kind {
	case models.CommandChat:
		if rest == "" {
			return cmd
		}
		cmd.Text = rest
	case models.CommandGenerateImage:
		opts, ok := parseImage(rest)
		if !ok {
			return cmd
		}
		cmd.Image = opts
	case models.CommandRoll, models.CommandShimmer:
		cmd.Text = rest
	}
	cmd.Kind = kind
	return cmd
}

// parseImage reads leading key=value options and takes the rest as prompt
func parseImage(rest string) (models.ImageOptions, bool) {
	opts := models.DefaultImageOptions("")
	for rest != "" {
		token, remaining := splitFirst(rest)
		key, value, found := strings.Cut(token, "=")
		if !found || !imageOptionKeys[strings.ToLower(key)] {
			break
		}
		if err := opts.SetOption(key, value); err != nil {
			return opts, false
		}
		rest = remaining
	}
	opts.Prompt = rest
	return opts, opts.Prompt != ""
}

func (p *Parser) mentioned(text string) bool {
	if p.mention != nil && p.mention.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, word := range p.mentionWords {
		if containsWord(lower, word) {
			return true
		}
	}
	return false
}

// stripMention removes @botname from the text
func (p *Parser) stripMention(text string) string {
	if p.mention == nil {
		return text
	}
	return strings.Join(strings.Fields(p.mention.ReplaceAllString(text, " ")), " ")
}

// containsWord reports whether word occurs in s on word boundaries
func containsWord(s, word string) bool {
	for start := 0; start < len(s); {
		idx := strings.Index(s[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:idx])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if boundary(before) && boundary(after) {
			return true
		}
		start = idx + 1
	}
	return false
}

func boundary(r rune) bool {
	return r == utf8.RuneError || !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}
