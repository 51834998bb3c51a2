package i18n

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/hypnos-tgbot-go/internal/config"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a localizer with the built in English messages. Files
// named <lang>.json in cfg.Directory override or add translations.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)
	if err := bundle.AddMessages(language.English, defaultMessages...); err != nil {
		return nil, fmt.Errorf("failed to load default messages: %w", err)
	}

	// Load language files
	if cfg.Directory != "" {
		for _, lang := range cfg.Languages {
			path := filepath.Join(cfg.Directory, fmt.Sprintf("%s.json", lang))
			if _, err := os.Stat(path); os.IsNotExist(err) {
				continue
			}
			if _, err := bundle.LoadMessageFile(path); err != nil {
				return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
			}
		}
	}

	defaultLanguage := cfg.DefaultLanguage
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range append([]string{defaultLanguage}, cfg.Languages...) {
		localizers[lang] = i18n.NewLocalizer(bundle, lang, defaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: defaultLanguage,
		localizers:      localizers,
	}, nil
}

func (l *Localizer) localizer(lang string) *i18n.Localizer {
	if localizer, exists := l.localizers[lang]; exists {
		return localizer
	}
	// Platform codes such as "en-US" fall back to their base language
	if tag, err := language.Parse(lang); err == nil {
		base, _ := tag.Base()
		if localizer, exists := l.localizers[base.String()]; exists {
			return localizer
		}
	}
	return l.localizers[l.defaultLanguage]
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	return l.localize(lang, &i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
}

// Plural returns a localized message chosen by count. Count is also
// available to the template.
func (l *Localizer) Plural(lang, messageID string, count int, data map[string]interface{}) string {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["Count"] = humanize.Comma(int64(count))

	return l.localize(lang, &i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
		PluralCount:  count,
	})
}

// localize renders cfg for lang. A message missing from a partial
// translation is rendered in the default language instead.
func (l *Localizer) localize(lang string, cfg *i18n.LocalizeConfig) string {
	msg, err := l.localizer(lang).Localize(cfg)
	if err == nil {
		return msg
	}
	var notFound *i18n.MessageNotFoundErr
	if errors.As(err, &notFound) {
		if msg, err := l.localizers[l.defaultLanguage].Localize(cfg); err == nil {
			return msg
		}
	}
	return cfg.MessageID // Fallback to message ID
}

// Dollars renders a cost as a dollar amount with thousands separators
func Dollars(c models.Cost) string {
	return "$" + humanize.FormatFloat("#,###.##", c.Dollars())
}

// Message IDs
const (
	MsgWelcome          = "welcome"
	MsgHelp             = "help"
	MsgContextCleared   = "context_cleared"
	MsgInfo             = "info"
	MsgInfoOverdrafted  = "info_overdrafted"
	MsgInfoUnlimited    = "info_unlimited"
	MsgBusy             = "busy"
	MsgFailed           = "failed"
	MsgTimeout          = "timeout"
	MsgRejected         = "rejected"
	MsgError            = "error"
	MsgLimitReached     = "limit_reached"
	MsgZeroImages       = "zero_images"
	MsgTooManyImages    = "too_many_images"
	MsgGenerated        = "generated"
	MsgGeneratedPartial = "generated_partial"
	MsgLowTraffic       = "low_traffic"
	MsgRollResult       = "roll_result"
	MsgRollTooLong      = "roll_too_long"
	MsgDiceSyntax       = "dice_syntax"
	MsgDiceTooMany      = "dice_too_many"
	MsgDiceNone         = "dice_none"
)
