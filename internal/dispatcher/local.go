package dispatcher

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/hypnos-tgbot-go/internal/i18n"
	"github.com/hypnos-tgbot-go/internal/models"
	"github.com/hypnos-tgbot-go/internal/services/dice"
)

// maxRollLength is the longest roll reply before falling back to the summary
const maxRollLength = 1950

// local answers commands that need no external call
func (d *Dispatcher) local(ctx context.Context, cmd models.Command) []models.Outbound {
	switch cmd.Kind {
	case models.CommandRoll:
		return d.roll(cmd, dice.Cortex)
	case models.CommandShimmer:
		return d.roll(cmd, dice.Shimmer)
	case models.CommandInfo:
		return d.info(ctx, cmd)
	case models.CommandHelp:
		welcome := d.localizer.Get(cmd.Language, i18n.MsgWelcome, map[string]interface{}{"Name": cmd.UserName})
		help := d.localizer.Get(cmd.Language, i18n.MsgHelp, nil)
		return []models.Outbound{{
			Target:  cmd.Target,
			Content: models.Content{Text: welcome + "\n\n" + help, Markdown: true},
		}}
	}
	return nil
}

func (d *Dispatcher) roll(cmd models.Command, mode dice.Mode) []models.Outbound {
	dies, err := dice.Parse(cmd.Text, mode)
	if err != nil {
		var syntax *dice.SyntaxError
		switch {
		case errors.As(err, &syntax):
			return []models.Outbound{d.notice(cmd.Target, cmd.Language, i18n.MsgDiceSyntax, map[string]interface{}{"Term": syntax.Term})}
		case errors.Is(err, dice.ErrTooManyDice):
			return []models.Outbound{d.notice(cmd.Target, cmd.Language, i18n.MsgDiceTooMany, nil)}
		default:
			return []models.Outbound{d.notice(cmd.Target, cmd.Language, i18n.MsgDiceNone, nil)}
		}
	}

	result := d.roller.Roll(dies, mode)
	text := d.localizer.Get(cmd.Language, i18n.MsgRollResult, map[string]interface{}{
		"Dice":   cmd.Text,
		"Result": result.Markdown(),
	})
	if len(text) > maxRollLength {
		text = d.localizer.Get(cmd.Language, i18n.MsgRollTooLong, map[string]interface{}{
			"Dice":    cmd.Text,
			"Summary": result.Summary(),
		})
	}
	return []models.Outbound{{
		Target:  cmd.Target,
		Content: models.Content{Text: text, Markdown: true},
	}}
}

func (d *Dispatcher) info(ctx context.Context, cmd models.Command) []models.Outbound {
	if d.ledger == nil || !d.ledger.Enabled() {
		return []models.Outbound{d.notice(cmd.Target, cmd.Language, i18n.MsgInfoUnlimited, nil)}
	}

	acc, err := d.ledger.Account(ctx, cmd.UserID, cmd.UserName)
	if err != nil {
		d.logger.WithError(err).WithField("user_id", cmd.UserID).Error("Failed to load account")
		return []models.Outbound{d.notice(cmd.Target, cmd.Language, i18n.MsgError, nil)}
	}

	data := map[string]interface{}{
		"Credit": i18n.Dollars(acc.Credit),
		"Total":  i18n.Dollars(acc.TotalCost),
		"Images": humanize.Comma(acc.Images),
		"Owner":  d.config.Ledger.Owner,
	}
	msgID := i18n.MsgInfo
	if acc.Overdrafted() {
		msgID = i18n.MsgInfoOverdrafted
	}
	return []models.Outbound{d.notice(cmd.Target, cmd.Language, msgID, data)}
}
