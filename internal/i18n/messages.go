package i18n

import "github.com/nicksnyder/go-i18n/v2/i18n"

var defaultMessages = []*i18n.Message{
	{
		ID:    MsgWelcome,
		Other: "Hi {{.Name}}! Talk to me with /chat, or make pictures with /gen.",
	},
	{
		ID: MsgHelp,
		Other: "*Commands*\n" +
			"/chat <text> - talk to me (in private chats just write)\n" +
			"/gen [n=1..10] [size=square|wide|tall] [style=vivid|natural] [quality=standard|hd] <prompt> - generate images\n" +
			"/roll <dice> - roll cortex dice, like `d4` or `3d6 1d10` or `6 8 10`\n" +
			"/shimmer <dice> - roll dice that may shimmer up a size\n" +
			"/info - your image credit\n" +
			"/clear - forget this conversation",
	},
	{
		ID:    MsgContextCleared,
		Other: "Conversation cleared.",
	},
	{
		ID:    MsgInfo,
		Other: "You've got {{.Credit}} worth of image generation credits left. You've used {{.Total}} worth of credits all time, and generated {{.Images}} images.",
	},
	{
		ID:    MsgInfoOverdrafted,
		Other: "You're over your limit! Your credits stand at {{.Credit}}, you've used {{.Total}} worth of credits all time, and generated {{.Images}} images. Ask the bot owner{{if .Owner}} ({{.Owner}}){{end}} to update your limits.",
	},
	{
		ID:    MsgInfoUnlimited,
		Other: "Image generation isn't metered here. Go wild.",
	},
	{
		ID:    MsgBusy,
		Other: "I'm still working on your last request. Try again in a moment.",
	},
	{
		ID:    MsgFailed,
		Other: "Sorry, the generation failed after {{.Attempts}} attempts. Please try again later.",
	},
	{
		ID:    MsgTimeout,
		Other: "Sorry, that took too long and I gave up. Please try again.",
	},
	{
		ID:    MsgRejected,
		Other: "The provider refused this request: {{.Reason}}",
	},
	{
		ID:    MsgError,
		Other: "Something went wrong. Please try again later.",
	},
	{
		ID:    MsgLimitReached,
		Other: "Limit reached. Ask the bot owner{{if .Owner}} ({{.Owner}}){{end}} to update your limits.",
	},
	{
		ID:    MsgZeroImages,
		Other: "Getting philosophical with us eh? Here's zero images for you:",
	},
	{
		ID:    MsgTooManyImages,
		Other: "This mortal frame can't handle such treasures. {{.Max}} is the max at once, chum.",
	},
	{
		ID:    MsgGenerated,
		Other: "Generated!",
	},
	{
		ID:    MsgGeneratedPartial,
		One:   "Generated! (1 failed)",
		Other: "Generated! ({{.Count}} failed)",
	},
	{
		ID:    MsgLowTraffic,
		Other: "This chat is intended to be low traffic. Please move this conversation somewhere else.",
	},
	{
		ID:    MsgRollResult,
		Other: "Rolling {{.Dice}}\n\nResult: {{.Result}}",
	},
	{
		ID:    MsgRollTooLong,
		Other: "Roll {{.Dice}}?? hoo.. that's a lot. I don't wanna flood the chat here, so, uh, I'll give you the quick summary:\n\n{{.Summary}}",
	},
	{
		ID:    MsgDiceSyntax,
		Other: "Expected {{.Term}} to be like XdY, e.g. 3d6 or 1d8",
	},
	{
		ID:    MsgDiceTooMany,
		Other: "Hey buddy, I'm just a demigod, that's too many dice!",
	},
	{
		ID:    MsgDiceNone,
		Other: "Which dice? Try something like `3d6 1d10`.",
	},
}
