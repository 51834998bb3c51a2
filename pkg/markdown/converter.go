package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var (
	paragraphPattern = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	headingPattern   = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	codeBlockPattern = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	tagPattern       = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?/?>`)
	blankLines       = regexp.MustCompile(`\n{3,}`)

	replacer = strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
		"<del>", "<s>", "</del>", "</s>",
		"<ul>", "", "</ul>", "",
		"<ol>", "", "</ol>", "",
		"<li>", "• ", "</li>", "",
		"<br>", "\n", "<br/>", "\n", "<br />", "\n",
		"<hr>", "", "<hr/>", "", "<hr />", "",
	)

	// Tags Telegram's HTML parse mode understands
	supportedTags = map[string]bool{
		"b": true, "i": true, "u": true, "s": true,
		"code": true, "pre": true, "a": true,
	}
)

const extensions = blackfriday.CommonExtensions &^ blackfriday.DefinitionLists

// ToTelegramHTML converts markdown to the HTML subset Telegram accepts
func ToTelegramHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(extensions)))
	return cleanHTMLForTelegram(html)
}

// cleanHTMLForTelegram rewrites or drops tags Telegram does not support
func cleanHTMLForTelegram(html string) string {
	html = paragraphPattern.ReplaceAllString(html, "$1\n")
	html = headingPattern.ReplaceAllString(html, "<b>$1</b>\n")
	html = codeBlockPattern.ReplaceAllString(html, "<pre>$1</pre>")
	html = replacer.Replace(html)

	html = tagPattern.ReplaceAllStringFunc(html, func(match string) string {
		name := tagPattern.FindStringSubmatch(match)[1]
		if supportedTags[strings.ToLower(name)] {
			return match
		}
		return ""
	})

	html = blankLines.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
