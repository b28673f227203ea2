// ABOUTME: Outbound reply shaping before posting back to the platform
// ABOUTME: Strips self-mentions, truncates, and renders markdown to HTML

package bridge

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/loomlabs/tether/internal/platform"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// Formatter shapes generated replies for the platform.
type Formatter struct {
	maxRunes int
}

// NewFormatter creates a formatter with the given rune limit per post.
func NewFormatter(maxRunes int) *Formatter {
	return &Formatter{maxRunes: maxRunes}
}

// Format returns the plain-text and HTML bodies for a generated reply.
// Self-mentions are stripped so a reply can never re-trigger the bot.
func (f *Formatter) Format(reply string, me platform.Identity) (text, html string) {
	text = StripSelfMentions(reply, me)
	text = Truncate(text, f.maxRunes)
	html = RenderHTML(text)
	return text, html
}

// StripSelfMentions removes references to the bot's own identity from text.
func StripSelfMentions(text string, me platform.Identity) string {
	for _, mention := range selfMentions(me) {
		// Drop a leading "mention:" address form entirely.
		for _, prefix := range []string{mention + ":", mention + ","} {
			if strings.HasPrefix(text, prefix) {
				text = strings.TrimPrefix(text, prefix)
			}
		}
		text = strings.ReplaceAll(text, mention, "")
	}
	return strings.TrimSpace(text)
}

func selfMentions(me platform.Identity) []string {
	var mentions []string
	if me.UserID != "" {
		mentions = append(mentions, me.UserID)
		// Matrix user ids mention as the bare localpart too.
		if strings.HasPrefix(me.UserID, "@") {
			if idx := strings.Index(me.UserID, ":"); idx > 1 {
				mentions = append(mentions, me.UserID[:idx])
			}
		}
	}
	if me.DisplayName != "" {
		mentions = append(mentions, "@"+me.DisplayName)
	}
	return mentions
}

// Truncate limits text to maxRunes, appending an ellipsis when cut.
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}

// RenderHTML renders markdown to HTML for the formatted message body.
// Returns empty on render failure; callers fall back to plain text.
func RenderHTML(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
