package approval

import (
	"strings"
)

var confirmWords = map[string]bool{
	"y": true, "yes": true, "go": true, "start": true, "ok": true,
}

var confirmReactions = map[string]bool{
	"👍": true, "✅": true, "✔": true, "☑": true, "🆗": true, "👌": true, "🚀": true,
	":+1:": true, ":thumbsup:": true, ":white_check_mark:": true, ":ok:": true,
}

var cancelReactions = map[string]bool{
	"👎": true, "❌": true, "✖": true, "🛑": true, "🚫": true, "⛔": true,
	":-1:": true, ":thumbsdown:": true, ":x:": true, ":stop_sign:": true,
}

// ParseReply maps a reply to a decision. Only the confirm words confirm;
// explicit cancel words (n, no, cancel, stop, end, nope) and any other text
// cancel.
func ParseReply(text string) Decision {
	word := strings.ToLower(strings.TrimSpace(text))
	word = strings.TrimRight(word, ".!? ")
	if confirmWords[word] {
		return DecisionConfirmed
	}
	return DecisionCancelled
}

// ParseReaction maps a reaction key to a decision. It reports false for
// reactions outside the fixed set.
func ParseReaction(key string) (Decision, bool) {
	k := normalizeEmoji(key)
	switch {
	case confirmReactions[k]:
		return DecisionConfirmed, true
	case cancelReactions[k]:
		return DecisionCancelled, true
	default:
		return "", false
	}
}

// normalizeEmoji drops variation selectors and skin tone modifiers so
// "👍🏽" and "👍️" both match "👍".
func normalizeEmoji(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\uFE0F', r == '\uFE0E':
			return -1
		case r >= 0x1F3FB && r <= 0x1F3FF:
			return -1
		default:
			return r
		}
	}, s)
}
