package markdown

import "strings"

// Спецсимволы Telegram MarkdownV2
const escapeChars = "_*[]()~`>#+-=|{}.!"

func Escape(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(escapeChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
