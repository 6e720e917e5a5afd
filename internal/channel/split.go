package channel

import "strings"

// Split breaks text into chunks of at most max bytes, preferring paragraph,
// line, sentence and word boundaries in that order.
func Split(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var chunks []string
	rest := text
	for len(rest) > max {
		at := splitPoint(rest, max)
		if chunk := strings.TrimSpace(rest[:at]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimSpace(rest[at:])
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func splitPoint(text string, max int) int {
	window := text[:max]
	for _, sep := range []string{"\n\n", "\n", ". ", "! ", "? ", " "} {
		if idx := strings.LastIndex(window, sep); idx > max/2 {
			return idx + len(sep)
		}
	}
	// never cut a multi-byte rune in half
	at := max
	for at > 0 && !isRuneStart(text[at]) {
		at--
	}
	if at == 0 {
		return max
	}
	return at
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
