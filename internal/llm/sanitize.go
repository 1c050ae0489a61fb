package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// StripThinkingTags removes <think>...</think> reasoning blocks that some
// local models (qwen3, deepseek-r1) emit before the answer. An unterminated
// block is dropped to the end of the text; a closing tag with no opening
// tag drops everything before it.
func StripThinkingTags(s string) string {
	if i := strings.Index(s, thinkClose); i >= 0 && !strings.Contains(s[:i], thinkOpen) {
		s = s[i+len(thinkClose):]
	}
	for {
		start := strings.Index(s, thinkOpen)
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], thinkClose)
		if end < 0 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len(thinkClose):]
	}
	return strings.TrimSpace(s)
}
