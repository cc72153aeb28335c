package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"nexus-assistant/internal/domain"
)

const noneSentinel = "None"

// normalizePromptInput collapses all whitespace so every entry renders on a
// single line.
func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}

func promptLine(s string, max int) string {
	return truncateRunes(normalizePromptInput(s), max)
}

// renderMemoryBullets renders one "• text" line per memory, or the None
// sentinel.
func renderMemoryBullets(ms []domain.Memory, lineRunes int) string {
	lines := make([]string, 0, len(ms))
	for _, m := range ms {
		text := promptLine(m.Text, lineRunes)
		if text == "" {
			continue
		}
		lines = append(lines, "• "+text)
	}
	if len(lines) == 0 {
		return noneSentinel
	}
	return strings.Join(lines, "\n")
}

// renderKnownMemories renders "[id] text" lines so the judge can reference a
// memory by id.
func renderKnownMemories(ms []domain.Memory, lineRunes int) string {
	lines := make([]string, 0, len(ms))
	for _, m := range ms {
		text := promptLine(m.Text, lineRunes)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%d] %s", m.ID, text))
	}
	if len(lines) == 0 {
		return noneSentinel
	}
	return strings.Join(lines, "\n")
}

// renderHistory renders role-prefixed lines in the given order, or the None
// sentinel.
func renderHistory(turns []domain.ConversationTurn, lineRunes int) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		content := promptLine(t.Content, lineRunes)
		if content == "" {
			continue
		}
		lines = append(lines, strings.ToUpper(t.Role)+": "+content)
	}
	if len(lines) == 0 {
		return noneSentinel
	}
	return strings.Join(lines, "\n")
}
