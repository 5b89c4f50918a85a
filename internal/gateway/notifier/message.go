package notifier

import (
	"strings"
	"time"

	"warden/internal/pkg/text"
)

// Telegram 单条消息上限 4096，留出 footer 余量。
const maxMessageRunes = 3800

// Section 是消息中的一个段落，正文放进代码块避免 Markdown 转义问题。
type Section struct {
	Title string
	Lines []string
}

// Message 描述一条结构化推送。
type Message struct {
	Icon      string
	Title     string
	Sections  []Section
	Footer    string
	Timestamp time.Time
}

// Markdown 渲染消息，超长时按 rune 截断。
func (m Message) Markdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString("*" + escapeInline(header) + "*\n\n")
	}
	b.WriteString(renderBlock(m.Sections))
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(escapeInline(footer))
		b.WriteString("\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("time: " + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return text.Truncate(strings.TrimSpace(b.String()), maxMessageRunes)
}

func renderBlock(secs []Section) string {
	var body strings.Builder
	first := true
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if !first {
			body.WriteString("\n")
		}
		first = false
		if title := strings.TrimSpace(sec.Title); title != "" {
			body.WriteString(fence(title) + "\n")
		}
		for _, line := range lines {
			body.WriteString("- " + fence(line) + "\n")
		}
	}
	if body.Len() == 0 {
		return ""
	}
	return "```\n" + body.String() + "```\n\n"
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// fence 防止正文提前闭合代码块。
func fence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

var inlineEscaper = strings.NewReplacer("*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[")

func escapeInline(s string) string {
	return inlineEscaper.Replace(s)
}
