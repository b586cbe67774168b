// Package format turns raw job output and bot replies into chat-safe
// plain and HTML bodies.
package format

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	mdhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	markdownOnce sync.Once
	markdownMD   goldmark.Markdown
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownMD = goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
			goldmark.WithRendererOptions(mdhtml.WithHardWraps()),
		)
	})
	return markdownMD
}

// Markdown renders a markdown reply into HTML suitable for a formatted
// message body. On render failure the escaped source is returned.
func Markdown(src string) string {
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(src), &buf); err != nil {
		return html.EscapeString(src)
	}
	return strings.TrimSpace(buf.String())
}

var markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)

// Plain strips the markdown markers the bot uses so the plain body reads
// cleanly in clients that ignore HTML.
func Plain(src string) string {
	src = markdownLink.ReplaceAllString(src, "$1 ($2)")
	r := strings.NewReplacer("**", "", "`", "")
	return r.Replace(src)
}

// CleanOutput strips terminal escape sequences and carriage-return
// progress redraws from job output.
func CleanOutput(s string) string {
	s = ansi.Strip(s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if idx := strings.LastIndex(line, "\r"); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// TailLines keeps at most max trailing lines of s. It returns the kept
// text and how many lines were dropped.
func TailLines(s string, max int) (string, int) {
	s = strings.TrimRight(s, "\n")
	if s == "" || max <= 0 {
		return s, 0
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s, 0
	}
	dropped := len(lines) - max
	return strings.Join(lines[dropped:], "\n"), dropped
}

// OutputBlock renders a chunk of job output as a code block, truncated to
// maxLines with a visible marker. header is shown above the block.
func OutputBlock(header, output string, maxLines int) (plain, formatted string) {
	body, dropped := TailLines(CleanOutput(output), maxLines)

	var marker string
	if dropped > 0 {
		marker = fmt.Sprintf("… %d earlier lines truncated …", dropped)
	}

	// Job output goes out verbatim; only the header is markdown.
	var pb strings.Builder
	if header != "" {
		pb.WriteString(Plain(header))
		pb.WriteString("\n")
	}
	if marker != "" {
		pb.WriteString(marker)
		pb.WriteString("\n")
	}
	pb.WriteString(body)

	var hb strings.Builder
	if header != "" {
		hb.WriteString(Markdown(header))
	}
	if marker != "" {
		hb.WriteString("<p><em>")
		hb.WriteString(html.EscapeString(marker))
		hb.WriteString("</em></p>")
	}
	hb.WriteString("<pre><code>")
	hb.WriteString(html.EscapeString(body))
	hb.WriteString("</code></pre>")

	return pb.String(), hb.String()
}

// Truncate truncates text to at most maxLen bytes, adding "..." if
// truncated. It never splits a UTF-8 sequence.
func Truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return cutRunes(text, maxLen)
	}
	return cutRunes(text, maxLen-3) + "..."
}

// cutRunes returns the longest prefix of s that is at most n bytes and ends
// on a rune boundary.
func cutRunes(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
