package segment

import "strings"

// TrimLines returns a prefix of lines that fits within maxChars, charging
// each line its text plus role plus separator overhead. The first line is
// always kept so a segment never renders empty. maxChars <= 0 disables
// trimming.
func TrimLines(lines []Line, maxChars int) []Line {
	if maxChars <= 0 || len(lines) == 0 {
		return lines
	}

	used := 0
	kept := make([]Line, 0, len(lines))
	for _, ln := range lines {
		cost := len(ln.Text) + len(ln.Role) + 3
		if len(kept) > 0 && used+cost > maxChars {
			break
		}
		kept = append(kept, ln)
		used += cost
	}
	return kept
}

// Render formats lines as a prompt-ready block, one "role: text" per line.
func Render(lines []Line) string {
	var b strings.Builder
	for i, ln := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(ln.Role)
		b.WriteString(": ")
		b.WriteString(ln.Text)
	}
	return b.String()
}

// RenderTrimmed renders a segment's lines within a character budget.
func RenderTrimmed(seg *Segment, maxChars int) string {
	return Render(TrimLines(seg.Lines, maxChars))
}
