package normalize

import "strings"

// Text normalizes free-form text before chunking: escape sequences are
// decoded, newlines unified, runs of three or more blank lines collapsed
// to two, and whitespace-only lines emptied. The function is idempotent:
// Text(Text(s)) == Text(s).
func Text(s string) string {
	return normalize(s, false)
}

// TextPreservingCode behaves like Text but leaves lines inside fenced
// code blocks untouched, so indentation-significant code survives.
func TextPreservingCode(s string) string {
	return normalize(s, true)
}

func normalize(s string, preserveCode bool) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = decodeEscapes(s)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	blanks := 0
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			blanks = 0
			out = append(out, strings.TrimRight(line, " \t"))
			continue
		}
		if preserveCode && inFence {
			blanks = 0
			out = append(out, line)
			continue
		}

		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			line = ""
		}

		// Collapse runs of 3+ blank lines down to 2
		if line == "" {
			blanks++
			if blanks > 2 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}

	return strings.Trim(strings.Join(out, "\n"), "\n")
}

// decodeEscapes turns literal backslash escapes (\n, \t, \r) into their
// characters. Escaped backslashes are left alone so the transform stays
// idempotent.
func decodeEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
			i++
		case 't':
			b.WriteByte('\t')
			i++
		case 'r':
			i++ // dropped; newlines were already unified
		case '\\':
			b.WriteString(`\\`)
			i++
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
