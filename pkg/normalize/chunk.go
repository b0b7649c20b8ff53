package normalize

import "strings"

// EstimateTokens approximates the token count of a text. Four characters
// per token is the usual rule of thumb for the embedding models Jervis
// runs; overshooting is safer than undershooting, so short texts round up.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// Chunk splits text into pieces whose estimated token count stays at or
// below maxTokens. Splits prefer paragraph boundaries, then single lines;
// only a pathological single line gets cut mid-text. Chunk order follows
// text order and no content is dropped.
func Chunk(s string, maxTokens int) []string {
	if maxTokens <= 0 || EstimateTokens(s) <= maxTokens {
		if s == "" {
			return nil
		}
		return []string{s}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.Trim(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, para := range strings.Split(s, "\n\n") {
		if para == "" {
			continue
		}
		if EstimateTokens(para) > maxTokens {
			flush()
			chunks = append(chunks, splitOversized(para, maxTokens)...)
			continue
		}
		if current.Len() > 0 && EstimateTokens(current.String())+EstimateTokens(para) > maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

// splitOversized handles a single paragraph exceeding the budget: first
// by lines, then by a hard character cut.
func splitOversized(para string, maxTokens int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.Trim(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, line := range strings.Split(para, "\n") {
		if EstimateTokens(line) > maxTokens {
			flush()
			chunks = append(chunks, hardSplit(line, maxTokens)...)
			continue
		}
		if current.Len() > 0 && EstimateTokens(current.String())+EstimateTokens(line) > maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()

	return chunks
}

func hardSplit(s string, maxTokens int) []string {
	maxBytes := maxTokens * 4
	var chunks []string
	runes := []rune(s)
	var current strings.Builder
	for _, r := range runes {
		if current.Len()+len(string(r)) > maxBytes {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
