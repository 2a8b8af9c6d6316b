package knowledge

import "strings"

const (
	chunkMinSize = 500
	chunkMaxSize = 1000
	chunkOverlap = 50
)

type chunk struct {
	content     string
	startOffset int
	endOffset   int
	// heading is the closest markdown heading at or before the chunk start.
	heading string
}

// chunkContent splits content on line boundaries into chunks of at most
// chunkMaxSize bytes with chunkOverlap bytes carried into the next chunk.
// A short trailing remainder is dropped unless it is the only chunk.
func chunkContent(content string) []chunk {
	var chunks []chunk
	lines := strings.Split(content, "\n")

	var current strings.Builder
	startOffset := 0
	offset := 0
	heading := ""
	chunkHeading := ""

	for _, line := range lines {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > chunkMaxSize {
			if text := strings.TrimSpace(current.String()); text != "" {
				chunks = append(chunks, chunk{
					content:     text,
					startOffset: startOffset,
					endOffset:   offset,
					heading:     chunkHeading,
				})
			}

			text := current.String()
			current.Reset()
			if len(text) > chunkOverlap {
				current.WriteString(text[len(text)-chunkOverlap:])
				startOffset = offset - chunkOverlap
			} else {
				startOffset = offset
			}
			chunkHeading = heading
		}

		if h, ok := markdownHeading(line); ok {
			heading = h
			if current.Len() == 0 || strings.TrimSpace(current.String()) == "" {
				chunkHeading = h
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		offset += lineLen
	}

	if current.Len() >= chunkMinSize || len(chunks) == 0 {
		if text := strings.TrimSpace(current.String()); text != "" {
			chunks = append(chunks, chunk{
				content:     text,
				startOffset: startOffset,
				endOffset:   offset,
				heading:     chunkHeading,
			})
		}
	}

	return chunks
}

func markdownHeading(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	rest := strings.TrimLeft(trimmed, "#")
	level := len(trimmed) - len(rest)
	if level == 0 || level > 6 || !strings.HasPrefix(rest, " ") {
		return "", false
	}
	text := strings.TrimSpace(rest)
	return text, text != ""
}
