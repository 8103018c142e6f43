package generator

import "strings"

// ExtractCode strips markdown code fences from a generation result. Models
// often wrap code in ```go blocks even when told not to.
func ExtractCode(raw string) string {
	text := strings.TrimSpace(raw)

	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}

	// Skip the opening fence and optional language tag.
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "go" || firstLine == "golang" || firstLine == "" {
			rest = rest[nl+1:]
		}
	}

	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// ExtractJSON isolates the first JSON object or array in a generation
// result, tolerating fences and surrounding prose.
func ExtractJSON(raw string) string {
	text := ExtractCode(raw)

	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')
	start := objStart
	var open, close byte = '{', '}'
	if start < 0 || (arrStart >= 0 && arrStart < start) {
		start = arrStart
		open, close = '[', ']'
	}
	if start < 0 {
		return text
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}
