package llm

import (
	"regexp"
	"strings"
)

var (
	fencedObject  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	fencedArray   = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	bareObject    = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	bareArray     = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of a model response, tolerating
// markdown fences and trailing commas.
func ExtractJSON(content string) string {
	if m := fencedObject.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := bareObject.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// ExtractJSONArray pulls a JSON array out of a model response.
func ExtractJSONArray(content string) string {
	if m := fencedArray.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := bareArray.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// cleanJSON strips line comments outside string values and trailing commas,
// the two malformations models produce most often.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingComma.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
