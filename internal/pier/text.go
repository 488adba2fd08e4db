package pier

import "strings"

// Lines splits text into its non-empty lines, for networks that carry one
// line per message.
func Lines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// LabeledLines is Lines with the "<sender> " label of the first line repeated
// on every following line, so continuation lines stay attributed.
func LabeledLines(text string) []string {
	lines := Lines(text)
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "<") {
		return lines
	}
	end := strings.Index(lines[0], "> ")
	if end < 0 {
		return lines
	}
	label := lines[0][:end+2]
	for i := 1; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], label) {
			lines[i] = label + lines[i]
		}
	}
	return lines
}
