// Package trailers parses and formats the structured key-value metadata
// jjagent stores in commit descriptions.
//
// A description is split into a title (the first line), a body, and a
// trailer block. The trailer block is the final paragraph of the
// description, preceded by a blank line, in which every line has the form
// "Key: Value". Lines of that shape anywhere else are body text. A final
// paragraph that mixes trailer and non-trailer lines is not a trailer block,
// and such a description simply has no trailers.
package trailers

import (
	"regexp"
	"strings"
)

// Trailer key constants used in commit descriptions.
const (
	// SessionKey identifies the agent session a commit belongs to.
	SessionKey = "Claude-session-id"

	// PrecommitKey marks the scratch commit created for a single edit operation.
	PrecommitKey = "Claude-precommit-session-id"
)

// trailerLineRegex matches a single "Key: Value" trailer line.
var trailerLineRegex = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9-]*):[ \t]+(\S.*?)[ \t]*$`)

// keyRegex matches a valid trailer key.
var keyRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// Trailer is a single key-value pair from a trailer block.
type Trailer struct {
	Key   string
	Value string
}

// String renders the trailer as a description line.
func (t Trailer) String() string {
	return t.Key + ": " + t.Value
}

// Valid reports whether the trailer survives a Format/Parse round trip.
func (t Trailer) Valid() bool {
	if !keyRegex.MatchString(t.Key) {
		return false
	}
	v := strings.TrimSpace(t.Value)
	return v != "" && v == t.Value && !strings.ContainsAny(v, "\r\n")
}

// Message is a parsed description.
type Message struct {
	Title    string
	Body     string
	Trailers []Trailer
}

// Value returns the last value recorded for key.
func (m Message) Value(key string) (string, bool) {
	for i := len(m.Trailers) - 1; i >= 0; i-- {
		if m.Trailers[i].Key == key {
			return m.Trailers[i].Value, true
		}
	}
	return "", false
}

// Values returns every value recorded for key, in order.
func (m Message) Values(key string) []string {
	var values []string
	for _, t := range m.Trailers {
		if t.Key == key {
			values = append(values, t.Value)
		}
	}
	return values
}

// Has reports whether the trailer block contains exactly key: value.
func (m Message) Has(key, value string) bool {
	for _, t := range m.Trailers {
		if t.Key == key && t.Value == value {
			return true
		}
	}
	return false
}

// String formats the message back into a description.
func (m Message) String() string {
	return Format(m.Title, m.Body, m.Trailers)
}

// Parse splits a description into title, body and trailers.
func Parse(description string) Message {
	trimmed := strings.TrimRight(description, " \t\r\n")
	if trimmed == "" {
		return Message{}
	}

	lines := strings.Split(trimmed, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}

	msg := Message{Title: strings.TrimSpace(lines[0])}

	// Walk back over the final paragraph. It can only be a trailer block if
	// a blank line separates it from everything above, and the title line is
	// never part of it.
	end := len(lines)
	start := end
	for start-1 >= 1 && !isBlank(lines[start-1]) {
		start--
	}

	bodyEnd := end
	if start >= 2 && isBlank(lines[start-1]) {
		if block, ok := parseBlock(lines[start:end]); ok {
			msg.Trailers = block
			bodyEnd = start
		}
	}

	msg.Body = joinTrimmed(lines[1:bodyEnd])
	return msg
}

// parseBlock parses a candidate trailer paragraph. Every line must be a
// trailer for the block to count.
func parseBlock(lines []string) ([]Trailer, bool) {
	if len(lines) == 0 {
		return nil, false
	}
	block := make([]Trailer, 0, len(lines))
	for _, line := range lines {
		matches := trailerLineRegex.FindStringSubmatch(line)
		if matches == nil {
			return nil, false
		}
		block = append(block, Trailer{Key: matches[1], Value: matches[2]})
	}
	return block, true
}

// Format builds a description from its parts. Parse(Format(t, b, T)).Trailers
// equals T for any title without newlines and any valid trailers T. With no
// trailers, a body whose last paragraph has the trailer shape is joined to
// the text above it so it still reads as body.
func Format(title, body string, trailers []Trailer) string {
	var sb strings.Builder
	sb.WriteString(title)

	if body = strings.TrimRight(strings.TrimLeft(body, "\n"), " \t\r\n"); body != "" {
		sep := "\n\n"
		if len(trailers) == 0 {
			body, sep = withoutTrailerShape(body)
		}
		sb.WriteString(sep)
		sb.WriteString(body)
	}

	if len(trailers) > 0 {
		sb.WriteString("\n\n")
		for i, t := range trailers {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(t.String())
		}
	}

	sb.WriteString("\n")
	return sb.String()
}

// WithTrailer inserts or updates one trailer without touching title or body.
// An identical existing line is left alone; an existing key with a different
// value has its last occurrence replaced; otherwise the trailer is appended.
func WithTrailer(description, key, value string) string {
	msg := Parse(description)
	if msg.Has(key, value) {
		return description
	}

	updated := make([]Trailer, len(msg.Trailers))
	copy(updated, msg.Trailers)

	replaced := false
	for i := len(updated) - 1; i >= 0; i-- {
		if updated[i].Key == key {
			updated[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		updated = append(updated, Trailer{Key: key, Value: value})
	}

	return Format(msg.Title, msg.Body, updated)
}

// WithoutKey removes every trailer with the given key.
func WithoutKey(description, key string) string {
	msg := Parse(description)
	kept := make([]Trailer, 0, len(msg.Trailers))
	for _, t := range msg.Trailers {
		if t.Key != key {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(msg.Trailers) {
		return description
	}
	return Format(msg.Title, msg.Body, kept)
}

// ReplaceText swaps the title and body of description for text while
// keeping the existing trailer block.
func ReplaceText(description, text string) string {
	existing := Parse(description)
	text = strings.Trim(text, " \t\r\n")

	title, body, _ := strings.Cut(text, "\n")
	return Format(strings.TrimSpace(title), strings.TrimSpace(body), existing.Trailers)
}

// withoutTrailerShape removes the blank lines above a trailing paragraph of
// trailer-shaped lines until the last paragraph no longer parses as a
// trailer block. It returns the body and the separator to put after the
// title, which is a single newline once the whole body has been joined.
func withoutTrailerShape(body string) (string, string) {
	lines := strings.Split(body, "\n")
	for {
		start := len(lines)
		for start > 0 && !isBlank(lines[start-1]) {
			start--
		}
		if _, ok := parseBlock(trimCR(lines[start:])); !ok {
			return strings.Join(lines, "\n"), "\n\n"
		}
		if start == 0 {
			return strings.Join(lines, "\n"), "\n"
		}
		gap := start
		for gap > 0 && isBlank(lines[gap-1]) {
			gap--
		}
		lines = append(lines[:gap], lines[start:]...)
	}
}

func trimCR(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = strings.TrimRight(line, "\r")
	}
	return out
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

// joinTrimmed joins lines, dropping leading and trailing blank lines.
func joinTrimmed(lines []string) string {
	first, last := 0, len(lines)
	for first < last && isBlank(lines[first]) {
		first++
	}
	for last > first && isBlank(lines[last-1]) {
		last--
	}
	return strings.Join(lines[first:last], "\n")
}
