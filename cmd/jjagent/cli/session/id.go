// Package session locates and labels the commits that carry an agent
// session's edits. Session identity lives only in the Claude-session-id
// trailer; titles are for humans and are never parsed for identity.
package session

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/schpet/jjagent/cmd/jjagent/cli/trailers"
)

// shortLen is the length of the abbreviated session ID used in titles.
const shortLen = 8

// titlePrefix starts every title jjagent writes.
const titlePrefix = "jjagent:"

// ID is an agent session identifier with its abbreviated form.
type ID struct {
	full  string
	short string
}

// NewID wraps a full session identifier.
func NewID(full string) ID {
	short := full
	if r := []rune(full); len(r) > shortLen {
		short = string(r[:shortLen])
	}
	return ID{full: full, short: short}
}

// Full returns the complete identifier.
func (id ID) Full() string { return id.full }

// Short returns the first eight characters of the identifier.
func (id ID) Short() string { return id.short }

// String returns the complete identifier.
func (id ID) String() string { return id.full }

// PrecommitMessage is the description of the scratch commit for one edit.
//
//	jjagent: precommit abcd1234
//
//	Claude-precommit-session-id: abcd1234-...
func PrecommitMessage(id ID) string {
	return trailers.Format(
		fmt.Sprintf("%s precommit %s", titlePrefix, id.Short()),
		"",
		[]trailers.Trailer{{Key: trailers.PrecommitKey, Value: id.Full()}},
	)
}

// SessionTitle is the title of the first part of a session.
func SessionTitle(id ID) string {
	return fmt.Sprintf("%s session %s", titlePrefix, id.Short())
}

// SessionMessage is the description of a new session commit.
func SessionMessage(id ID) string {
	return trailers.Format(SessionTitle(id), "", sessionTrailer(id))
}

// PartMessage is the description of part n of a session. Part 1 is the
// plain session message.
func PartMessage(id ID, part int) string {
	if part <= 1 {
		return SessionMessage(id)
	}
	return trailers.Format(fmt.Sprintf("%s part %d", SessionTitle(id), part), "", sessionTrailer(id))
}

// CustomMessage is a session description with caller-provided text.
func CustomMessage(id ID, text string) string {
	return trailers.WithTrailer(text, trailers.SessionKey, id.Full())
}

func sessionTrailer(id ID) []trailers.Trailer {
	return []trailers.Trailer{{Key: trailers.SessionKey, Value: id.Full()}}
}

// partSuffixRegex matches a trailing part number, accepting the older
// "pt. N" spelling.
var partSuffixRegex = regexp.MustCompile(`^(.*?)\s+(?:part|pt\.)\s+(\d+)$`)

// NextPartLabel returns the title for the part following label:
// "session X" becomes "session X part 2" and "session X part N" becomes
// "session X part N+1". It is purely textual.
func NextPartLabel(label string) string {
	if m := partSuffixRegex.FindStringSubmatch(label); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return fmt.Sprintf("%s part %d", m[1], n+1)
		}
	}
	return label + " part 2"
}
