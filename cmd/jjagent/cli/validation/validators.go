// Package validation provides input validation functions for jjagent.
// This package has no dependencies to avoid import cycles.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// maxSessionIDLen bounds session IDs so they stay readable in commit trailers.
const maxSessionIDLen = 256

// toolNameRegex matches agent tool names such as "Edit" or "mcp__github__create_issue".
var toolNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidateSessionID validates that a session ID can be written as a trailer
// value and a log attribute. It must be non-empty and must not contain
// whitespace, control characters or path separators.
func ValidateSessionID(id string) error {
	if id == "" {
		return errors.New("session ID cannot be empty")
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("invalid session ID: longer than %d bytes", maxSessionIDLen)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid session ID %q: contains path separators", id)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("invalid session ID %q: contains whitespace or control characters", id)
		}
	}
	return nil
}

// ValidateToolName validates the tool name reported by the agent host.
// Empty is allowed; the coordinator treats it as a mutating tool.
func ValidateToolName(name string) error {
	if name == "" {
		return nil
	}
	if !toolNameRegex.MatchString(name) {
		return fmt.Errorf("invalid tool name %q: must be alphanumeric with underscores, dots, colons or hyphens", name)
	}
	return nil
}

// ValidateRevision validates a revision argument passed through to jj.
// Revsets are jj's business; this only rejects values that cannot be a
// single command-line argument.
func ValidateRevision(rev string) error {
	if strings.TrimSpace(rev) == "" {
		return errors.New("revision cannot be empty")
	}
	if strings.ContainsRune(rev, 0) {
		return fmt.Errorf("invalid revision %q: contains NUL", rev)
	}
	if strings.HasPrefix(rev, "-") {
		return fmt.Errorf("invalid revision %q: must not start with '-'", rev)
	}
	return nil
}
