package cli

import (
	"os"

	"github.com/charmbracelet/huh"
)

// AccessibleEnvVar switches prompts to plain line-based input.
const AccessibleEnvVar = "ACCESSIBLE"

// IsAccessibleMode reports whether ACCESSIBLE is set to any value.
func IsAccessibleMode() bool {
	return os.Getenv(AccessibleEnvVar) != ""
}

// NewAccessibleForm creates a huh form that honors ACCESSIBLE. In
// accessible mode huh reads answers from stdin instead of driving a TUI,
// which also makes prompts scriptable.
func NewAccessibleForm(groups ...*huh.Group) *huh.Form {
	return huh.NewForm(groups...).WithAccessible(IsAccessibleMode())
}
