package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxGroupNameLength = 200
	MinGroupNameLength = 1
)

var strict = bluemonday.StrictPolicy()

// SanitizeText strips every HTML element from user supplied text and trims it.
func SanitizeText(s string) string {
	return strings.TrimSpace(strict.Sanitize(s))
}

// ValidateGroupName checks a trimmed group name against the length bounds.
func ValidateGroupName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	n := utf8.RuneCountInString(name)
	if n < MinGroupNameLength {
		return fmt.Errorf("name must be at least %d characters long", MinGroupNameLength)
	}
	if n > MaxGroupNameLength {
		return fmt.Errorf("name cannot exceed %d characters", MaxGroupNameLength)
	}
	return nil
}

// ValidateParticipantID rejects the zero and negative ids.
func ValidateParticipantID(field string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}
