// Package validate checks caller-supplied identifiers and names before
// they reach storage.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	titlePattern   = regexp.MustCompile(`^[a-zA-Z0-9 _\-.]+$`)
	agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-.]*$`)
)

// Title validates a conversation title or scenario name.
// Rules: trimmed non-empty, max 128 chars, only [a-zA-Z0-9 _\-.].
func Title(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return fmt.Errorf("title must not be empty")
	}
	if len(trimmed) > 128 {
		return fmt.Errorf("title must be at most 128 characters")
	}
	if !titlePattern.MatchString(trimmed) {
		return fmt.Errorf("title must contain only letters, numbers, spaces, hyphens, underscores, and dots")
	}
	return nil
}

// AgentID validates a declared participant id.
// Rules: 1-64 chars, lowercase alphanumeric plus [_-.], must start with
// a letter or digit, and must not shadow the reserved "system" author.
func AgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if len(id) > 64 {
		return fmt.Errorf("agent id must be at most 64 characters")
	}
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("agent id %q must be lowercase alphanumeric with hyphens, underscores or dots", id)
	}
	if id == "system" {
		return fmt.Errorf(`agent id "system" is reserved`)
	}
	return nil
}
