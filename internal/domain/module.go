// Package domain contains core domain types for the StudyBot tutor.
package domain

import (
	"fmt"
	"strings"
)

// Module is a curriculum unit loaded by the content provider.
// Modules are immutable once loaded for a run.
type Module struct {
	ID           int64    `json:"id" toml:"-"`
	Title        string   `json:"title" toml:"title"`
	Description  string   `json:"description" toml:"description"`
	Content      []string `json:"content" toml:"content"`
	CodeExamples []string `json:"code_examples" toml:"code_examples"`
	Exercises    []string `json:"exercises" toml:"exercises"`
	OrderIndex   int      `json:"order_index" toml:"-"`
	GithubPath   string   `json:"github_path" toml:"github_path"`
	// Provisional marks modules served by a fallback source. They seed an
	// empty store but never replace a stored curriculum.
	Provisional bool `json:"-" toml:"-"`
}

// ValidationError reports malformed module data. It is not retryable.
type ValidationError struct {
	ModuleID int64
	Field    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("module %d: %s is required", e.ModuleID, e.Field)
}

// Validate checks the fields the dialogue path depends on.
func (m *Module) Validate() error {
	if m == nil {
		return &ValidationError{Field: "module"}
	}
	if strings.TrimSpace(m.Title) == "" {
		return &ValidationError{ModuleID: m.ID, Field: "title"}
	}
	if len(m.Content) == 0 {
		return &ValidationError{ModuleID: m.ID, Field: "content"}
	}
	return nil
}

// FirstExample returns the first code example, or "" when there is none.
func (m *Module) FirstExample() string {
	if len(m.CodeExamples) == 0 {
		return ""
	}
	return m.CodeExamples[0]
}

// ContentMentioning returns the first content line that mentions term,
// ignoring markdown heading lines, and the heading of the section it sits in.
func (m *Module) ContentMentioning(term string) (line, section string) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return "", ""
	}
	for _, l := range m.Content {
		if trimmed := strings.TrimSpace(l); strings.HasPrefix(trimmed, "#") {
			section = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			continue
		}
		if strings.Contains(strings.ToLower(l), term) {
			return l, section
		}
	}
	return "", ""
}

// Summary returns the first non-heading content line.
func (m *Module) Summary() string {
	for _, line := range m.Content {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return strings.TrimLeft(trimmed, "-* ")
	}
	return m.Description
}
