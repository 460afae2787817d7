package content

import (
	"strings"

	"github.com/ashureev/studybot/internal/domain"
)

const untitled = "Unknown"

var exerciseHeaders = []string{"exercise", "practice", "try", "challenge", "problem"}

// ParseLesson extracts a module from lesson markdown. The first H1 is the
// title, fenced blocks become code examples, and sections whose H2 mentions
// exercises or practice become exercises.
func ParseLesson(markdown string) domain.Module {
	m := domain.Module{Title: untitled}

	inExercises := false
	inCode := false
	var code []string

	for _, raw := range strings.Split(markdown, "\n") {
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "```") {
			if inCode && len(code) > 0 {
				m.CodeExamples = append(m.CodeExamples, strings.Join(code, "\n"))
			}
			code = nil
			inCode = !inCode
			continue
		}
		if inCode {
			// Keep indentation inside code.
			code = append(code, strings.TrimRight(raw, " \t\r"))
			continue
		}

		if strings.HasPrefix(line, "# ") && m.Title == untitled {
			m.Title = strings.TrimSpace(line[2:])
			continue
		}
		if strings.HasPrefix(line, "## ") {
			header := strings.ToLower(line[3:])
			inExercises = false
			for _, kw := range exerciseHeaders {
				if strings.Contains(header, kw) {
					inExercises = true
					break
				}
			}
		}
		if line == "" {
			continue
		}
		if inExercises {
			m.Exercises = append(m.Exercises, line)
		} else {
			m.Content = append(m.Content, line)
		}
	}

	m.Description = describe(m.Content)
	return m
}

// describe builds a short description from the first content lines.
func describe(content []string) string {
	var parts []string
	for i, line := range content {
		if i >= 3 {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		parts = append(parts, line)
		if len(strings.Join(parts, " ")) > 150 {
			break
		}
	}
	desc := []rune(strings.Join(parts, " "))
	if len(desc) > 200 {
		return string(desc[:200]) + "..."
	}
	return string(desc)
}
