package policy

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/ashureev/studybot/internal/domain"
)

const lastResort = "Let's explore this step by step. What do you already know about it?"

var (
	greetingWords = []string{"hi", "hello", "hey", "good morning", "good afternoon"}
	exampleWords  = []string{"example", "show me", "demonstrate"}
)

// Fallback builds a reply from the module's local content alone. It never
// returns an empty string.
func Fallback(action Action, req Request) string {
	text := fallbackText(action, req)
	if strings.TrimSpace(text) == "" {
		return lastResort
	}
	return text
}

func fallbackText(action Action, req Request) string {
	title := moduleTitle(req.Module)
	clue := relevantLine(req.Module, req.Message)
	example := ""
	if req.Module != nil {
		example = req.Module.FirstExample()
	}

	switch action {
	case ActionExplain:
		var b strings.Builder
		fmt.Fprintf(&b, "Of course! Here's how it works in %s. ", title)
		if clue.line != "" {
			fmt.Fprintf(&b, "We learn that %s ", lowerFirst(sentence(clue.line)))
		}
		if example != "" {
			fmt.Fprintf(&b, "Here's a code example:\n\n%s\n\n", example)
		}
		b.WriteString("Now that you've seen it, do you want to try a related question to practice?")
		return b.String()

	case ActionSupport:
		var b strings.Builder
		b.WriteString("Hey, learning to code can be tricky, and you're doing great by sticking with it! ")
		b.WriteString("Every expert was once a beginner. ")
		if clue.line != "" {
			fmt.Fprintf(&b, "Let's take one small step in %s: %s ", title, sentence(clue.line))
		} else {
			fmt.Fprintf(&b, "Let's break %s into smaller steps. ", title)
		}
		if len(req.DifficultTopics) > 0 {
			fmt.Fprintf(&b, "We'll keep practising %s together. ", req.DifficultTopics[0])
		}
		b.WriteString("Which part would you like to look at first?")
		return b.String()
	}

	lower := strings.ToLower(req.Message)
	switch {
	case containsWord(lower, greetingWords):
		return fmt.Sprintf("Hello there! Welcome to %s! What would you like to explore today?", title)
	case example != "" && lo.SomeBy(exampleWords, func(w string) bool { return strings.Contains(lower, w) }):
		return fmt.Sprintf("Here's an example from %s:\n\n%s\n\nWhat do you think it will do when you run it?", title, example)
	case clue.term != "":
		// Point at where the answer lives without stating it.
		where := "this lesson"
		if clue.section != "" {
			where = fmt.Sprintf("the %q section of %s", clue.section, title)
		}
		if example != "" {
			return fmt.Sprintf("That's a great question about %s! Let's figure it out together. Take another look at %s and at this example:\n\n%s\n\nWhere do you see a %s in it, and what do you think it is doing?", title, where, example, clue.term)
		}
		return fmt.Sprintf("That's a great question about %s! Let's figure it out together. Take another look at %s. In your own words, what do you think a %s is for?", title, where, clue.term)
	}
	return fmt.Sprintf("That's an interesting question about %s! Instead of just giving you the answer, let's discover it together. What would you expect this to print: print('Hello')?", title)
}

type lessonClue struct {
	term    string // message word the line matched; empty for the summary
	line    string
	section string
}

// relevantLine returns the module line that best matches the message, or the
// module summary.
func relevantLine(module *domain.Module, message string) lessonClue {
	if module == nil {
		return lessonClue{}
	}
	terms := lo.FilterMap(strings.Fields(strings.ToLower(message)), func(w string, _ int) (string, bool) {
		w = strings.Trim(w, ".,!?;:()[]{}\"'")
		return w, len(w) >= 4
	})
	// Longer words are usually the subject of the question.
	sort.SliceStable(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
	for _, term := range terms {
		if line, section := module.ContentMentioning(term); line != "" {
			return lessonClue{term: term, line: cleanLine(line), section: section}
		}
	}
	return lessonClue{line: cleanLine(module.Summary())}
}

func cleanLine(line string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*#> "))
}

func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?") {
		return s
	}
	return s + "."
}

// lowerFirst lowercases the first rune unless the first word looks like an
// acronym or identifier.
func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsUpper(r) {
		return s
	}
	if next, _ := utf8.DecodeRuneInString(s[size:]); unicode.IsUpper(next) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

// containsWord matches whole words or multi-word phrases.
func containsWord(lower string, words []string) bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == ',' || r == '!' || r == '.' || r == '?'
	})
	joined := " " + strings.Join(fields, " ") + " "
	return lo.SomeBy(words, func(w string) bool {
		return strings.Contains(joined, " "+w+" ")
	})
}
