// Package classifier decides how the tutor should treat a learner message.
//
// Classification is lexical and deterministic: the same message and context
// always produce the same result, and every input maps to exactly one
// Classification.
package classifier

import (
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/samber/lo"

	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/transcript"
)

// Classification is the outcome of classifying a learner message.
type Classification string

const (
	DirectAnswerRequest Classification = "DIRECT_ANSWER_REQUEST"
	Frustration         Classification = "FRUSTRATION"
	Ordinary            Classification = "ORDINARY"
)

// Reason names the signal behind a classification.
type Reason string

const (
	ReasonPhrase     Reason = "phrase"
	ReasonRepetition Reason = "repetition"
	ReasonNone       Reason = "none"
)

// DefaultWindow is the number of prior learner turns checked for repetition.
const DefaultWindow = 3

// maxKeywordDistance bounds the fuzzy edit distance for keyword matches.
const maxKeywordDistance = 2

var directAnswerPhrases = []string{
	"just tell me",
	"give me the answer",
	"what is the answer",
	"what's the answer",
	"i give up",
	"i need the answer",
	"just show me",
	"give me the code",
	"show me the code",
	"can you tell me",
	"please tell me",
}

var frustrationPhrases = []string{
	"i don't understand",
	"this is hard",
	"i'm confused",
	"i don't get it",
	"this makes no sense",
	"i'm stuck",
	"i can't do this",
	"this is too difficult",
	"help me",
	"i'm lost",
	"what does this mean",
}

var stopwords = lo.SliceToMap([]string{
	"a", "an", "the", "and", "or", "but", "so", "is", "are", "was", "were", "be",
	"do", "does", "did", "what", "how", "why", "when", "where", "which", "who",
	"can", "could", "would", "should", "you", "me", "my", "i", "it", "its", "this",
	"that", "to", "of", "in", "on", "for", "with", "again", "explain", "tell",
	"about", "please", "work", "works", "mean", "means", "still", "just", "again",
}, func(w string) (string, struct{}) { return w, struct{}{} })

// Result is a classification with the signal that produced it.
type Result struct {
	Classification Classification
	Reason         Reason
	// Phrase is the matched phrase for ReasonPhrase.
	Phrase string
}

// Classifier classifies learner messages.
type Classifier struct {
	window int
}

// New creates a Classifier checking the last window learner turns for
// repetition. A window <= 0 uses DefaultWindow.
func New(window int) *Classifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Classifier{window: window}
}

// Classify returns the classification for message given the recent context.
func (c *Classifier) Classify(message string, recent []transcript.Message) Classification {
	return c.Explain(message, recent).Classification
}

// Explain classifies message and reports why.
// Direct-answer requests win over frustration, which wins over ordinary.
func (c *Classifier) Explain(message string, recent []transcript.Message) Result {
	normalized := normalize(message)

	if phrase, ok := matchPhrase(normalized, directAnswerPhrases); ok {
		return Result{Classification: DirectAnswerRequest, Reason: ReasonPhrase, Phrase: phrase}
	}
	if phrase, ok := matchPhrase(normalized, frustrationPhrases); ok {
		return Result{Classification: Frustration, Reason: ReasonPhrase, Phrase: phrase}
	}
	if c.repeated(normalized, recent) {
		return Result{Classification: Frustration, Reason: ReasonRepetition}
	}
	return Result{Classification: Ordinary, Reason: ReasonNone}
}

// repeated reports whether the last window learner turns were all answered
// with a guiding question and each overlaps the current message.
func (c *Classifier) repeated(normalized string, recent []transcript.Message) bool {
	current := keywords(normalized)
	if len(current) == 0 {
		return false
	}

	var prior []string
	for i := len(recent) - 1; i >= 0 && len(prior) < c.window; i-- {
		msg := recent[i]
		if !msg.IsLearner() {
			// Anything other than a guiding question resolves the thread.
			if msg.Strategy != domain.StrategySocratic {
				break
			}
			continue
		}
		prior = append(prior, normalize(msg.Content))
	}
	if len(prior) < c.window {
		return false
	}

	return lo.EveryBy(prior, func(p string) bool {
		return sharesKeyword(current, keywords(p))
	})
}

func matchPhrase(normalized string, phrases []string) (string, bool) {
	return lo.Find(phrases, func(p string) bool {
		return strings.Contains(normalized, normalize(p))
	})
}

// normalize lowercases s, drops apostrophes and collapses whitespace so that
// "I dont get it" and "I don’t get it" match the same phrase.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("'", "", "’", "", "‘", "", "`", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func keywords(normalized string) []string {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	words = lo.Filter(words, func(w string, _ int) bool {
		_, stop := stopwords[w]
		return !stop && len(w) > 1
	})
	return lo.Uniq(words)
}

func sharesKeyword(a, b []string) bool {
	return lo.SomeBy(a, func(x string) bool {
		return lo.SomeBy(b, func(y string) bool {
			return similar(x, y)
		})
	})
}

func similar(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	if d := fuzzy.RankMatchNormalizedFold(a, b); d >= 0 && d <= maxKeywordDistance {
		return true
	}
	d := fuzzy.RankMatchNormalizedFold(b, a)
	return d >= 0 && d <= maxKeywordDistance
}
