package policy

import (
	"fmt"
	"strings"

	"github.com/ashureev/studybot/internal/domain"
)

const personality = `You are StudyBot, a friendly and encouraging tutor for kids under 15 learning Python programming.

Your personality:
- Enthusiastic and supportive, like a helpful friend
- Use fun analogies and age-appropriate language
- Never get frustrated or impatient
- Celebrate small wins and progress
- Encourage questions and curiosity`

// systemPrompt returns the instruction for action on module.
func systemPrompt(action Action, module *domain.Module, difficult []string) string {
	var b strings.Builder
	b.WriteString(personality)
	b.WriteString("\n\n")

	switch action {
	case ActionExplain:
		fmt.Fprintf(&b, "EXPLANATION MODE for module %q.\n", moduleTitle(module))
		b.WriteString(`The learner asked for the answer directly. Give a clear, worked explanation:
1. Start with a simple analogy
2. Break the concept into small pieces
3. Show a short code example from the module when one fits
4. End by inviting them to try a related question`)
	case ActionSupport:
		fmt.Fprintf(&b, "SUPPORT MODE for module %q.\n", moduleTitle(module))
		b.WriteString(`The learner seems stuck or frustrated.
1. Acknowledge their effort positively
2. Restate the current idea more simply, one small step at a time
3. Remind them that learning takes time
4. Offer to give the full answer if they are still stuck after this
Respond with extra patience.`)
	default:
		fmt.Fprintf(&b, "SOCRATIC METHOD for module %q.\n", moduleTitle(module))
		b.WriteString(`Guide the learner to discover the answer through questions. Do NOT give the answer.
1. Ask one leading question at a time
2. If they are stuck, ask a simpler question
3. Use real-world analogies
4. Build on what they already said`)
	}

	if module != nil {
		if len(module.Content) > 0 {
			b.WriteString("\n\nModule content:\n")
			b.WriteString(strings.Join(module.Content, "\n"))
		}
		if len(module.CodeExamples) > 0 {
			b.WriteString("\n\nModule code examples:\n")
			b.WriteString(strings.Join(module.CodeExamples, "\n---\n"))
		}
	}
	if len(difficult) > 0 {
		fmt.Fprintf(&b, "\n\nThe learner has struggled before with: %s. Revisit these gently when they come up.",
			strings.Join(difficult, ", "))
	}
	return b.String()
}

func moduleTitle(module *domain.Module) string {
	if module == nil || strings.TrimSpace(module.Title) == "" {
		return "this topic"
	}
	return module.Title
}
