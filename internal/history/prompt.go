package history

import (
	"fmt"
	"strings"
)

// Persona carries the tenant's assistant identity and store knowledge
// used to build the system prompt.
type Persona struct {
	AssistantName string
	ShopName      string
	Language      string
	Style         string
	KnowledgeBase string
	Pages         []string
}

// BuildSystemPrompt renders the persona into the system message. The
// prompt stays short; store facts live in the knowledge base block and
// everything transactional goes through tools.
func BuildSystemPrompt(p Persona) string {
	name := p.AssistantName
	if name == "" {
		name = "Assistant"
	}
	language := p.Language
	if language == "" {
		language = "the customer's language"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the virtual sales assistant for %s.\n", name, p.ShopName)
	fmt.Fprintf(&b, "Always answer in %s, in short chat messages suitable for a messaging app.\n", language)
	if p.Style != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", p.Style)
	}
	b.WriteString("Use the available tools for any product, order, shipping, or page question instead of guessing. ")
	b.WriteString("If a tool returns nothing useful, say so honestly and offer to help another way. ")
	b.WriteString("Never invent prices, stock, or delivery dates.\n")

	if len(p.Pages) > 0 {
		b.WriteString("\nStore pages you can reference:\n")
		for _, page := range p.Pages {
			fmt.Fprintf(&b, "- %s\n", page)
		}
	}

	if kb := strings.TrimSpace(p.KnowledgeBase); kb != "" {
		b.WriteString("\nStore knowledge base:\n")
		b.WriteString(kb)
		b.WriteString("\n")
	}

	return b.String()
}
