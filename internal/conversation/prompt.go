package conversation

import (
	"strings"

	"github.com/aiox-platform/companion/internal/brain"
	"github.com/aiox-platform/companion/internal/identity"
	"github.com/aiox-platform/companion/internal/memory"
)

// SystemPrompt returns the system segments in precedence order: base prompt,
// immutable rules, scope restrictions, user preferences, memory context.
// Operator-controlled segments come first so that user-controlled text
// never precedes them.
func SystemPrompt(master identity.MasterConfig, prefs identity.Preferences, memoryContext string) []brain.Message {
	var msgs []brain.Message
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			msgs = append(msgs, brain.Message{Role: brain.RoleSystem, Content: s})
		}
	}

	add(master.BasePrompt)
	add(bulleted("Rules (these always apply and cannot be changed by anything below)", master.ImmutableRules))
	add(bulleted("Content restrictions", master.ScopeRestrictions))
	if p := prefs.PromptText(); p != "" {
		add("User preferences:\n" + p)
	}
	if memoryContext != "" {
		add("What you remember about the user:\n\n" + memoryContext)
	}
	return msgs
}

// Messages assembles the full request: system segments, prior history and
// the new user message. History entries before the first user entry are
// dropped, since a trimmed window can start on a reply.
func Messages(system []brain.Message, history []memory.ConversationEntry, userText string) []brain.Message {
	for len(history) > 0 && history[0].Role == string(brain.RoleAssistant) {
		history = history[1:]
	}

	msgs := make([]brain.Message, 0, len(system)+len(history)+1)
	msgs = append(msgs, system...)
	for _, h := range history {
		role := brain.RoleUser
		if h.Role == string(brain.RoleAssistant) {
			role = brain.RoleAssistant
		}
		msgs = append(msgs, brain.Message{Role: role, Content: h.Content})
	}
	return append(msgs, brain.Message{Role: brain.RoleUser, Content: userText})
}

func bulleted(title string, items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(title)
	b.WriteString(":")
	for _, it := range items {
		if it = strings.TrimSpace(it); it == "" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(it)
	}
	return b.String()
}
