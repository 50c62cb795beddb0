package prompts

import "strings"

// Fixed replies used when the model cannot produce one.
const (
	// ProviderUnavailableReply is returned when the first model call of
	// a request fails and nothing has been done.
	ProviderUnavailableReply = "Sorry, I'm having trouble reaching my language model right now. Nothing was changed. Please try again in a moment."

	// LoopLimitReply is returned when the model keeps calling tools past
	// the round limit and no tool produced a message to relay.
	LoopLimitReply = "Sorry, I couldn't finish that request. Please try rephrasing it."

	// EmptyReply is returned when the model answers with no text at all.
	EmptyReply = "Sorry, I don't have a response for that. Could you say it another way?"
)

// IsFallback reports whether reply is one of the fixed replies above.
func IsFallback(reply string) bool {
	switch reply {
	case ProviderUnavailableReply, LoopLimitReply, EmptyReply:
		return true
	}
	return false
}

// ComposeFromToolMessages joins the user-facing messages reported by
// tools into a reply, for when the model's own reply is unavailable.
func ComposeFromToolMessages(messages []string) string {
	var parts []string
	for _, m := range messages {
		if m = strings.TrimSpace(m); m != "" {
			parts = append(parts, m)
		}
	}
	return strings.Join(parts, " ")
}
