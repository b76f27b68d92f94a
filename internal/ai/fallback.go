package ai

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const fallbackTopicLimit = 80

// FallbackReply builds the deterministic canned response substituted when
// live generation fails. The reply is keyed by the conversation tool so each
// surface keeps its own voice, and it references the user's message so the
// reply reads as addressed rather than generic.
func FallbackReply(toolContext, userMessage string) string {
	topic := strings.TrimSpace(userMessage)
	if utf8.RuneCountInString(topic) > fallbackTopicLimit {
		runes := []rune(topic)
		topic = string(runes[:fallbackTopicLimit]) + "..."
	}

	switch strings.ToLower(strings.TrimSpace(toolContext)) {
	case "document", "document-chat":
		if topic != "" {
			return fmt.Sprintf("I couldn't finish analyzing the document for %q right now. The file is saved, so please ask again in a moment.", topic)
		}
		return "I couldn't finish analyzing the document right now. The file is saved, so please ask again in a moment."
	case "summary", "summarize":
		return "I couldn't produce the summary just now. Your content is unchanged; please retry shortly."
	case "transcribe", "audio":
		return "I couldn't process the audio request just now. The recording is saved; please retry shortly."
	default:
		if topic != "" {
			return fmt.Sprintf("I wasn't able to generate a response to %q just now. Please try again in a moment.", topic)
		}
		return "I wasn't able to generate a response just now. Please try again in a moment."
	}
}
