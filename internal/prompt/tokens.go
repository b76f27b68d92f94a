package prompt

import "github.com/cloudwego/eino/schema"

// Token costs are heuristic: roughly four characters per token for text and a
// flat charge per embedded image. Close enough for budgeting; no tokenizer
// dependency needed.
const (
	charsPerToken      = 4
	imageTokenEstimate = 768
)

func estimateTokens(msg *schema.Message) int {
	if msg == nil {
		return 0
	}
	total := (len(msg.Content) + charsPerToken - 1) / charsPerToken
	for _, part := range msg.MultiContent {
		switch part.Type {
		case schema.ChatMessagePartTypeImageURL:
			total += imageTokenEstimate
		default:
			total += (len(part.Text) + charsPerToken - 1) / charsPerToken
		}
	}
	return total
}
