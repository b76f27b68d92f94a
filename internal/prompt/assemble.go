package prompt

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"docchat/internal/models"
)

const (
	// DefaultWindow bounds how many recent history turns are considered.
	DefaultWindow = 15
	// DefaultTokenBudget caps the estimated size of the assembled request.
	DefaultTokenBudget = 8000

	// budgetTarget is the fraction of the budget history may fill once the
	// unconditional elements are in.
	budgetTarget = 0.8
)

// Input carries everything Assemble needs for one generation call.
// AttachmentByID resolves attachment references found on history turns and
// the current message to their stored records.
type Input struct {
	SystemPrompt   string
	History        []*models.Message
	Current        *models.Message
	Attachments    []*models.Attachment
	AttachmentByID map[int64]*models.Attachment
	Window         int
	TokenBudget    int
}

// Assemble merges the system instruction, a recency window of history,
// extracted attachment content and the current message into an ordered,
// token-budgeted message sequence. The result is never empty: the first
// element is always the system instruction and the last is always the
// current user turn.
func Assemble(in Input) []*schema.Message {
	window := in.Window
	if window <= 0 {
		window = DefaultWindow
	}
	budget := in.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	system := &schema.Message{Role: schema.System, Content: in.SystemPrompt}

	history := in.History
	if len(history) > window {
		history = history[len(history)-window:]
	}
	historyMsgs := make([]*schema.Message, 0, len(history))
	for _, turn := range history {
		if turn == nil {
			continue
		}
		historyMsgs = append(historyMsgs, historyMessage(turn, in.AttachmentByID))
	}

	tail := currentMessages(in.Current, in.Attachments)

	// Budget pass: system and the current turn are unconditional; history is
	// re-admitted newest first until the target fraction of the budget.
	used := estimateTokens(system)
	for _, msg := range tail {
		used += estimateTokens(msg)
	}
	target := int(float64(budget) * budgetTarget)

	admitted := make([]*schema.Message, 0, len(historyMsgs))
	total := 0
	for _, msg := range historyMsgs {
		total += estimateTokens(msg)
	}
	if used+total <= budget {
		admitted = historyMsgs
	} else {
		kept := 0
		for i := len(historyMsgs) - 1; i >= 0; i-- {
			cost := estimateTokens(historyMsgs[i])
			if used+cost > target {
				break
			}
			used += cost
			kept++
		}
		admitted = historyMsgs[len(historyMsgs)-kept:]
	}

	out := make([]*schema.Message, 0, 1+len(admitted)+len(tail))
	out = append(out, system)
	out = append(out, admitted...)
	out = append(out, tail...)
	return out
}

// historyMessage renders one prior turn. User turns carrying attachments get
// each attachment's extracted text folded inline; attachments without usable
// text (images, failed extractions that stored nothing) collapse to a light
// marker so the model still knows a file was there.
func historyMessage(turn *models.Message, byID map[int64]*models.Attachment) *schema.Message {
	role := toSchemaRole(turn.Role)
	if role != schema.User || len(turn.AttachmentIDs) == 0 {
		return &schema.Message{Role: role, Content: turn.Content}
	}

	var builder strings.Builder
	for _, id := range turn.AttachmentIDs {
		att := byID[id]
		if att == nil {
			continue
		}
		if text := usableText(att); text != "" {
			builder.WriteString(fileBlock(att.FileName, text))
		} else if att.FileName != "" {
			builder.WriteString(fmt.Sprintf("[attached: %s]\n", att.FileName))
		}
	}
	builder.WriteString(turn.Content)
	return &schema.Message{Role: role, Content: builder.String()}
}

// currentMessages renders the live turn. Attachments precede the message
// text: text content as one delimited synthetic user segment, image payloads
// as multi-content image parts on that same segment.
func currentMessages(current *models.Message, attachments []*models.Attachment) []*schema.Message {
	content := ""
	if current != nil {
		content = current.Content
	}
	final := &schema.Message{Role: schema.User, Content: content}
	if len(attachments) == 0 {
		return []*schema.Message{final}
	}

	var (
		builder    strings.Builder
		imageParts []schema.ChatMessagePart
	)
	for _, att := range attachments {
		if att == nil {
			continue
		}
		if url, ok := imageDataURL(att); ok {
			imageParts = append(imageParts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:    url,
					Detail: schema.ImageURLDetailAuto,
				},
			})
			continue
		}
		if text := usableText(att); text != "" {
			builder.WriteString(fileBlock(att.FileName, text))
		} else if att.FileName != "" {
			builder.WriteString(fmt.Sprintf("[attached: %s]\n", att.FileName))
		}
	}

	if builder.Len() == 0 && len(imageParts) == 0 {
		return []*schema.Message{final}
	}

	synthetic := &schema.Message{Role: schema.User}
	if len(imageParts) > 0 {
		parts := make([]schema.ChatMessagePart, 0, len(imageParts)+1)
		if builder.Len() > 0 {
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: builder.String(),
			})
		}
		parts = append(parts, imageParts...)
		synthetic.MultiContent = parts
	} else {
		synthetic.Content = builder.String()
	}
	return []*schema.Message{synthetic, final}
}

func fileBlock(name, text string) string {
	return fmt.Sprintf("--- file '%s' ---\n%s\n--- end file ---\n", name, text)
}

// usableText returns the attachment's extracted text unless it is an image
// payload, which is not inlineable as text.
func usableText(att *models.Attachment) string {
	if _, ok := imageDataURL(att); ok {
		return ""
	}
	return strings.TrimSpace(att.ExtractedContent)
}

func imageDataURL(att *models.Attachment) (string, bool) {
	if att.Category == models.CategoryImage && strings.HasPrefix(att.ExtractedContent, "data:") {
		return att.ExtractedContent, true
	}
	return "", false
}

func toSchemaRole(role models.Role) schema.RoleType {
	switch role {
	case models.RoleAssistant:
		return schema.Assistant
	case models.RoleSystem:
		return schema.System
	default:
		return schema.User
	}
}
