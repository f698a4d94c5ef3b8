package llm

import "github.com/RichardoC/paam/internal/models"

// Turn is one role-tagged entry of the sequence sent upstream.
type Turn struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// AssembleTurns resends the whole history (oldest first) and appends the new
// user message last. The conversation's system prompt leads the sequence unless
// a system message was already persisted. Nothing is truncated.
func AssembleTurns(systemPrompt *string, history []models.Message, userMessage string) []Turn {
	turns := make([]Turn, 0, len(history)+2)

	if systemPrompt != nil && *systemPrompt != "" && !hasSystemMessage(history) {
		turns = append(turns, Turn{Role: models.RoleSystem, Content: *systemPrompt})
	}
	for _, msg := range history {
		turns = append(turns, Turn{Role: msg.Role, Content: msg.Content})
	}
	return append(turns, Turn{Role: models.RoleUser, Content: userMessage})
}

func hasSystemMessage(history []models.Message) bool {
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			return true
		}
	}
	return false
}
