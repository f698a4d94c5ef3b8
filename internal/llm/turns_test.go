package llm

import (
	"errors"
	"testing"

	"github.com/RichardoC/paam/internal/models"
	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
)

func TestAssembleTurns_AppendsUserLast(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}

	turns := AssembleTurns(nil, history, "how are you?")

	assert.Equal(t, []Turn{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: models.RoleUser, Content: "how are you?"},
	}, turns)
}

func TestAssembleTurns_EmptyHistory(t *testing.T) {
	turns := AssembleTurns(nil, nil, "What is 2+2?")
	assert.Equal(t, []Turn{{Role: models.RoleUser, Content: "What is 2+2?"}}, turns)
}

func TestAssembleTurns_SystemPrompt(t *testing.T) {
	prompt := "be brief"

	turns := AssembleTurns(&prompt, []models.Message{{Role: models.RoleUser, Content: "a"}}, "b")
	assert.Len(t, turns, 3)
	assert.Equal(t, Turn{Role: models.RoleSystem, Content: "be brief"}, turns[0])

	// an already persisted system message wins
	history := []models.Message{{Role: models.RoleSystem, Content: "stored"}}
	turns = AssembleTurns(&prompt, history, "b")
	assert.Equal(t, []Turn{
		{Role: models.RoleSystem, Content: "stored"},
		{Role: models.RoleUser, Content: "b"},
	}, turns)

	empty := ""
	assert.Len(t, AssembleTurns(&empty, nil, "b"), 1)
}

func TestTokenEstimator_FallsBackWithoutEncoding(t *testing.T) {
	calls := 0
	est := NewTokenEstimator()
	est.load = func(string) (*tiktoken.Tiktoken, error) {
		calls++
		return nil, errors.New("offline")
	}

	turns := []Turn{{Role: models.RoleUser, Content: "abcdefgh"}}
	// reply primer + framing + "user" (1) + "abcdefgh" (2)
	assert.Equal(t, tokensPerReply+tokensPerMessage+1+2, est.EstimateTurns("gpt-4", turns))
	est.EstimateTurns("gpt-4", turns)
	assert.Equal(t, 1, calls)
}

func TestContextWindow(t *testing.T) {
	n, ok := ContextWindow("gpt-3.5-turbo")
	assert.True(t, ok)
	assert.Equal(t, 4096, n)

	_, ok = ContextWindow("unknown")
	assert.False(t, ok)
}
