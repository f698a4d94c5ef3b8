package models

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// MessageMetadata records how an assistant message was produced.
type MessageMetadata struct {
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type Message struct {
	ID        string           `json:"id"`
	ConvID    string           `json:"conversationId"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Tokens    int              `json:"tokens"`
	Cost      int64            `json:"cost"` // cents
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type Conversation struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Title        string     `json:"title"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	SystemPrompt *string    `json:"systemPrompt"`
	TotalTokens  int64      `json:"totalTokens"`
	TotalCost    int64      `json:"totalCost"` // cents
	IsActive     bool       `json:"isActive"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt"`
	Messages     []Message  `json:"messages,omitempty"`
}

// Deleted reports whether the conversation has been soft deleted.
func (c *Conversation) Deleted() bool {
	return c.DeletedAt != nil
}

// Usage is the token accounting returned by the upstream model.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}
