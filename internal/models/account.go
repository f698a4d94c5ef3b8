package models

import (
	"encoding/json"
	"time"
)

// User mirrors an identity-provider subject that has called the service.
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email,omitempty"`
	IsActive    bool       `json:"isActive"`
	LastLoginAt *time.Time `json:"lastLoginAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// APIKey is a sealed third-party provider key. EncryptedKey never leaves the server.
type APIKey struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Service      string     `json:"service"`
	KeyName      string     `json:"keyName"`
	EncryptedKey string     `json:"-"`
	IsActive     bool       `json:"isActive"`
	LastUsedAt   *time.Time `json:"lastUsedAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type ActivityLog struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource,omitempty"`
	ResourceID string          `json:"resourceId,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type Setting struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
	IsPublic    bool            `json:"isPublic"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
