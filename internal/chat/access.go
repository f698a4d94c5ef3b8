package chat

import "github.com/RichardoC/paam/internal/models"

type Access int

const (
	Denied Access = iota
	Authorized
)

// AuthorizeAccess decides whether callerID may read or write conv. Absent,
// soft-deleted and foreign conversations are all Denied.
func AuthorizeAccess(conv *models.Conversation, callerID string) Access {
	if conv == nil || callerID == "" {
		return Denied
	}
	if conv.Deleted() || conv.UserID != callerID {
		return Denied
	}
	return Authorized
}
