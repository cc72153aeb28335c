package domain

import "time"

// ConversationTurn is a single persisted message of a conversation. Turns are
// append-only and read back in CreatedAt order.
type ConversationTurn struct {
	ID        string
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// ValidRole reports whether role may be stored as a conversation turn.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
