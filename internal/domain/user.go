package domain

import "time"

// UserProfile is the per-user row refreshed on every inbound message. Name
// fields are optional and overwritten with whatever the caller last sent.
type UserProfile struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	LastSeen  time.Time
	CreatedAt time.Time
}
