package memory

import (
	"context"

	"nexus-assistant/internal/domain"
)

// FactStore persists memories. Implementations enforce one row per
// (user, normalized text) and apply usage and score changes atomically.
type FactStore interface {
	Create(ctx context.Context, userID, text string, score float64) (id int64, created bool, err error)
	FindByExactText(ctx context.Context, userID, text string) (domain.Memory, bool, error)
	TopByRank(ctx context.Context, userID string, q RankQuery) ([]domain.Memory, error)
	Touch(ctx context.Context, ids []int64) error
	BoostScore(ctx context.Context, id int64, delta float64) error
	// UpdateText returns the id holding text afterwards. It differs from id
	// when another memory of the user already held the text; id is then gone.
	UpdateText(ctx context.Context, id int64, text string) (int64, error)
}

// ConversationReader returns the most recent turns of a user, oldest first.
type ConversationReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error)
}

// Judge delegates the memory decision to a text-generation capability. The
// returned string is the raw structured response.
type Judge interface {
	JudgeMemory(ctx context.Context, prompt string) (string, error)
}
