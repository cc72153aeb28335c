package repository

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"nexus-assistant/internal/domain"
)

func storeErr(op string, err error) error {
	return &domain.TransientStoreError{Op: op, Err: err}
}

func validateMemoryInput(userID, text string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.NewValidationError("userID", "must not be blank")
	}
	if strings.TrimSpace(text) == "" {
		return domain.NewValidationError("text", "must not be blank")
	}
	if domain.NormalizeMemoryText(text) == "" {
		return domain.NewValidationError("text", "must contain more than punctuation")
	}
	return nil
}

// prepareTurns validates turns, assigns a missing ID and stamps a zero
// CreatedAt with now.
func prepareTurns(turns []domain.ConversationTurn, now time.Time) ([]domain.ConversationTurn, error) {
	out := make([]domain.ConversationTurn, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.UserID) == "" {
			return nil, domain.NewValidationError("userID", "must not be blank")
		}
		if !domain.ValidRole(t.Role) {
			return nil, domain.NewValidationError("role", "must be user or assistant")
		}
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, nil
}

// uniqueIDs drops duplicate and non-positive ids, keeping first-seen order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func reverseTurns(turns []domain.ConversationTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
