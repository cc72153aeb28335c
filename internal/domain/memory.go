package domain

import (
	"strings"
	"time"
)

// DefaultMemoryScore is the importance weight assigned to a new memory.
const DefaultMemoryScore = 1.0

// Memory is a durable fact about a user.
type Memory struct {
	ID             int64
	UserID         string
	Text           string
	NormalizedText string
	Score          float64
	UseCount       int64
	LastUsed       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NormalizeMemoryText returns the de-duplication key for a memory text:
// lower-cased, whitespace collapsed, trailing sentence punctuation removed.
func NormalizeMemoryText(text string) string {
	s := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimRight(s, ".!;, ")
}

// MemoryIDs returns the ids of ms in order.
func MemoryIDs(ms []Memory) []int64 {
	if len(ms) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}
