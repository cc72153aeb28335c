package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"nexus-assistant/internal/domain"
)

// Weights are the coefficients of the ranking formula.
type Weights struct {
	Score    float64
	UseCount float64
	Recency  float64
}

// DefaultWeights is score*0.7 + useCount*0.2 + recencyBoost*0.1.
var DefaultWeights = Weights{Score: 0.7, UseCount: 0.2, Recency: 0.1}

// DefaultRecencyWindow is the trailing window that earns the recency boost.
const DefaultRecencyWindow = 7 * 24 * time.Hour

// RankQuery carries the ranking policy to a FactStore.
type RankQuery struct {
	Limit       int
	Weights     Weights
	RecentSince time.Time
}

// RankScore computes the rank of m under q.
func RankScore(m domain.Memory, q RankQuery) float64 {
	recency := 0.0
	if !m.LastUsed.Before(q.RecentSince) {
		recency = 1
	}
	return m.Score*q.Weights.Score + float64(m.UseCount)*q.Weights.UseCount + recency*q.Weights.Recency
}

// SortByRank orders ms by rank descending, then more recent LastUsed, then
// lower ID.
func SortByRank(ms []domain.Memory, q RankQuery) {
	sort.SliceStable(ms, func(i, j int) bool {
		ri, rj := RankScore(ms[i], q), RankScore(ms[j], q)
		if ri != rj {
			return ri > rj
		}
		if !ms[i].LastUsed.Equal(ms[j].LastUsed) {
			return ms[i].LastUsed.After(ms[j].LastUsed)
		}
		return ms[i].ID < ms[j].ID
	})
}

// Top returns the first q.Limit memories of ms in rank order. ms is not
// modified.
func Top(ms []domain.Memory, q RankQuery) []domain.Memory {
	if q.Limit <= 0 || len(ms) == 0 {
		return nil
	}
	out := make([]domain.Memory, len(ms))
	copy(out, ms)
	SortByRank(out, q)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Ranker selects the memories that enter a prompt.
type Ranker struct {
	store   FactStore
	weights Weights
	window  time.Duration
	now     func() time.Time
}

// RankerOption configures a Ranker.
type RankerOption func(*Ranker)

// WithWeights overrides the ranking coefficients.
func WithWeights(w Weights) RankerOption {
	return func(r *Ranker) { r.weights = w }
}

// WithRecencyWindow overrides the recency window.
func WithRecencyWindow(d time.Duration) RankerOption {
	return func(r *Ranker) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithClock overrides the ranker's clock.
func WithClock(now func() time.Time) RankerOption {
	return func(r *Ranker) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRanker creates a Ranker over store.
func NewRanker(store FactStore, opts ...RankerOption) (*Ranker, error) {
	if store == nil {
		return nil, errors.New("memory: fact store must not be nil")
	}
	r := &Ranker{
		store:   store,
		weights: DefaultWeights,
		window:  DefaultRecencyWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Query returns the RankQuery the ranker would issue for limit.
func (r *Ranker) Query(limit int) RankQuery {
	return RankQuery{
		Limit:       limit,
		Weights:     r.weights,
		RecentSince: r.now().UTC().Add(-r.window),
	}
}

// Rank returns up to limit memories of userID, highest rank first. A user with
// no memories yields an empty result.
func (r *Ranker) Rank(ctx context.Context, userID string, limit int) ([]domain.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	ms, err := r.store.TopByRank(ctx, userID, r.Query(limit))
	if err != nil {
		return nil, err
	}
	if len(ms) > limit {
		ms = ms[:limit]
	}
	return ms, nil
}
