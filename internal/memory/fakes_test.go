package memory

import (
	"context"
	"sync"
	"time"

	"nexus-assistant/internal/domain"
)

type fakeFactStore struct {
	mu       sync.Mutex
	rows     map[int64]domain.Memory
	nextID   int64
	now      time.Time
	topErr   error
	topErrs  int
	topCalls int
	touched  [][]int64
	boosts   map[int64]float64
	updates  map[int64]string
	creates  int
}

func newFakeFactStore(now time.Time) *fakeFactStore {
	return &fakeFactStore{
		rows:    map[int64]domain.Memory{},
		now:     now,
		boosts:  map[int64]float64{},
		updates: map[int64]string{},
	}
}

func (f *fakeFactStore) seed(m domain.Memory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == 0 {
		f.nextID++
		m.ID = f.nextID
	} else if m.ID > f.nextID {
		f.nextID = m.ID
	}
	m.NormalizedText = domain.NormalizeMemoryText(m.Text)
	f.rows[m.ID] = m
}

func (f *fakeFactStore) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + len(f.touched) + len(f.boosts) + len(f.updates)
}

func (f *fakeFactStore) Create(_ context.Context, userID, text string, score float64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	norm := domain.NormalizeMemoryText(text)
	for id, m := range f.rows {
		if m.UserID == userID && m.NormalizedText == norm {
			m.LastUsed, m.UpdatedAt = f.now, f.now
			f.rows[id] = m
			return id, false, nil
		}
	}
	f.nextID++
	f.rows[f.nextID] = domain.Memory{
		ID: f.nextID, UserID: userID, Text: text, NormalizedText: norm, Score: score,
		LastUsed: f.now, CreatedAt: f.now, UpdatedAt: f.now,
	}
	return f.nextID, true, nil
}

func (f *fakeFactStore) FindByExactText(_ context.Context, userID, text string) (domain.Memory, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	norm := domain.NormalizeMemoryText(text)
	for _, m := range f.rows {
		if m.UserID == userID && m.NormalizedText == norm {
			return m, true, nil
		}
	}
	return domain.Memory{}, false, nil
}

func (f *fakeFactStore) TopByRank(_ context.Context, userID string, q RankQuery) ([]domain.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topCalls++
	if f.topErrs > 0 {
		f.topErrs--
		return nil, f.topErr
	}
	var own []domain.Memory
	for _, m := range f.rows {
		if m.UserID == userID {
			own = append(own, m)
		}
	}
	return Top(own, q), nil
}

func (f *fakeFactStore) Touch(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, append([]int64(nil), ids...))
	for _, id := range ids {
		if m, ok := f.rows[id]; ok {
			m.UseCount++
			m.LastUsed = f.now
			f.rows[id] = m
		}
	}
	return nil
}

func (f *fakeFactStore) BoostScore(_ context.Context, id int64, delta float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return domain.NewValidationError("id", "unknown memory")
	}
	m.Score += delta
	f.rows[id] = m
	f.boosts[id] += delta
	return nil
}

func (f *fakeFactStore) UpdateText(_ context.Context, id int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return 0, domain.NewValidationError("id", "unknown memory")
	}
	f.updates[id] = text
	norm := domain.NormalizeMemoryText(text)
	for otherID, other := range f.rows {
		if otherID != id && other.UserID == m.UserID && other.NormalizedText == norm {
			delete(f.rows, id)
			return otherID, nil
		}
	}
	m.Text = text
	m.NormalizedText = norm
	f.rows[id] = m
	return id, nil
}

type fakeConversation struct {
	mu     sync.Mutex
	turns  []domain.ConversationTurn
	err    error
	errs   int
	calls  int
	limits []int
}

func (f *fakeConversation) Recent(_ context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	if f.errs > 0 {
		f.errs--
		return nil, f.err
	}
	var out []domain.ConversationTurn
	for _, t := range f.turns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type stubJudge struct {
	mu         sync.Mutex
	respond    func(prompt string) (string, error)
	lastPrompt string
	calls      int
}

func (s *stubJudge) JudgeMemory(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.lastPrompt = prompt
	s.calls++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.respond(prompt)
}
