package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"nexus-assistant/internal/domain"
	"nexus-assistant/internal/reliability"
)

const (
	defaultHistoryLimit  = 15
	defaultMemoryLimit   = 5
	defaultAssistantName = "Nexus"
	defaultLineRunes     = 2000
)

// MemoryRanker returns a user's top memories, highest rank first.
type MemoryRanker interface {
	Rank(ctx context.Context, userID string, limit int) ([]domain.Memory, error)
}

// AssemblerConfig tunes prompt assembly.
type AssemblerConfig struct {
	HistoryLimit  int
	MemoryLimit   int
	AssistantName string
	LineRunes     int
	Retry         reliability.Policy
}

func (c AssemblerConfig) withDefaults() AssemblerConfig {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = defaultMemoryLimit
	}
	if strings.TrimSpace(c.AssistantName) == "" {
		c.AssistantName = defaultAssistantName
	}
	if c.LineRunes <= 0 {
		c.LineRunes = defaultLineRunes
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = reliability.DefaultPolicy
	}
	return c
}

// PromptContext is the assembled prompt plus the inputs it was built from.
type PromptContext struct {
	Prompt    string
	MemoryIDs []int64
	Memories  []domain.Memory
	History   []domain.ConversationTurn
}

// Assembler builds the per-turn prompt from short-term history and ranked
// long-term memories.
type Assembler struct {
	ranker  MemoryRanker
	history ConversationReader
	cfg     AssemblerConfig
	logger  *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(ranker MemoryRanker, history ConversationReader, cfg AssemblerConfig, logger *slog.Logger) (*Assembler, error) {
	if ranker == nil {
		return nil, errors.New("memory: ranker must not be nil")
	}
	if history == nil {
		return nil, errors.New("memory: conversation reader must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{ranker: ranker, history: history, cfg: cfg.withDefaults(), logger: logger}, nil
}

// Assemble fetches history and memories for userID and renders the prompt.
// Store reads that keep failing degrade to an empty block.
func (a *Assembler) Assemble(ctx context.Context, userID, newMessage string) (PromptContext, error) {
	if strings.TrimSpace(userID) == "" {
		return PromptContext{}, domain.NewValidationError("userID", "must not be blank")
	}

	var (
		wg       sync.WaitGroup
		memories []domain.Memory
		history  []domain.ConversationTurn
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := reliability.Retry(ctx, a.cfg.Retry, func(ctx context.Context) error {
			ms, err := a.ranker.Rank(ctx, userID, a.cfg.MemoryLimit)
			if err != nil {
				return err
			}
			memories = ms
			return nil
		})
		if err != nil {
			a.logger.Warn("memory ranking unavailable, continuing without memories", "user_id", userID, "err", err)
			memories = nil
		}
	}()
	go func() {
		defer wg.Done()
		err := reliability.Retry(ctx, a.cfg.Retry, func(ctx context.Context) error {
			turns, err := a.history.Recent(ctx, userID, a.cfg.HistoryLimit)
			if err != nil {
				return err
			}
			history = turns
			return nil
		})
		if err != nil {
			a.logger.Warn("conversation history unavailable, continuing without history", "user_id", userID, "err", err)
			history = nil
		}
	}()
	wg.Wait()

	return PromptContext{
		Prompt:    RenderPrompt(a.cfg.AssistantName, memories, history, newMessage, a.cfg.LineRunes),
		MemoryIDs: domain.MemoryIDs(memories),
		Memories:  memories,
		History:   history,
	}, nil
}

// RenderPrompt lays out the reply prompt. The output depends only on its
// arguments.
func RenderPrompt(assistantName string, memories []domain.Memory, history []domain.ConversationTurn, newMessage string, lineRunes int) string {
	var b strings.Builder
	b.WriteString("### USER CONTEXT\n")
	b.WriteString("You are " + assistantName + ", an advanced AI assistant.\n")
	b.WriteString("Your output must follow these rules:\n")
	b.WriteString("- Use the user's memories to stay consistent across chats.\n")
	b.WriteString("- Use the recent conversation history to stay context-aware.\n")
	b.WriteString("- Do NOT mention \"memories\", \"history\" or \"context\" to the user.\n")
	b.WriteString("- Respond naturally as if you remembered everything normally.\n")
	b.WriteString("\n### LONG-TERM MEMORIES (important facts)\n")
	b.WriteString(renderMemoryBullets(memories, lineRunes))
	b.WriteString("\n\n### RECENT CONVERSATION (chronological)\n")
	b.WriteString(renderHistory(history, lineRunes))
	b.WriteString("\n\n### NEW USER MESSAGE\n")
	b.WriteString("USER: " + strings.TrimSpace(newMessage))
	return b.String()
}
