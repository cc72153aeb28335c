package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"nexus-assistant/internal/domain"
	"nexus-assistant/internal/memory"
	"nexus-assistant/internal/reliability"
)

const (
	// FallbackReply is shown when the reply could not be generated.
	FallbackReply = "⚠️ AI engine error. Try again soon."
	// EmptyReply replaces a blank generated reply.
	EmptyReply = "I couldn't generate a reply."

	defaultReplyTimeout      = 30 * time.Second
	defaultBackgroundTimeout = 45 * time.Second
	defaultMaxMessageLength  = 4000

	outcomeOK       = "ok"
	outcomeDegraded = "degraded"
	outcomeInvalid  = "invalid"
	outcomeFailed   = "failed"
)

type PromptAssembler interface {
	Assemble(ctx context.Context, userID, newMessage string) (memory.PromptContext, error)
}

type ReplyGenerator interface {
	GenerateReply(ctx context.Context, prompt string) (string, error)
}

type MemoryCapturer interface {
	Capture(ctx context.Context, in memory.EvaluationInput) memory.Decision
}

type UsageRecorder interface {
	RecordUsage(ctx context.Context, ids []int64) error
}

type ConversationWriter interface {
	AppendTurns(ctx context.Context, turns ...domain.ConversationTurn) error
}

type UserRecorder interface {
	UpsertUser(ctx context.Context, p domain.UserProfile) error
}

// TurnMetrics receives per-turn observations. *observability.Metrics
// satisfies it.
type TurnMetrics interface {
	ObserveTurn(outcome string, d time.Duration)
	ObserveDecision(decision string)
	ObserveBackgroundError(task string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTurn(string, time.Duration) {}
func (noopMetrics) ObserveDecision(string) {}
func (noopMetrics) ObserveBackgroundError(string) {}

// TurnDeps are the collaborators of a TurnService. Users and Metrics are
// optional.
type TurnDeps struct {
	Assembler    PromptAssembler
	Generator    ReplyGenerator
	Capturer     MemoryCapturer
	Usage        UsageRecorder
	Conversation ConversationWriter
	Users        UserRecorder
	Metrics      TurnMetrics
	Logger       *slog.Logger
}

type TurnConfig struct {
	ReplyTimeout      time.Duration
	BackgroundTimeout time.Duration
	MaxMessageLength  int
	Retry             reliability.Policy
}

func (c TurnConfig) withDefaults() TurnConfig {
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = defaultReplyTimeout
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = defaultBackgroundTimeout
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = defaultMaxMessageLength
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = reliability.DefaultPolicy
	}
	return c
}

// TurnInput is one inbound message. The name fields only feed the user
// profile.
type TurnInput struct {
	UserID    string
	Message   string
	Username  string
	FirstName string
	LastName  string
}

type TurnOutput struct {
	Reply    string
	Degraded bool
}

// TurnService answers one user message: it assembles context, generates the
// reply and then persists the exchange and updates long-term memory.
type TurnService struct {
	deps   TurnDeps
	cfg    TurnConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewTurnService(deps TurnDeps, cfg TurnConfig) (*TurnService, error) {
	if deps.Assembler == nil {
		return nil, errors.New("usecase: assembler must not be nil")
	}
	if deps.Generator == nil {
		return nil, errors.New("usecase: reply generator must not be nil")
	}
	if deps.Capturer == nil {
		return nil, errors.New("usecase: memory capturer must not be nil")
	}
	if deps.Usage == nil {
		return nil, errors.New("usecase: usage recorder must not be nil")
	}
	if deps.Conversation == nil {
		return nil, errors.New("usecase: conversation writer must not be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnService{deps: deps, cfg: cfg.withDefaults(), logger: logger, now: time.Now}, nil
}

// HandleTurn returns the assistant reply for in. A generation failure is not
// an error: the caller gets FallbackReply with Degraded set. Post-reply work
// finishes before HandleTurn returns and its failures are only logged.
func (s *TurnService) HandleTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	start := s.now()
	userID := strings.TrimSpace(in.UserID)
	message := strings.TrimSpace(in.Message)
	if userID == "" {
		s.deps.Metrics.ObserveTurn(outcomeInvalid, s.now().Sub(start))
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if message == "" {
		s.deps.Metrics.ObserveTurn(outcomeInvalid, s.now().Sub(start))
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLength {
		s.deps.Metrics.ObserveTurn(outcomeInvalid, s.now().Sub(start))
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	s.recordUser(ctx, userID, in, start)

	pc, err := s.deps.Assembler.Assemble(ctx, userID, message)
	if err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			s.deps.Metrics.ObserveTurn(outcomeInvalid, s.now().Sub(start))
			return TurnOutput{}, newError(ErrorInvalidInput, "invalid_user_id", err)
		}
		s.logger.Error("prompt assembly failed", "user_id", userID, "err", err)
		s.deps.Metrics.ObserveTurn(outcomeFailed, s.now().Sub(start))
		return TurnOutput{}, newError(ErrorInternal, "assemble_error", err)
	}

	replyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	reply, err := s.deps.Generator.GenerateReply(replyCtx, pc.Prompt)
	cancel()
	if err != nil {
		s.logger.Error("reply generation failed", "user_id", userID, "err", err)
		s.deps.Metrics.ObserveTurn(outcomeDegraded, s.now().Sub(start))
		return TurnOutput{Reply: FallbackReply, Degraded: true}, nil
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = EmptyReply
	}

	s.afterReply(ctx, userID, message, reply, pc, start)

	s.deps.Metrics.ObserveTurn(outcomeOK, s.now().Sub(start))
	return TurnOutput{Reply: reply}, nil
}

// recordUser refreshes the user profile. Failures are logged only.
func (s *TurnService) recordUser(ctx context.Context, userID string, in TurnInput, seen time.Time) {
	if s.deps.Users == nil {
		return
	}
	err := s.deps.Users.UpsertUser(ctx, domain.UserProfile{
		UserID:    userID,
		Username:  in.Username,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		LastSeen:  seen.UTC(),
	})
	if err != nil {
		s.logger.Error("user profile upsert failed", "user_id", userID, "err", err)
		s.deps.Metrics.ObserveBackgroundError("user")
	}
}

// turnTimes stamps the user turn with its arrival and the assistant turn with
// the reply time, at least one millisecond later.
func turnTimes(arrived, replied time.Time) (time.Time, time.Time) {
	userAt := arrived.UTC().Truncate(time.Millisecond)
	replyAt := replied.UTC().Truncate(time.Millisecond)
	if !replyAt.After(userAt) {
		replyAt = userAt.Add(time.Millisecond)
	}
	return userAt, replyAt
}

// afterReply persists the exchange, captures memory and records usage
// concurrently. It outlives cancellation of ctx but not BackgroundTimeout.
func (s *TurnService) afterReply(ctx context.Context, userID, message, reply string, pc memory.PromptContext, arrived time.Time) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BackgroundTimeout)
	defer cancel()

	userAt, replyAt := turnTimes(arrived, s.now())
	turns := []domain.ConversationTurn{
		{ID: uuid.NewString(), UserID: userID, Role: domain.RoleUser, Content: message, CreatedAt: userAt},
		{ID: uuid.NewString(), UserID: userID, Role: domain.RoleAssistant, Content: reply, CreatedAt: replyAt},
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		err := reliability.Retry(bg, s.cfg.Retry, func(ctx context.Context) error {
			return s.deps.Conversation.AppendTurns(ctx, turns...)
		})
		if err != nil {
			s.logger.Error("conversation history write failed", "user_id", userID, "err", err)
			s.deps.Metrics.ObserveBackgroundError("history")
		}
	}()
	go func() {
		defer wg.Done()
		d := s.deps.Capturer.Capture(bg, memory.EvaluationInput{
			UserID:         userID,
			UserMessage:    message,
			AssistantReply: reply,
			History:        pc.History,
			Known:          pc.Memories,
		})
		s.deps.Metrics.ObserveDecision(d.Kind.String())
	}()
	go func() {
		defer wg.Done()
		if err := s.deps.Usage.RecordUsage(bg, pc.MemoryIDs); err != nil {
			s.logger.Error("memory usage update failed", "user_id", userID, "err", err)
			s.deps.Metrics.ObserveBackgroundError("usage")
		}
	}()
	wg.Wait()
}
