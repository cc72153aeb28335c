package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"nexus-assistant/internal/domain"
)

const (
	defaultMinMemoryLength = 10
	defaultJudgeTimeout    = 20 * time.Second
	defaultFieldRunes      = 1500
	defaultReaffirmBoost   = 0.1
)

// DecisionKind tags the variant of a Decision.
type DecisionKind int

const (
	DecisionNoOp DecisionKind = iota
	DecisionWriteNew
	DecisionUpdateExisting
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionWriteNew:
		return "write_new"
	case DecisionUpdateExisting:
		return "update_existing"
	default:
		return "noop"
	}
}

// Decision is the outcome of a memory judgment. Text is set for WriteNew and
// UpdateExisting; TargetID only for UpdateExisting.
type Decision struct {
	Kind     DecisionKind
	Text     string
	TargetID int64
}

// NoOp is the decision to store nothing.
func NoOp() Decision { return Decision{Kind: DecisionNoOp} }

// WriteNew is the decision to store text as a new fact.
func WriteNew(text string) Decision { return Decision{Kind: DecisionWriteNew, Text: text} }

// UpdateExisting is the decision to replace the memory targetID with text.
func UpdateExisting(targetID int64, text string) Decision {
	return Decision{Kind: DecisionUpdateExisting, Text: text, TargetID: targetID}
}

// EvaluationInput is the conversation snapshot handed to the judge.
type EvaluationInput struct {
	UserID         string
	UserMessage    string
	AssistantReply string
	History        []domain.ConversationTurn
	Known          []domain.Memory
}

// ExtractorConfig tunes the extractor.
type ExtractorConfig struct {
	MinLength     int
	ReaffirmBoost float64
	Timeout       time.Duration
	FieldRunes    int
}

func (c ExtractorConfig) withDefaults() ExtractorConfig {
	if c.MinLength <= 0 {
		c.MinLength = defaultMinMemoryLength
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultJudgeTimeout
	}
	if c.FieldRunes <= 0 {
		c.FieldRunes = defaultFieldRunes
	}
	if c.ReaffirmBoost < 0 {
		c.ReaffirmBoost = 0
	}
	return c
}

// DefaultExtractorConfig returns the production defaults.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{ReaffirmBoost: defaultReaffirmBoost}.withDefaults()
}

// Extractor decides whether a completed turn yields a memory and applies that
// decision to the fact store. Memory capture is best-effort: failures degrade
// to NoOp and are only logged.
type Extractor struct {
	judge  Judge
	store  FactStore
	cfg    ExtractorConfig
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(judge Judge, store FactStore, cfg ExtractorConfig, logger *slog.Logger) (*Extractor, error) {
	if judge == nil {
		return nil, errors.New("memory: judge must not be nil")
	}
	if store == nil {
		return nil, errors.New("memory: fact store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{judge: judge, store: store, cfg: cfg.withDefaults(), logger: logger}, nil
}

// Capture evaluates the turn and persists the resulting decision. It never
// fails; the decision is returned for observability.
func (e *Extractor) Capture(ctx context.Context, in EvaluationInput) Decision {
	d := e.Evaluate(ctx, in)
	if err := e.Apply(ctx, in.UserID, d, in.Known); err != nil {
		e.logger.Error("memory write failed",
			"user_id", in.UserID, "decision", d.Kind.String(), "err", err)
	}
	return d
}

// Evaluate asks the judge whether the turn contains a durable fact. Judge
// failures, timeouts, malformed payloads and too-short facts all yield NoOp.
func (e *Extractor) Evaluate(ctx context.Context, in EvaluationInput) Decision {
	prompt := BuildEvaluationPrompt(in, e.cfg.FieldRunes)

	judgeCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	raw, err := e.judge.JudgeMemory(judgeCtx, prompt)
	if err != nil {
		e.logger.Warn("memory judgment failed", "user_id", in.UserID, "err", err)
		return NoOp()
	}
	d, err := ParseDecision(raw)
	if err != nil {
		e.logger.Warn("memory judgment malformed", "user_id", in.UserID, "err", err)
		return NoOp()
	}
	if d.Kind != DecisionNoOp && utf8.RuneCountInString(d.Text) < e.cfg.MinLength {
		e.logger.Debug("memory candidate below minimum length", "user_id", in.UserID, "length", utf8.RuneCountInString(d.Text))
		return NoOp()
	}
	return d
}

// Apply persists d for userID. An UpdateExisting whose target is not among
// known is stored as a new fact.
func (e *Extractor) Apply(ctx context.Context, userID string, d Decision, known []domain.Memory) error {
	switch d.Kind {
	case DecisionNoOp:
		return nil
	case DecisionUpdateExisting:
		if containsMemory(known, d.TargetID) {
			id, err := e.store.UpdateText(ctx, d.TargetID, d.Text)
			if err != nil {
				return fmt.Errorf("memory: update %d: %w", d.TargetID, err)
			}
			return e.boost(ctx, id)
		}
		e.logger.Info("memory update target unknown, storing as new", "user_id", userID, "target_id", d.TargetID)
	case DecisionWriteNew:
	default:
		return fmt.Errorf("memory: unknown decision kind %d", d.Kind)
	}

	id, created, err := e.store.Create(ctx, userID, d.Text, domain.DefaultMemoryScore)
	if err != nil {
		return fmt.Errorf("memory: create: %w", err)
	}
	if created {
		return nil
	}
	return e.boost(ctx, id)
}

func (e *Extractor) boost(ctx context.Context, id int64) error {
	if e.cfg.ReaffirmBoost == 0 {
		return nil
	}
	if err := e.store.BoostScore(ctx, id, e.cfg.ReaffirmBoost); err != nil {
		return fmt.Errorf("memory: boost %d: %w", id, err)
	}
	return nil
}

func containsMemory(ms []domain.Memory, id int64) bool {
	if id <= 0 {
		return false
	}
	for _, m := range ms {
		if m.ID == id {
			return true
		}
	}
	return false
}

// BuildEvaluationPrompt renders the judgment instruction and the conversation
// snapshot. Every field is bounded to fieldRunes runes.
func BuildEvaluationPrompt(in EvaluationInput, fieldRunes int) string {
	return strings.Join([]string{
		"You evaluate whether a user's message contains long-term personal memory.",
		"",
		"Long-term memory examples:",
		"- personal preferences (\"I love anime\", \"I hate spicy food\")",
		"- personal profile (\"I'm 17\", \"I live in Delhi\")",
		"- stable habits (\"I wake up at 5am\", \"I always code at night\")",
		"- ongoing projects (\"I'm building an app called Nexus\")",
		"- goals (\"I want to become a designer\")",
		"",
		"Do NOT extract:",
		"- temporary questions",
		"- greetings",
		"- single-use info",
		"- random facts unrelated to the user",
		"",
		"Write the memory as one short third-person sentence about the user.",
		"If the message changes one of the known memories, update that memory instead of writing a new one.",
		"",
		"Output Contract:",
		decisionContract(),
		"",
		"Known memories:",
		renderKnownMemories(in.Known, fieldRunes),
		"",
		"Conversation history:",
		renderHistory(in.History, fieldRunes),
		"",
		"User message:",
		promptLine(in.UserMessage, fieldRunes),
		"",
		"AI reply:",
		promptLine(in.AssistantReply, fieldRunes),
	}, "\n")
}

func decisionContract() string {
	return "Return JSON only with keys decision (string), memory (string) and target_id (integer). " +
		"decision is one of \"noop\", \"write_new\", \"update_existing\". " +
		"For noop return memory=\"\" and target_id=0. " +
		"For write_new return the memory and target_id=0. " +
		"For update_existing return the replacement memory and the id of the known memory it replaces."
}

type decisionPayload struct {
	Decision string `json:"decision"`
	Memory   string `json:"memory"`
	TargetID int64  `json:"target_id"`
}

// ParseDecision strictly decodes a judgment payload. Anything that does not
// match the contract is a *domain.ParseError.
func ParseDecision(raw string) (Decision, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return NoOp(), &domain.ParseError{Reason: "empty payload"}
	}

	var p decisionPayload
	dec := json.NewDecoder(bytes.NewBufferString(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return NoOp(), &domain.ParseError{Reason: "decode decision", Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return NoOp(), &domain.ParseError{Reason: "multiple JSON values"}
		}
		return NoOp(), &domain.ParseError{Reason: "trailing data", Err: err}
	}

	text := strings.TrimSpace(p.Memory)
	switch p.Decision {
	case "noop":
		return NoOp(), nil
	case "write_new":
		return WriteNew(text), nil
	case "update_existing":
		if p.TargetID <= 0 {
			return NoOp(), &domain.ParseError{Reason: "update_existing without target_id"}
		}
		return UpdateExisting(p.TargetID, text), nil
	default:
		return NoOp(), &domain.ParseError{Reason: fmt.Sprintf("unknown decision %q", p.Decision)}
	}
}

// stripCodeFence removes a single surrounding markdown code fence.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	return strings.TrimSpace(s)
}
