package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"nexus-assistant/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type TurnUseCase interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type Handler struct {
	turns  TurnUseCase
	logger *slog.Logger
}

type turnRequest struct {
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type turnResponse struct {
	Reply    string `json:"reply"`
	Degraded bool   `json:"degraded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(turns TurnUseCase, logger *slog.Logger) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{turns: turns, logger: logger}, nil
}

// Handle serves an API Gateway proxy request. Failures are always expressed
// as a response; the returned error is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlation_id", corrID)

	body := req.Body
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			logger.Warn("invalid base64 body", "err", err)
			return respond(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
		}
		body = string(decoded)
	}

	var in turnRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		logger.Warn("invalid request body", "err", err)
		return respond(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	out, err := h.turns.HandleTurn(ctx, usecase.TurnInput{
		UserID:    in.UserID,
		Message:   in.Message,
		Username:  in.Username,
		FirstName: in.FirstName,
		LastName:  in.LastName,
	})
	if err != nil {
		status, code := usecase.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("turn failed", "err", err)
		} else {
			logger.Info("turn rejected", "err", err)
		}
		return respond(status, corrID, errorResponse{Error: string(code)}), nil
	}
	if out.Degraded {
		logger.Warn("turn degraded", "user_id", in.UserID)
	}
	return respond(http.StatusOK, corrID, turnResponse{Reply: out.Reply, Degraded: out.Degraded}), nil
}

func respond(status int, corrID string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"` + string(usecase.ErrorInternal) + `"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(b),
	}
}

// correlationID returns the caller's correlation id, matched
// case-insensitively, or a new uuid.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
