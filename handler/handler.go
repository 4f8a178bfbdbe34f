package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cityassist-agent/internal/usecase"
)

// UseCase is the single operation the handler drives.
type UseCase interface {
	Assist(ctx context.Context, in usecase.AssistInput) (usecase.AssistOutput, error)
}

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type assistRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

type assistResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	uc UseCase
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

// Handle is the Lambda entrypoint for one user turn.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (Response, error) {
	correlationID := correlationIDFrom(event.Headers)

	var req assistRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return errorResponseFor(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput), nil
	}

	out, err := h.uc.Assist(ctx, usecase.AssistInput{
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
	})
	if err != nil {
		code, status := classify(err)
		log.Error().
			Err(err).
			Str("correlationId", correlationID).
			Str("code", string(code)).
			Msg("assist failed")
		return errorResponseFor(correlationID, status, code), nil
	}

	body, err := json.Marshal(assistResponse{Reply: out.Reply, SessionID: out.SessionID})
	if err != nil {
		return errorResponseFor(correlationID, http.StatusInternalServerError, usecase.ErrorInternal), nil
	}
	return Response{
		StatusCode: http.StatusOK,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}, nil
}

func classify(err error) (usecase.ErrorCode, int) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return usecase.ErrorInternal, http.StatusInternalServerError
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return ucErr.Code, http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return ucErr.Code, http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return ucErr.Code, http.StatusBadGateway
	default:
		return usecase.ErrorInternal, http.StatusInternalServerError
	}
}

func errorResponseFor(correlationID string, status int, code usecase.ErrorCode) Response {
	body, _ := json.Marshal(errorResponse{Error: string(code)})
	return Response{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":     "application/json",
		"X-Correlation-Id": correlationID,
	}
}

func correlationIDFrom(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "x-correlation-id") && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}
