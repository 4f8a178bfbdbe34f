package usecase

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cityassist-agent/internal/domain"
	"cityassist-agent/internal/tools"
)

const (
	defaultMaxContext = 20
	maxSessionTurns   = 25
	maxToolRounds     = 5

	emergencyReply      = "Call 911 now."
	promptForInputReply = "Please provide a message."
	fallbackReply       = "Sorry, I didn't catch that."
)

// emergencyPattern short-circuits the whole pipeline: a match returns the
// fixed safety string with zero model or tool calls.
var emergencyPattern = regexp.MustCompile(`(?i)(heart attack|gun|shots fired|fire in (my|the)|unconscious|not breathing|domestic violence|break[- ]?in|armed|stabbed|car crash with injuries)`)

// turnState is the controller's explicit state for one invocation. Tool calls
// and model turns strictly alternate; the transitions below are the only way
// the state moves.
type turnState int

const (
	stateAwaitingModel turnState = iota
	stateDispatchingTool
	stateDone
)

type LLMClient interface {
	Chat(ctx context.Context, model string, temperature float64, messages []domain.ChatMessage, tools []domain.ToolDefinition) (domain.ChatMessage, error)
}

// ToolDispatcher runs one tool call and returns display text. It never
// returns an error: tool failures are conversational content.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name, positional string, kwargs map[string]any) string
}

type SessionStore interface {
	GetSessionTurnCount(ctx context.Context, sessionID string) (int, error)
	GetTranscript(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)
	SaveCompletedTurn(ctx context.Context, sessionID, prompt, reply string, turns int) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// AssistService drives one conversational turn: consult the model, dispatch
// at most one tool call per model turn, feed the result back, and stop when
// the model replies without requesting a tool.
type AssistService struct {
	llm             LLMClient
	registry        ToolDispatcher
	state           SessionStore
	model           string
	temperature     float64
	toolDefs        []domain.ToolDefinition
	maxContextItems int
}

type AssistInput struct {
	Prompt    string
	SessionID string
}

type AssistOutput struct {
	Reply     string
	SessionID string
}

func NewAssistService(llm LLMClient, registry ToolDispatcher, state SessionStore, model string, temperature float64, toolDefs []domain.ToolDefinition, maxContextItems int) (*AssistService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if registry == nil {
		return nil, errors.New("usecase: tool registry must not be nil")
	}
	if state == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	if maxContextItems <= 0 {
		maxContextItems = defaultMaxContext
	}
	return &AssistService{
		llm:             llm,
		registry:        registry,
		state:           state,
		model:           model,
		temperature:     temperature,
		toolDefs:        toolDefs,
		maxContextItems: maxContextItems,
	}, nil
}

func (s *AssistService) Assist(ctx context.Context, in AssistInput) (AssistOutput, error) {
	prompt := strings.TrimSpace(in.Prompt)
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}

	if prompt == "" {
		return AssistOutput{Reply: promptForInputReply, SessionID: sessionID}, nil
	}
	if emergencyPattern.MatchString(prompt) {
		log.Info().Str("session", sessionID).Msg("emergency short-circuit")
		return AssistOutput{Reply: emergencyReply, SessionID: sessionID}, nil
	}

	existingTurns := 0
	if strings.TrimSpace(in.SessionID) != "" {
		turns, err := s.state.GetSessionTurnCount(ctx, sessionID)
		if err != nil {
			return AssistOutput{}, newError(ErrorInternal, "session_turn_count_error", err)
		}
		existingTurns = turns
		if existingTurns >= maxSessionTurns {
			return AssistOutput{}, newError(ErrorInvalidInput, "session_turn_limit", nil)
		}
	}

	history, err := s.seedHistory(ctx, sessionID, prompt, strings.TrimSpace(in.SessionID) != "")
	if err != nil {
		return AssistOutput{}, err
	}

	reply, err := s.runTurn(ctx, history)
	if err != nil {
		return AssistOutput{}, err
	}

	if err := s.state.SaveCompletedTurn(ctx, sessionID, prompt, reply, existingTurns+1); err != nil {
		return AssistOutput{}, newError(ErrorInternal, "session_write_error", err)
	}

	return AssistOutput{Reply: reply, SessionID: sessionID}, nil
}

// seedHistory assembles the turn's starting history: the singular system
// message first, restored session turns, then the new user message.
func (s *AssistService) seedHistory(ctx context.Context, sessionID, prompt string, restore bool) ([]domain.ChatMessage, error) {
	history := []domain.ChatMessage{{Role: "system", Content: buildSystemPrompt()}}

	if restore {
		transcript, err := s.state.GetTranscript(ctx, sessionID, s.maxContextItems)
		if err != nil {
			return nil, newError(ErrorInternal, "session_transcript_error", err)
		}
		for _, m := range transcript {
			if m.Role == "system" {
				continue
			}
			history = append(history, m)
		}
	}

	return append(history, domain.ChatMessage{Role: "user", Content: prompt}), nil
}

// runTurn executes the state machine until the model replies without a tool
// request. The controller never retries a failed dispatch and never issues
// two dispatches without an intervening model turn.
func (s *AssistService) runTurn(ctx context.Context, history []domain.ChatMessage) (string, error) {
	var reply domain.ChatMessage
	rounds := 0

	for state := stateAwaitingModel; state != stateDone; {
		switch state {
		case stateAwaitingModel:
			msg, err := s.llm.Chat(ctx, s.model, s.temperature, history, s.toolDefs)
			if err != nil {
				if status, ok := upstreamStatusCode(err); ok && status == 429 {
					return "", newError(ErrorRateLimited, "model_rate_limited", err)
				}
				return "", newError(ErrorUpstream, "model_error", err)
			}
			if msg.Role == "" {
				msg.Role = "assistant"
			}
			history = append(history, msg)
			reply = msg
			if len(msg.ToolCalls) > 0 {
				state = stateDispatchingTool
			} else {
				state = stateDone
			}

		case stateDispatchingTool:
			if rounds >= maxToolRounds {
				log.Warn().Int("rounds", rounds).Msg("tool round cap reached")
				return fallbackReply, nil
			}
			rounds++

			call := reply.ToolCalls[0]
			positional, kwargs := tools.SplitArguments(call.Arguments)
			result := s.registry.Dispatch(ctx, call.Name, positional, kwargs)
			history = append(history, domain.ChatMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			state = stateAwaitingModel
		}
	}

	if strings.TrimSpace(reply.Content) == "" {
		return fallbackReply, nil
	}
	return reply.Content, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
