package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cityassist-agent/internal/domain"
)

type chatCall struct {
	model       string
	temperature float64
	messages    []domain.ChatMessage
	tools       []domain.ToolDefinition
}

type mockLLM struct {
	replies []domain.ChatMessage
	err     error
	calls   []chatCall
}

func (m *mockLLM) Chat(ctx context.Context, model string, temperature float64, messages []domain.ChatMessage, tools []domain.ToolDefinition) (domain.ChatMessage, error) {
	m.calls = append(m.calls, chatCall{
		model:       model,
		temperature: temperature,
		messages:    append([]domain.ChatMessage(nil), messages...),
		tools:       tools,
	})
	if m.err != nil {
		return domain.ChatMessage{}, m.err
	}
	if len(m.replies) == 0 {
		return domain.ChatMessage{Role: "assistant", Content: "default reply"}, nil
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return next, nil
}

type dispatchCall struct {
	name       string
	positional string
	kwargs     map[string]any
}

type mockDispatcher struct {
	result string
	calls  []dispatchCall
}

func (m *mockDispatcher) Dispatch(ctx context.Context, name, positional string, kwargs map[string]any) string {
	m.calls = append(m.calls, dispatchCall{name: name, positional: positional, kwargs: kwargs})
	return m.result
}

type mockStore struct {
	turnCount    int
	turnCountErr error
	transcript   []domain.ChatMessage
	saveErr      error

	turnCountCalls  int
	transcriptCalls int

	savedSessionID string
	savedPrompt    string
	savedReply     string
	savedTurns     int
	saveCalls      int
}

func (m *mockStore) GetSessionTurnCount(ctx context.Context, sessionID string) (int, error) {
	m.turnCountCalls++
	return m.turnCount, m.turnCountErr
}

func (m *mockStore) GetTranscript(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	m.transcriptCalls++
	return m.transcript, nil
}

func (m *mockStore) SaveCompletedTurn(ctx context.Context, sessionID, prompt, reply string, turns int) error {
	m.saveCalls++
	m.savedSessionID = sessionID
	m.savedPrompt = prompt
	m.savedReply = reply
	m.savedTurns = turns
	return m.saveErr
}

type statusErr struct{ status int }

func (e *statusErr) Error() string       { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatusCode() int { return e.status }

func newTestService(t *testing.T, llm *mockLLM, disp *mockDispatcher, store *mockStore) *AssistService {
	t.Helper()
	s, err := NewAssistService(llm, disp, store, "gpt-test", 0.0, []domain.ToolDefinition{{Name: "search_kb"}}, 20)
	require.NoError(t, err)
	return s
}

func TestNewAssistService_Validation(t *testing.T) {
	llm := &mockLLM{}
	disp := &mockDispatcher{}
	store := &mockStore{}

	_, err := NewAssistService(nil, disp, store, "m", 0, nil, 20)
	require.Error(t, err)

	_, err = NewAssistService(llm, nil, store, "m", 0, nil, 20)
	require.Error(t, err)

	_, err = NewAssistService(llm, disp, nil, "m", 0, nil, 20)
	require.Error(t, err)

	_, err = NewAssistService(llm, disp, store, "  ", 0, nil, 20)
	require.Error(t, err)
}

func TestAssist_EmptyPromptAsksForInput(t *testing.T) {
	llm := &mockLLM{}
	disp := &mockDispatcher{}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	out, err := s.Assist(context.Background(), AssistInput{Prompt: "   \n\t "})
	require.NoError(t, err)
	require.Equal(t, "Please provide a message.", out.Reply)
	require.NotEmpty(t, out.SessionID)
	require.Empty(t, llm.calls)
	require.Zero(t, store.saveCalls)
}

func TestAssist_EmergencyShortCircuit(t *testing.T) {
	prompts := []string{
		"I think someone has a GUN outside",
		"there is a fire in my kitchen",
		"my neighbor is unconscious and not breathing",
		"reporting a break-in at my house",
	}
	for _, prompt := range prompts {
		llm := &mockLLM{}
		disp := &mockDispatcher{}
		store := &mockStore{}
		s := newTestService(t, llm, disp, store)

		out, err := s.Assist(context.Background(), AssistInput{Prompt: prompt})
		require.NoError(t, err, "prompt=%q", prompt)
		require.Equal(t, "Call 911 now.", out.Reply, "prompt=%q", prompt)
		require.Empty(t, llm.calls, "no model call on an emergency")
		require.Empty(t, disp.calls, "no tool call on an emergency")
		require.Zero(t, store.saveCalls, "no persistence on an emergency")
	}
}

func TestAssist_NonEmergencyMentionIsNotShortCircuited(t *testing.T) {
	llm := &mockLLM{replies: []domain.ChatMessage{{Role: "assistant", Content: "Here is how to report it."}}}
	disp := &mockDispatcher{}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	out, err := s.Assist(context.Background(), AssistInput{Prompt: "how do I report a pothole"})
	require.NoError(t, err)
	require.Equal(t, "Here is how to report it.", out.Reply)
	require.Len(t, llm.calls, 1)
}

func TestAssist_SystemMessageSeededFirstExactlyOnce(t *testing.T) {
	llm := &mockLLM{replies: []domain.ChatMessage{{Role: "assistant", Content: "ok"}}}
	disp := &mockDispatcher{}
	store := &mockStore{
		transcript: []domain.ChatMessage{
			{Role: "system", Content: "stale restored system prompt"},
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	}
	s := newTestService(t, llm, disp, store)

	_, err := s.Assist(context.Background(), AssistInput{Prompt: "follow-up", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, llm.calls, 1)

	msgs := llm.calls[0].messages
	require.Equal(t, "system", msgs[0].Role)
	systemCount := 0
	for _, m := range msgs {
		if m.Role == "system" {
			systemCount++
		}
	}
	require.Equal(t, 1, systemCount, "restored system messages must be dropped")
	require.Equal(t, "user", msgs[len(msgs)-1].Role)
	require.Equal(t, "follow-up", msgs[len(msgs)-1].Content)
	require.Equal(t, "earlier question", msgs[1].Content)
	require.Equal(t, "earlier answer", msgs[2].Content)
}

func TestAssist_NewSessionSkipsStoreReads(t *testing.T) {
	llm := &mockLLM{replies: []domain.ChatMessage{{Role: "assistant", Content: "hello"}}}
	disp := &mockDispatcher{}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	out, err := s.Assist(context.Background(), AssistInput{Prompt: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, out.SessionID)
	require.Zero(t, store.turnCountCalls)
	require.Zero(t, store.transcriptCalls)
	require.Equal(t, 1, store.saveCalls)
	require.Equal(t, out.SessionID, store.savedSessionID)
	require.Equal(t, 1, store.savedTurns)
}

func TestAssist_SingleToolRound(t *testing.T) {
	llm := &mockLLM{replies: []domain.ChatMessage{
		{Role: "assistant", ToolCalls: []domain.ToolCall{{
			ID:        "call-1",
			Name:      "get_ticket_status",
			Arguments: map[string]any{"__arg1": "6e63bbbe"},
		}}},
		{Role: "assistant", Content: "Your ticket is open."},
	}}
	disp := &mockDispatcher{result: "Ticket ID: 6e63bbbe\nStatus: open"}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	out, err := s.Assist(context.Background(), AssistInput{Prompt: "what's the status of ticket 6e63bbbe"})
	require.NoError(t, err)
	require.Equal(t, "Your ticket is open.", out.Reply)

	require.Len(t, disp.calls, 1, "exactly one tool dispatch")
	require.Equal(t, "get_ticket_status", disp.calls[0].name)
	require.Equal(t, "6e63bbbe", disp.calls[0].positional)
	require.Empty(t, disp.calls[0].kwargs)

	// Second model turn must carry the tool result as a tool-role message.
	require.Len(t, llm.calls, 2)
	followUp := llm.calls[1].messages
	last := followUp[len(followUp)-1]
	require.Equal(t, "tool", last.Role)
	require.Equal(t, "call-1", last.ToolCallID)
	require.Equal(t, "get_ticket_status", last.Name)
	require.Equal(t, disp.result, last.Content)
}

func TestAssist_KeywordArgumentsPassedThrough(t *testing.T) {
	llm := &mockLLM{replies: []domain.ChatMessage{
		{Role: "assistant", ToolCalls: []domain.ToolCall{{
			ID:   "call-1",
			Name: "create_ticket",
			Arguments: map[string]any{
				"category":      "pothole",
				"description":   "large pothole near the school",
				"address":       "5th and Main",
				"contact_email": "res@example.com",
			},
		}}},
		{Role: "assistant", Content: "Ticket filed."},
	}}
	disp := &mockDispatcher{result: "Ticket created: abc123"}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	out, err := s.Assist(context.Background(), AssistInput{Prompt: "please file a pothole ticket"})
	require.NoError(t, err)
	require.Equal(t, "Ticket filed.", out.Reply)

	require.Len(t, disp.calls, 1)
	require.Equal(t, "create_ticket", disp.calls[0].name)
	require.Empty(t, disp.calls[0].positional)
	require.Equal(t, map[string]any{
		"category":      "pothole",
		"description":   "large pothole near the school",
		"address":       "5th and Main",
		"contact_email": "res@example.com",
	}, disp.calls[0].kwargs)
}

func TestAssist_ToolRoundCapReturnsFallback(t *testing.T) {
	loop := domain.ChatMessage{Role: "assistant", ToolCalls: []domain.ToolCall{{
		ID:        "call-x",
		Name:      "search_kb",
		Arguments: map[string]any{"__arg1": "again"},
	}}}
	llm := &mockLLM{replies: []domain.ChatMessage{loop, loop, loop, loop, loop, loop, loop}}
	disp := &mockDispatcher{result: "partial answer"}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	out, err := s.Assist(context.Background(), AssistInput{Prompt: "keep looking"})
	require.NoError(t, err)
	require.Equal(t, "Sorry, I didn't catch that.", out.Reply)
	require.Len(t, disp.calls, 5, "dispatches stop at the round cap")
}

func TestAssist_ModelRateLimited(t *testing.T) {
	llm := &mockLLM{err: &statusErr{status: 429}}
	disp := &mockDispatcher{}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	_, err := s.Assist(context.Background(), AssistInput{Prompt: "hello"})
	require.Error(t, err)

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorRateLimited, ucErr.Code)
	require.Equal(t, "model_rate_limited", ucErr.Reason)
	require.Zero(t, store.saveCalls, "failed turns are not persisted")
}

func TestAssist_ModelUpstreamError(t *testing.T) {
	llm := &mockLLM{err: errors.New("connection reset")}
	disp := &mockDispatcher{}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	_, err := s.Assist(context.Background(), AssistInput{Prompt: "hello"})
	require.Error(t, err)

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorUpstream, ucErr.Code)
}

func TestAssist_SessionTurnLimit(t *testing.T) {
	llm := &mockLLM{}
	disp := &mockDispatcher{}
	store := &mockStore{turnCount: 25}
	s := newTestService(t, llm, disp, store)

	_, err := s.Assist(context.Background(), AssistInput{Prompt: "hello", SessionID: "sess-long"})
	require.Error(t, err)

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInvalidInput, ucErr.Code)
	require.Equal(t, "session_turn_limit", ucErr.Reason)
	require.Empty(t, llm.calls)
}

func TestAssist_SaveFailureIsInternal(t *testing.T) {
	llm := &mockLLM{replies: []domain.ChatMessage{{Role: "assistant", Content: "done"}}}
	disp := &mockDispatcher{}
	store := &mockStore{saveErr: errors.New("conditional check failed")}
	s := newTestService(t, llm, disp, store)

	_, err := s.Assist(context.Background(), AssistInput{Prompt: "hello"})
	require.Error(t, err)

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInternal, ucErr.Code)
	require.Equal(t, "session_write_error", ucErr.Reason)
}

func TestAssist_BlankModelReplyGetsFallback(t *testing.T) {
	llm := &mockLLM{replies: []domain.ChatMessage{{Role: "assistant", Content: "   "}}}
	disp := &mockDispatcher{}
	store := &mockStore{}
	s := newTestService(t, llm, disp, store)

	out, err := s.Assist(context.Background(), AssistInput{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "Sorry, I didn't catch that.", out.Reply)
}

func TestAssist_SavesTurnCountIncrement(t *testing.T) {
	llm := &mockLLM{replies: []domain.ChatMessage{{Role: "assistant", Content: "noted"}}}
	disp := &mockDispatcher{}
	store := &mockStore{turnCount: 3}
	s := newTestService(t, llm, disp, store)

	out, err := s.Assist(context.Background(), AssistInput{Prompt: "another question", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, "sess-1", out.SessionID)
	require.Equal(t, 4, store.savedTurns)
	require.Equal(t, "another question", store.savedPrompt)
	require.Equal(t, "noted", store.savedReply)
}

func TestBuildSystemPrompt_Content(t *testing.T) {
	prompt := buildSystemPrompt()
	require.True(t, strings.Contains(prompt, "911"))
	require.True(t, strings.Contains(prompt, "create_ticket"))
	require.True(t, strings.Contains(prompt, "search_kb"))
}
