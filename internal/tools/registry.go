package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"cityassist-agent/internal/domain"
	"cityassist-agent/internal/integrations/gateway"
)

// UnknownToolError reports a model request for a tool that is not registered.
// This is a configuration-level bug, surfaced as a diagnostic message and
// never silently ignored.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tools: unknown tool %q", e.Name)
}

// TokenSource yields a bearer token for the gateway.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Caller executes a single remote tool call.
type Caller interface {
	CallTool(ctx context.Context, token, remoteName string, args map[string]any) (string, error)
}

// Registry wires the fixed tool set: normalize arguments, acquire a token,
// call the gateway, format the result. Every failure below this boundary is
// converted to plain conversational text; no error value reaches the
// conversation history.
type Registry struct {
	specs   map[string]Spec
	tokens  TokenSource
	gateway Caller
}

// NewRegistry creates a Registry over the static tool specs.
func NewRegistry(tokens TokenSource, gw Caller) (*Registry, error) {
	if tokens == nil {
		return nil, errors.New("tools: token source must not be nil")
	}
	if gw == nil {
		return nil, errors.New("tools: gateway caller must not be nil")
	}
	specs := make(map[string]Spec)
	for _, s := range Specs() {
		specs[s.Name] = s
	}
	return &Registry{specs: specs, tokens: tokens, gateway: gw}, nil
}

// Definitions returns the tool descriptions advertised to the model.
func (r *Registry) Definitions() []domain.ToolDefinition {
	defs := make([]domain.ToolDefinition, 0, len(r.specs))
	for _, s := range Specs() {
		defs = append(defs, s.Definition())
	}
	return defs
}

// Dispatch runs one tool call end to end and returns display text. A
// normalization failure short-circuits before any network call.
func (r *Registry) Dispatch(ctx context.Context, name, positional string, kwargs map[string]any) string {
	spec, ok := r.specs[name]
	if !ok {
		err := &UnknownToolError{Name: name}
		log.Error().Err(err).Msg("tool dispatch rejected")
		return fmt.Sprintf("Tool %q is not configured. Please report this to the service team.", name)
	}

	args, err := Normalize(spec, positional, kwargs)
	if err != nil {
		var missing *MissingFieldsError
		if errors.As(err, &missing) {
			log.Debug().
				Str("tool", spec.Name).
				Strs("missing", missing.Fields).
				Msg("tool call missing required fields")
			return fmt.Sprintf("I still need the following before I can proceed: %s.", strings.Join(missing.Fields, ", "))
		}
		return fmt.Sprintf("I couldn't prepare that request: %v.", err)
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		log.Error().Err(err).Str("tool", spec.Name).Msg("token acquisition failed")
		return "Sorry, I couldn't authenticate with the city services gateway right now. Please try again later."
	}

	raw, err := r.gateway.CallTool(ctx, token, spec.RemoteName, args)
	if err != nil {
		var ge *gateway.GatewayError
		if errors.As(err, &ge) && ge.Transient {
			log.Warn().Err(err).Str("tool", spec.Name).Msg("gateway still rate limited after retries")
			return "The city services gateway is busy right now. Please try again in a moment."
		}
		log.Error().Err(err).Str("tool", spec.Name).Msg("gateway call failed")
		return fmt.Sprintf("The %s request failed: %v", spec.Name, err)
	}

	return Format(spec.Kind, raw)
}
