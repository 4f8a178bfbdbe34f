package tools

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MissingFieldsError lists the required fields absent from a tool call after
// normalization. It is user-correctable: the controller surfaces it as a
// clarifying question, never as a failure.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "tools: missing required fields: " + strings.Join(e.Fields, ", ")
}

// positionalKeys are generic argument names some model runtimes emit for
// single-value tool calls instead of the canonical field name.
var positionalKeys = []string{"__arg1", "input", "value"}

// identifierPattern matches ticket-id-like tokens: 6-64 chars of hex-ish
// alphanumerics and dashes. Classification additionally requires a digit so
// ordinary words are not mistaken for identifiers. Best effort only; short
// numeric queries can still misclassify.
var identifierPattern = regexp.MustCompile(`^[0-9a-zA-Z][0-9a-zA-Z-]{5,63}$`)

func looksLikeIdentifier(s string) bool {
	if !identifierPattern.MatchString(s) {
		return false
	}
	return strings.ContainsAny(s, "0123456789")
}

// SplitArguments separates a model-issued argument mapping into a lone
// positional value and proper keyword arguments.
func SplitArguments(args map[string]any) (string, map[string]any) {
	if len(args) == 0 {
		return "", nil
	}
	kwargs := make(map[string]any, len(args))
	positional := ""
	for k, v := range args {
		kwargs[k] = v
	}
	for _, key := range positionalKeys {
		if v, ok := kwargs[key]; ok {
			if s, ok := v.(string); ok && positional == "" {
				positional = s
			}
			delete(kwargs, key)
		}
	}
	return positional, kwargs
}

// Normalize reconciles a positional value and keyword arguments into the
// canonical mapping spec's remote tool expects. Keyword arguments win over
// positional. It validates required fields and returns a MissingFieldsError
// naming exactly the absent ones; the gateway is never called in that case.
func Normalize(spec Spec, positional string, kwargs map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(kwargs)+1)

	if positional = strings.TrimSpace(positional); positional != "" {
		field := spec.QueryField
		if spec.IDField != "" && looksLikeIdentifier(positional) {
			field = spec.IDField
		}
		if field == "" {
			field = spec.IDField
		}
		if field != "" {
			merged[field] = positional
		}
	}

	for k, v := range kwargs {
		merged[k] = v
	}

	out := make(map[string]any, len(merged))
	for k, v := range merged {
		canonical := k
		if alias, ok := spec.Aliases[k]; ok {
			canonical = alias
		}
		// An explicit canonical value wins over one arriving via alias.
		if canonical != k {
			if _, exists := merged[canonical]; exists {
				continue
			}
		}
		out[canonical] = v
	}

	var missing []string
	for _, field := range spec.Required {
		if empty(out[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingFieldsError{Fields: missing}
	}
	return out, nil
}

func empty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return strings.TrimSpace(fmt.Sprint(v)) == ""
}
