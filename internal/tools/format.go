package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Format converts a raw tool response into the fixed human-readable summary
// for the given tool kind. It is pure and never fails: anything that cannot
// be parsed into recognized fields comes back as the raw text unchanged.
func Format(kind Kind, raw string) string {
	body, ok := payloadBody(raw)
	if !ok {
		return raw
	}

	var lines []string
	switch kind {
	case KindCreateTicket:
		lines = createTicketLines(body)
	case KindTicketStatus:
		lines = ticketStatusLines(body)
	case KindSearchKB:
		lines = kbLines(body)
	case KindSendEmail:
		lines = emailLines(body)
	}

	if len(lines) == 0 {
		if text, ok := body["_text"].(string); ok && text != "" {
			return text
		}
		return raw
	}
	return strings.Join(lines, "\n")
}

// payloadBody normalizes whatever the gateway returned into a flat field map.
// Accepted shapes: {"statusCode":...,"body":{...}} with body possibly a JSON
// string, or a bare JSON object. Plain text that is a JSON-encoded string is
// carried under "_text".
func payloadBody(raw string) (map[string]any, bool) {
	var top any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &top); err != nil {
		return nil, false
	}

	m, ok := top.(map[string]any)
	if !ok {
		return nil, false
	}

	if _, hasStatus := m["statusCode"]; hasStatus {
		switch body := m["body"].(type) {
		case map[string]any:
			return body, true
		case string:
			var inner map[string]any
			if err := json.Unmarshal([]byte(body), &inner); err == nil {
				return inner, true
			}
			return map[string]any{"_text": body}, true
		default:
			return nil, false
		}
	}
	return m, true
}

func ticketStatusLines(body map[string]any) []string {
	var lines []string
	lines = appendField(lines, "Ticket ID", body, "ticket_id")
	lines = appendField(lines, "Status", body, "status", "ticket_status")
	lines = appendField(lines, "Dept", body, "dept", "department")
	lines = appendETA(lines, body)
	lines = appendField(lines, "Location", body, "location", "address")
	lines = appendField(lines, "Category", body, "category")
	lines = appendField(lines, "Description", body, "description")
	lines = appendField(lines, "Last Updated", body, "updated_at")
	return lines
}

func createTicketLines(body map[string]any) []string {
	var lines []string
	if id := stringField(body, "ticket_id"); id != "" {
		lines = append(lines, "Ticket created: "+id)
	}
	lines = appendField(lines, "Department", body, "dept", "department")
	lines = appendETA(lines, body)
	lines = appendField(lines, "Location", body, "location", "address")
	lines = appendField(lines, "Category", body, "category")
	lines = appendField(lines, "Description", body, "description")
	return lines
}

func kbLines(body map[string]any) []string {
	var lines []string
	lines = appendField(lines, "Answer", body, "answer")
	lines = appendField(lines, "Source", body, "source")
	if len(lines) == 0 {
		lines = appendField(lines, "Message", body, "message")
		lines = appendField(lines, "Error", body, "error")
	}
	return lines
}

func emailLines(body map[string]any) []string {
	var lines []string
	lines = appendField(lines, "Message", body, "message")
	lines = appendField(lines, "Ticket ID", body, "ticket_id")
	lines = appendField(lines, "Error", body, "error")
	return lines
}

// appendField adds "label: value" for the first present key. Absent fields
// are omitted, never fabricated.
func appendField(lines []string, label string, body map[string]any, keys ...string) []string {
	if v := stringField(body, keys...); v != "" {
		lines = append(lines, label+": "+v)
	}
	return lines
}

func appendETA(lines []string, body map[string]any) []string {
	v, ok := body["eta_days"]
	if !ok || v == nil {
		return lines
	}
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) {
			return append(lines, fmt.Sprintf("ETA: %d day(s)", int64(n)))
		}
		return append(lines, fmt.Sprintf("ETA: %v day(s)", n))
	case string:
		if strings.TrimSpace(n) == "" {
			return lines
		}
		return append(lines, fmt.Sprintf("ETA: %s day(s)", n))
	default:
		return append(lines, fmt.Sprintf("ETA: %v day(s)", n))
	}
}

func stringField(body map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := body[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if strings.TrimSpace(s) != "" {
				return s
			}
			continue
		}
		return fmt.Sprint(v)
	}
	return ""
}
