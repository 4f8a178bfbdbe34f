package tools

import (
	"encoding/json"

	"cityassist-agent/internal/domain"
)

// Kind identifies one of the fixed backend capabilities. Dispatch is keyed on
// this closed set rather than on free-form name strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreateTicket
	KindTicketStatus
	KindSearchKB
	KindSendEmail
)

func (k Kind) String() string {
	switch k {
	case KindCreateTicket:
		return "create_ticket"
	case KindTicketStatus:
		return "get_ticket_status"
	case KindSearchKB:
		return "search_kb"
	case KindSendEmail:
		return "send_email"
	default:
		return "unknown"
	}
}

// Spec statically binds a logical tool name to its remote identifier and
// describes the canonical argument shape the remote tool expects. The set is
// immutable and defined at startup.
type Spec struct {
	Kind        Kind
	Name        string
	Description string
	RemoteName  string

	// IDField receives a lone positional value that looks like an
	// identifier; QueryField receives everything else.
	IDField    string
	QueryField string

	Required []string
	Aliases  map[string]string

	parameters json.RawMessage
}

// Definition returns the tool description advertised to the model.
func (s Spec) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.parameters,
	}
}

// Specs returns the four tool bindings of this deployment.
func Specs() []Spec {
	return []Spec{
		{
			Kind:        KindCreateTicket,
			Name:        "create_ticket",
			Description: "Create a new non-emergency service ticket. Requires category, description, address and contact_email.",
			RemoteName:  "create_ticket",
			QueryField:  "description",
			Required:    []string{"category", "description", "address", "contact_email"},
			Aliases: map[string]string{
				"location": "address",
				"email":    "contact_email",
			},
			parameters: json.RawMessage(`{
				"type":"object",
				"properties":{
					"category":{"type":"string","description":"Issue category, e.g. pothole, graffiti, streetlight outage, trash"},
					"description":{"type":"string","description":"Free-text description of the issue"},
					"address":{"type":"string","description":"Address, landmark or simple location text"},
					"contact_email":{"type":"string","description":"Email address for updates"}
				},
				"required":["category","description","address","contact_email"]
			}`),
		},
		{
			Kind:        KindTicketStatus,
			Name:        "get_ticket_status",
			Description: "Look up the status, department and ETA of an existing ticket by its id.",
			RemoteName:  "get_ticket_status",
			IDField:     "ticket_id",
			Required:    []string{"ticket_id"},
			Aliases: map[string]string{
				"id": "ticket_id",
			},
			parameters: json.RawMessage(`{
				"type":"object",
				"properties":{
					"ticket_id":{"type":"string","description":"Ticket identifier, e.g. 6e63bbbe"}
				},
				"required":["ticket_id"]
			}`),
		},
		{
			Kind:        KindSearchKB,
			Name:        "search_kb",
			Description: "Search the city knowledge base for information about city services.",
			RemoteName:  "search_kb",
			QueryField:  "query",
			Required:    []string{"query"},
			Aliases: map[string]string{
				"q":        "query",
				"question": "query",
				"text":     "query",
			},
			parameters: json.RawMessage(`{
				"type":"object",
				"properties":{
					"query":{"type":"string","description":"The user's question, verbatim"}
				},
				"required":["query"]
			}`),
		},
		{
			Kind:        KindSendEmail,
			Name:        "send_email",
			Description: "Send a confirmation or notice email about a ticket.",
			RemoteName:  "send_email",
			IDField:     "ticket_id",
			QueryField:  "description",
			Required:    []string{"to_email", "category", "description"},
			Aliases: map[string]string{
				"email": "to_email",
				"to":    "to_email",
			},
			parameters: json.RawMessage(`{
				"type":"object",
				"properties":{
					"to_email":{"type":"string","description":"Recipient email address"},
					"category":{"type":"string","description":"Issue category"},
					"description":{"type":"string","description":"Body of the notice"},
					"ticket_id":{"type":"string","description":"Related ticket id, if any"}
				},
				"required":["to_email","category","description"]
			}`),
		},
	}
}
