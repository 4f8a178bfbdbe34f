package domain

// Turn is a single persisted conversation turn: the user prompt plus the
// final assistant reply. Intermediate tool traffic is never persisted.
type Turn struct {
	PK        string
	SK        string
	SessionID string
	Prompt    string
	Reply     string
	Status    string
	TTL       int64
}

// SessionMeta stores aggregate session state.
type SessionMeta struct {
	PK           string
	SK           string
	SessionID    string
	LastActivity string
	Turns        int
	TTL          int64
}
