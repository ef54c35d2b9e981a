package domain

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusLocked   Status = "locked"
	StatusArchived Status = "archived"
)

// Turn is a single message in a conversation. A turn is never modified once
// appended.
type Turn struct {
	Seq       int64
	Role      Role
	Content   string
	CreatedAt time.Time
}

// SameContent reports whether two turns carry the same role and text. The
// persistence layer uses it to tell an idempotent retry from a conflict.
func (t Turn) SameContent(o Turn) bool {
	return t.Role == o.Role && t.Content == o.Content
}

// Conversation is the ordered turn history for one conversation key.
type Conversation struct {
	Key          string
	Turns        []Turn
	Seq          int64
	DurableSeq   int64
	LastActivity time.Time
	Status       Status

	// Stale is set when the copy was served from memory because the
	// persistence collaborator could not be reached.
	Stale bool
}

// NewConversation returns an empty active conversation for key.
func NewConversation(key string) Conversation {
	return Conversation{Key: key, Status: StatusActive}
}

// Clone returns a copy that shares no turn storage with c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Turns != nil {
		out.Turns = make([]Turn, len(c.Turns))
		copy(out.Turns, c.Turns)
	}
	return out
}

// Recent returns up to n of the newest turns in chronological order.
func (c Conversation) Recent(n int) []Turn {
	if n <= 0 || n >= len(c.Turns) {
		out := make([]Turn, len(c.Turns))
		copy(out, c.Turns)
		return out
	}
	out := make([]Turn, n)
	copy(out, c.Turns[len(c.Turns)-n:])
	return out
}

// Identity is the caller identity carried by a validated session token.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Budget bounds the context window sent to inference. Length is counted in
// Unicode code points.
type Budget struct {
	MaxLength int `json:"maxLength"`
	MaxTurns  int `json:"maxTurns"`
}

// Merge returns b with any positive field of override applied.
func (b Budget) Merge(override *Budget) Budget {
	if override == nil {
		return b
	}
	if override.MaxLength > 0 {
		b.MaxLength = override.MaxLength
	}
	if override.MaxTurns > 0 {
		b.MaxTurns = override.MaxTurns
	}
	return b
}

// ContextWindow is the bounded, chronologically ordered slice of a
// conversation submitted to inference. It is recomputed per request.
type ContextWindow struct {
	Key       string
	Turns     []Turn
	Length    int
	Truncated bool
}

// ConversationState is caller-defined dialogue state kept beside the turns,
// such as the current step of a multi-step flow and its collected values.
type ConversationState struct {
	Name      string         `json:"state"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
