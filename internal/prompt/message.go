package prompt

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role that may be persisted.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a model-agnostic chat message used across the prompt pipeline.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
