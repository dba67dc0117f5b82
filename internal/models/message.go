package models

// Role is a caller-facing transcript role. The checkpoint store records
// additional internal kinds, but only these two ever reach a caller.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single caller-facing transcript entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
