package projection

import (
	"time"

	"github.com/goccy/go-json"
)

// Session is the write-store post-image of a conversation session
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HumanTurn is a message authored by the user
type HumanTurn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentTurn is the agent's reply to one human turn
type AgentTurn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	HumanTurnID string    `json:"human_turn_id"`
	UserID      string    `json:"user_id"`
	Model       string    `json:"model,omitempty"`
	Content     string    `json:"content,omitempty"`
	TokensIn    int       `json:"tokens_in,omitempty"`
	TokensOut   int       `json:"tokens_out,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step is one tool call or reasoning step inside an agent turn
type Step struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	AgentTurnID string          `json:"agent_turn_id"`
	UserID      string          `json:"user_id"`
	Index       int             `json:"index"`
	Kind        string          `json:"kind"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
