package models

import "time"

// MemoryType classifies a stored memory.
type MemoryType string

const (
	MemoryFact         MemoryType = "fact"
	MemoryConversation MemoryType = "conversation"
	MemoryAnalysis     MemoryType = "analysis"
	MemoryResearch     MemoryType = "research"
)

// Memory is one entry in the hybrid vector + full-text memory store.
// Confidence ranges 1 (uncertain) to 3 (established). Expired memories are
// invisible to queries.
type Memory struct {
	ID         string     `json:"id"`
	Type       MemoryType `json:"type"`
	Subject    string     `json:"subject"`
	Content    string     `json:"content"`
	Tags       []string   `json:"tags,omitempty"`
	Source     string     `json:"source,omitempty"`
	Confidence int        `json:"confidence"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Embedding  []float32  `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// MemoryMatch is a search hit with its relevance score in [0,1].
type MemoryMatch struct {
	Memory
	Score float64 `json:"score"`
}

// UsageType attributes an LLM call to the subsystem that made it.
type UsageType string

const (
	UsageOrchestrator UsageType = "orchestrator"
	UsageAgent        UsageType = "agent"
	UsageGuard        UsageType = "guard"
	UsageMemory       UsageType = "memory"
	UsageProactive    UsageType = "proactive"
)

// UsageRecord is one row of the append-only usage log.
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Type         UsageType `json:"type"`
	AgentID      string    `json:"agentId,omitempty"`
	ChannelID    string    `json:"channelId,omitempty"`
}
