// Package models defines the shared data types exchanged between the node,
// workers, channel adapters, and LLM providers.
package models

import "time"

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is an immutable transcript entry. Messages are created by channel
// intake, by the orchestrator, and by scheduled-fire or proactive deliveries.
// They are never mutated after storage; pruning happens only through an
// explicit clear.
type Message struct {
	ID        int64             `json:"id"`
	Channel   string            `json:"channel"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// AttachmentType classifies an inbound channel attachment.
type AttachmentType string

const (
	AttachmentPhoto    AttachmentType = "photo"
	AttachmentDocument AttachmentType = "document"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
	AttachmentVoice    AttachmentType = "voice"
)

// Attachment describes a file that arrived with an inbound message.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	FilePath string         `json:"filePath"`
	FileName string         `json:"fileName"`
	MimeType string         `json:"mimeType,omitempty"`
	FileSize int64          `json:"fileSize,omitempty"`
}

// InboundMessage is the normalised form every channel adapter produces.
type InboundMessage struct {
	ChannelID   string       `json:"channelId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}
