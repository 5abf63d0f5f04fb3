package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is an attachment carried by a user message.
type Image struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Audio is a recorded utterance attached to a message.
type Audio struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Message is one entry of a session's conversation log. It is never
// modified after it has been appended.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Image     *Image    `json:"image,omitempty"`
	Audio     *Audio    `json:"audio,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
