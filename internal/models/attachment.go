package models

import "time"

// Category tags what an uploaded file turned into after extraction.
type Category string

const (
	CategoryImage       Category = "image"
	CategoryDocument    Category = "document"
	CategoryAudio       Category = "audio"
	CategoryUnsupported Category = "unsupported"
)

// Attachment is a user-uploaded file bound to one conversation session.
// ExtractedContent is written once by the extraction dispatcher right after
// upload and never mutated afterwards.
type Attachment struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	SessionID        int64     `json:"session_id"`
	FileName         string    `json:"file_name"`
	StoredPath       string    `json:"stored_path"`
	MimeType         string    `json:"mime_type"`
	Category         Category  `json:"category"`
	Size             int64     `json:"size"`
	ExtractedContent string    `json:"extracted_content,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
