package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document is an uploaded file attached to a file field of a section. The
// bytes live in the blob store under BlobKey.
type Document struct {
	ID            string
	WorkflowID    string
	SectionID     string
	FieldID       string
	FileName      string
	ContentType   string
	SizeBytes     int64
	BlobKey       string
	ExtractedText string
	UploadedBy    string
	CreatedAt     time.Time
}

// WorkflowSummary is the advisor-facing row used for listing and reindexing.
type WorkflowSummary struct {
	ID         string
	OwnerID    string
	OwnerEmail string
	OwnerName  string
	Title      string
	Status     string
	UpdatedAt  time.Time
}
