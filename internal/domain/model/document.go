package model

import "time"

type DocumentStatus string

const (
	DocumentStatusUploaded DocumentStatus = "UPLOADED"
	DocumentStatusClean    DocumentStatus = "CLEAN"
	DocumentStatusInfected DocumentStatus = "INFECTED"
	DocumentStatusDeleted  DocumentStatus = "DELETED"
)

// Document is one uploaded file. It lives in quarantine storage until a
// passing scan moves it to the clean area.
type Document struct {
	ID                string
	TenantID          string
	CreatedByKey      string
	OriginalFilename  string
	SHA256            string
	MIMEType          string
	SizeBytes         int64
	QuarantineRelpath string
	CleanRelpath      string
	Status            DocumentStatus
	PageCount         int
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
