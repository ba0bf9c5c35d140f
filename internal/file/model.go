package file

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDraft    Status = "draft"
	StatusArchived Status = "archived"
)

var ErrNotFound = errors.New("file not found")

// File holds the catalog attributes that gate downloads. MaxDownloads of zero
// means no cap.
type File struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Status        Status     `json:"status"`
	IsPublic      bool       `json:"is_public"`
	IsPremium     bool       `json:"is_premium"`
	Resumable     bool       `json:"resumable"`
	SizeBytes     int64      `json:"size_bytes"`
	MaxDownloads  int64      `json:"max_downloads"`
	DownloadCount int64      `json:"download_count"`
	PackageID     *int64     `json:"package_id,omitempty"`
	AvailableFrom *time.Time `json:"available_from,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Available reports whether the file can be handed out at now.
func (f *File) Available(now time.Time) bool {
	if f.Status != StatusActive {
		return false
	}
	if f.AvailableFrom != nil && now.Before(*f.AvailableFrom) {
		return false
	}
	if f.ExpiresAt != nil && !now.Before(*f.ExpiresAt) {
		return false
	}
	return f.MaxDownloads <= 0 || f.DownloadCount < f.MaxDownloads
}
