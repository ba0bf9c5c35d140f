package dto

import "downloadgate/internal/download"

type CreateDownloadRequest struct {
	FileID int64 `json:"file_id" validate:"required,gt=0"`
}

type CreateMultipartRequest struct {
	FileID int64 `json:"file_id" validate:"required,gt=0"`
	Parts  int   `json:"parts" validate:"required,min=2,max=16"`
}

type ProgressRequest struct {
	Bytes int64 `json:"bytes" validate:"required,gt=0"`
}

type FailRequest struct {
	Code    string `json:"code" validate:"omitempty,max=64"`
	Message string `json:"message" validate:"max=512"`
}

// SessionResponse exposes the token only when the session is created.
type SessionResponse struct {
	*download.Session
	Token string `json:"token,omitempty"`
}

type MultipartResponse struct {
	Parent SessionResponse   `json:"parent"`
	Parts  []SessionResponse `json:"parts"`
}
