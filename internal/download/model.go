package download

import (
	"time"

	"github.com/google/uuid"

	"downloadgate/pkg/apperr"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStarted   Status = "started"
	StatusPaused    Status = "paused"
	StatusResumed   Status = "resumed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

const DefaultMaxAttempts = 3

// Session tracks one transfer. Transition methods never modify the receiver;
// they return the next state. A multipart parent has Parts > 0 and its
// children point at it through ParentID.
type Session struct {
	ID             uuid.UUID  `json:"id"`
	ParentID       *uuid.UUID `json:"parent_session_id,omitempty"`
	UserID         int64      `json:"user_id"`
	SubscriptionID *int64     `json:"subscription_id,omitempty"`
	FileID         int64      `json:"file_id"`
	Status         Status     `json:"status"`

	FileSizeBytes   int64 `json:"file_size_bytes"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	BytesRemaining  int64 `json:"bytes_remaining"`
	ResumePosition  int64 `json:"resume_position"`
	Resumable       bool  `json:"resumable"`

	Parts      int   `json:"parts,omitempty"`
	PartIndex  int   `json:"part_index,omitempty"`
	RangeStart int64 `json:"range_start"`

	DownloadAttempts int    `json:"download_attempts"`
	MaxAttempts      int    `json:"max_attempts"`
	RetryCount       int    `json:"retry_count"`
	FailureCode      string `json:"failure_code,omitempty"`
	FailureMessage   string `json:"failure_message,omitempty"`

	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewSession returns a Pending session for size bytes.
func NewSession(userID, fileID int64, size int64, resumable bool, maxAttempts int, token string, now time.Time, ttl time.Duration) Session {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Session{
		ID:             uuid.New(),
		UserID:         userID,
		FileID:         fileID,
		Status:         StatusPending,
		FileSizeBytes:  size,
		BytesRemaining: size,
		Resumable:      resumable,
		MaxAttempts:    maxAttempts,
		Token:          token,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Session) IsParent() bool { return s.Parts > 0 }
func (s *Session) IsPart() bool   { return s.ParentID != nil }

// AttemptsLeft reports whether Start may still be called.
func (s *Session) AttemptsLeft() bool { return s.DownloadAttempts < s.MaxAttempts }

// IsTerminal reports whether the session accepts no further transitions.
// A failed session stays open for retry until its attempts run out.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	case StatusFailed:
		return !s.AttemptsLeft()
	}
	return false
}

func (s *Session) PastExpiry(now time.Time) bool { return now.After(s.ExpiresAt) }

func (s Session) terminalError() error {
	return stateError(&s, CodeAlreadyTerminal, "session is %s", s.Status)
}

// Start moves Pending, Paused or retryable Failed sessions to Started and
// counts an attempt. A non-resumable restart begins again from byte zero.
func (s Session) Start(now time.Time) (Session, error) {
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	switch s.Status {
	case StatusPending, StatusPaused, StatusFailed:
	default:
		return s, stateError(&s, CodeInvalidTransition, "cannot start from %s", s.Status)
	}
	if !s.AttemptsLeft() {
		return s.failed(CodeMaxAttemptsExceeded, "no download attempts left", now), stateError(&s, CodeMaxAttemptsExceeded, "%d of %d attempts used", s.DownloadAttempts, s.MaxAttempts)
	}

	next := s
	next.DownloadAttempts++
	next.Status = StatusStarted
	next.FailureCode, next.FailureMessage = "", ""
	if s.Status != StatusPending && !s.Resumable {
		next.BytesDownloaded = 0
		next.ResumePosition = 0
	}
	next.BytesRemaining = next.FileSizeBytes - next.BytesDownloaded
	if next.StartedAt == nil {
		next.StartedAt = &now
	}
	next.UpdatedAt = now
	return next, nil
}

// Progress records delta transferred bytes. Overshooting the file size marks
// the session Failed with Corrupted.
func (s Session) Progress(delta int64, now time.Time) (Session, error) {
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	if s.Status != StatusStarted {
		return s, stateError(&s, CodeInvalidTransition, "progress requires started, got %s", s.Status)
	}
	if delta <= 0 {
		return s, apperr.Validation("bytes", "must be positive")
	}
	if s.BytesDownloaded+delta > s.FileSizeBytes {
		return s.failed(CodeCorrupted, "received more bytes than the file holds", now),
			stateError(&s, CodeCorrupted, "%d + %d exceeds %d bytes", s.BytesDownloaded, delta, s.FileSizeBytes)
	}

	next := s
	next.BytesDownloaded += delta
	next.BytesRemaining = next.FileSizeBytes - next.BytesDownloaded
	next.UpdatedAt = now
	return next, nil
}

func (s Session) Pause(now time.Time) (Session, error) {
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	if s.Status != StatusStarted {
		return s, stateError(&s, CodeInvalidTransition, "cannot pause from %s", s.Status)
	}
	next := s
	next.Status = StatusPaused
	next.ResumePosition = s.BytesDownloaded
	next.UpdatedAt = now
	return next, nil
}

// Resume passes through Resumed and lands in Started.
func (s Session) Resume(now time.Time) (Session, error) {
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	if s.Status != StatusPaused {
		return s, stateError(&s, CodeInvalidTransition, "cannot resume from %s", s.Status)
	}
	switch {
	case !s.Resumable:
		return s, stateError(&s, CodeInvalidTransition, "file is not resumable")
	case s.ResumePosition >= s.FileSizeBytes:
		return s, stateError(&s, CodeInvalidTransition, "nothing left to resume")
	case s.PastExpiry(now):
		return s, stateError(&s, CodeInvalidTransition, "session expired at %s", s.ExpiresAt.Format(time.RFC3339))
	}
	next := s
	next.Status = StatusStarted
	next.BytesDownloaded = s.ResumePosition
	next.BytesRemaining = s.FileSizeBytes - s.ResumePosition
	next.UpdatedAt = now
	return next, nil
}

func (s Session) Complete(now time.Time) (Session, error) {
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	if s.Status != StatusStarted {
		return s, stateError(&s, CodeInvalidTransition, "cannot complete from %s", s.Status)
	}
	if s.BytesDownloaded != s.FileSizeBytes {
		return s, stateError(&s, CodeInvalidTransition, "%d of %d bytes received", s.BytesDownloaded, s.FileSizeBytes)
	}
	next := s
	next.Status = StatusCompleted
	next.BytesRemaining = 0
	next.CompletedAt = &now
	next.UpdatedAt = now
	return next, nil
}

// Fail records a transport failure. The session may be started again while
// attempts remain.
func (s Session) Fail(code, msg string, now time.Time) (Session, error) {
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	if s.Status == StatusFailed {
		return s, stateError(&s, CodeInvalidTransition, "session already failed")
	}
	return s.failed(Code(code), msg, now), nil
}

// Expire is idempotent on an expired session.
func (s Session) Expire(now time.Time) (Session, error) {
	if s.Status == StatusExpired {
		return s, nil
	}
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	if !s.PastExpiry(now) {
		return s, stateError(&s, CodeInvalidTransition, "expires at %s", s.ExpiresAt.Format(time.RFC3339))
	}
	next := s
	next.Status = StatusExpired
	next.UpdatedAt = now
	return next, nil
}

func (s Session) Cancel(now time.Time) (Session, error) {
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	next := s
	next.Status = StatusCancelled
	next.UpdatedAt = now
	return next, nil
}

// Abort fails the session and leaves no attempts for a retry.
func (s Session) Abort(code, msg string, now time.Time) (Session, error) {
	if s.IsTerminal() {
		return s, s.terminalError()
	}
	next := s.failed(Code(code), msg, now)
	next.DownloadAttempts = next.MaxAttempts
	return next, nil
}

func (s Session) failed(code Code, msg string, now time.Time) Session {
	next := s
	next.Status = StatusFailed
	next.FailureCode = string(code)
	next.FailureMessage = msg
	next.RetryCount++
	next.UpdatedAt = now
	return next
}
