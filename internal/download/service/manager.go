package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"downloadgate/internal/download"
	"downloadgate/internal/entitlement"
	"downloadgate/internal/file"
	"downloadgate/internal/subscription"
	"downloadgate/internal/token"
	"downloadgate/pkg/apperr"
)

const (
	failurePartFailed = "PartFailed"
	failureTransport  = "TransportError"
)

type SessionRepository interface {
	// Create stores all sessions atomically.
	Create(ctx context.Context, sessions ...*download.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*download.Session, error)
	// Update writes s if the stored version equals expectedVersion.
	Update(ctx context.Context, s *download.Session, expectedVersion int64) error
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*download.Session, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*download.Session, error)
}

type Entitlements interface {
	Authorize(ctx context.Context, userID, fileID int64) (entitlement.Decision, error)
}

type FileCatalog interface {
	GetByID(ctx context.Context, id int64) (*file.File, error)
	IncrementDownloads(ctx context.Context, id int64) error
}

// QuotaLedger is the write side of subscription metering.
type QuotaLedger interface {
	Consume(ctx context.Context, subscriptionID, bytesTransferred int64) (*subscription.Subscription, error)
	RecordDownload(ctx context.Context, subscriptionID int64) (*subscription.Subscription, error)
}

type Config struct {
	SessionTTL  time.Duration
	MaxAttempts int
	MaxParts    int
}

// Manager drives download sessions. Operations on one session are
// serialized; different sessions proceed in parallel.
type Manager struct {
	repo         SessionRepository
	entitlements Entitlements
	files        FileCatalog
	quota        QuotaLedger
	cfg          Config
	locks        *sessionLocks
	observers    []Observer
	now          func() time.Time
}

func NewManager(repo SessionRepository, entitlements Entitlements, files FileCatalog, quota QuotaLedger, cfg Config) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = download.DefaultMaxAttempts
	}
	if cfg.MaxParts <= 0 {
		cfg.MaxParts = 16
	}
	return &Manager{
		repo:         repo,
		entitlements: entitlements,
		files:        files,
		quota:        quota,
		cfg:          cfg,
		locks:        newSessionLocks(),
		observers:    []Observer{MetricsObserver{}},
		now:          time.Now,
	}
}

// Observe registers o. Not safe to call once the manager is serving.
func (m *Manager) Observe(o Observer) {
	m.observers = append(m.observers, o)
}

// CreateSession authorizes the caller and opens a Pending session. The
// returned session carries the token, which is not exposed again.
func (m *Manager) CreateSession(ctx context.Context, userID, fileID int64) (*download.Session, error) {
	decision, err := m.entitlements.Authorize(ctx, userID, fileID)
	if err != nil {
		return nil, err
	}
	f, err := m.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}

	s, err := m.newSession(userID, f.ID, f.SizeBytes, f.Resumable, decision)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	log.Info().
		Str("session_id", s.ID.String()).
		Int64("user_id", userID).
		Int64("file_id", fileID).
		Bool("metered", decision.Metered()).
		Msg("download session created")
	return s, nil
}

// CreateMultipartSession opens a parent session and parts children covering
// contiguous byte ranges. The last part takes the remainder.
func (m *Manager) CreateMultipartSession(ctx context.Context, userID, fileID int64, parts int) (*download.Session, []*download.Session, error) {
	if parts < 2 || parts > m.cfg.MaxParts {
		return nil, nil, apperr.Validation("parts", fmt.Sprintf("must be between 2 and %d", m.cfg.MaxParts))
	}
	decision, err := m.entitlements.Authorize(ctx, userID, fileID)
	if err != nil {
		return nil, nil, err
	}
	f, err := m.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if f.SizeBytes < int64(parts) {
		return nil, nil, apperr.Validation("parts", "file is smaller than the number of parts")
	}

	parent, err := m.newSession(userID, f.ID, f.SizeBytes, f.Resumable, decision)
	if err != nil {
		return nil, nil, err
	}
	parent.Parts = parts

	partSize := f.SizeBytes / int64(parts)
	children := make([]*download.Session, 0, parts)
	for i := 0; i < parts; i++ {
		start := int64(i) * partSize
		size := partSize
		if i == parts-1 {
			size = f.SizeBytes - start
		}
		child, err := m.newSession(userID, f.ID, size, f.Resumable, decision)
		if err != nil {
			return nil, nil, err
		}
		child.ParentID = &parent.ID
		child.PartIndex = i
		child.RangeStart = start
		child.ExpiresAt = parent.ExpiresAt
		children = append(children, child)
	}

	if err := m.repo.Create(ctx, append([]*download.Session{parent}, children...)...); err != nil {
		return nil, nil, fmt.Errorf("create multipart session: %w", err)
	}
	log.Info().
		Str("session_id", parent.ID.String()).
		Int64("file_id", fileID).
		Int("parts", parts).
		Msg("multipart download session created")
	return parent, children, nil
}

func (m *Manager) newSession(userID, fileID, size int64, resumable bool, d entitlement.Decision) (*download.Session, error) {
	now := m.now()
	tok, err := token.NewSessionToken(now, m.cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	s := download.NewSession(userID, fileID, size, resumable, m.cfg.MaxAttempts, tok.Value, now, m.cfg.SessionTTL)
	s.SubscriptionID = d.SubscriptionID
	return &s, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*download.Session, error) {
	return m.repo.GetByID(ctx, id)
}

func (m *Manager) Children(ctx context.Context, id uuid.UUID) ([]*download.Session, error) {
	return m.repo.ListChildren(ctx, id)
}

// VerifyToken checks a presented token against the session in constant time.
func (m *Manager) VerifyToken(ctx context.Context, id uuid.UUID, presented string) error {
	s, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return token.Verify(token.Token{Value: s.Token, ExpiresAt: s.ExpiresAt}, presented, m.now())
}

func (m *Manager) Start(ctx context.Context, id uuid.UUID) (*download.Session, error) {
	return m.run(ctx, id, true, func(t *txn) error {
		if err := rejectParent(t.cur, "started"); err != nil {
			return err
		}
		return t.step(t.cur.Start(t.now))
	})
}

// ReportProgress records delta bytes and charges them to the subscription.
// The charge happens before the advance is saved, so a failed charge leaves
// the session where it was and the report can be retried as is. Once every
// byte has arrived the session is completed; if that completion fails the
// session stays Started with nothing remaining and Complete retries it.
func (m *Manager) ReportProgress(ctx context.Context, id uuid.UUID, delta int64) (*download.Session, error) {
	return m.run(ctx, id, true, func(t *txn) error {
		if err := rejectParent(t.cur, "advanced"); err != nil {
			return err
		}
		next, err := t.cur.Progress(delta, t.now)
		if err != nil {
			return t.step(next, err)
		}
		if t.cur.SubscriptionID != nil {
			if _, err := m.quota.Consume(t.ctx, *t.cur.SubscriptionID, delta); err != nil {
				return fmt.Errorf("charge %d bytes to subscription %d: %w", delta, *t.cur.SubscriptionID, err)
			}
		}
		if err := t.step(next, nil); err != nil {
			return err
		}
		if t.cur.BytesDownloaded < t.cur.FileSizeBytes {
			return nil
		}
		if err := m.complete(t, *t.cur); err != nil {
			log.Warn().Err(err).Str("session_id", id.String()).Msg("completion deferred")
		}
		return nil
	})
}

func (m *Manager) Pause(ctx context.Context, id uuid.UUID) (*download.Session, error) {
	return m.run(ctx, id, true, func(t *txn) error {
		if err := rejectParent(t.cur, "paused"); err != nil {
			return err
		}
		return t.step(t.cur.Pause(t.now))
	})
}

func (m *Manager) Resume(ctx context.Context, id uuid.UUID) (*download.Session, error) {
	return m.run(ctx, id, true, func(t *txn) error {
		if err := rejectParent(t.cur, "resumed"); err != nil {
			return err
		}
		if err := t.step(t.cur.Resume(t.now)); err != nil {
			return err
		}
		t.viaResumed()
		return nil
	})
}

// Complete finishes a session that has received every byte. On a multipart
// parent it retries a completion that failed when the last part finished.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID) (*download.Session, error) {
	return m.run(ctx, id, true, func(t *txn) error {
		if !t.cur.IsParent() {
			return m.complete(t, *t.cur)
		}
		done, err := m.finishParent(t)
		if err == nil && !done {
			return rejectParent(t.cur, "completed")
		}
		return err
	})
}

func (m *Manager) Fail(ctx context.Context, id uuid.UUID, code, msg string) (*download.Session, error) {
	if code == "" {
		code = failureTransport
	}
	return m.run(ctx, id, true, func(t *txn) error {
		if err := rejectParent(t.cur, "failed"); err != nil {
			return err
		}
		return t.step(t.cur.Fail(code, msg, t.now))
	})
}

// Cancel ends the session. Cancelling a parent cancels its open parts.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*download.Session, error) {
	return m.run(ctx, id, true, func(t *txn) error {
		return t.step(t.cur.Cancel(t.now))
	})
}

// Expire is safe to call at any time and repeatedly.
func (m *Manager) Expire(ctx context.Context, id uuid.UUID) (*download.Session, error) {
	return m.run(ctx, id, false, func(t *txn) error {
		return t.step(t.cur.Expire(t.now))
	})
}

// ExpireStale expires up to limit open sessions past their expiry. Failures
// are logged and picked up by the next sweep.
func (m *Manager) ExpireStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	due, err := m.repo.ListExpirable(ctx, m.now(), limit)
	if err != nil {
		sweepResult("error")
		return 0, fmt.Errorf("list expirable sessions: %w", err)
	}

	expired := 0
	for _, s := range due {
		res, err := m.Expire(ctx, s.ID)
		if err != nil {
			if !errors.Is(err, download.ErrAlreadyTerminal) {
				log.Error().Err(err).Str("session_id", s.ID.String()).Msg("session expiry failed")
			}
			continue
		}
		if res.Status == download.StatusExpired {
			expired++
		}
	}
	sweepResult("ok")
	return expired, nil
}

// complete moves cur to Completed. The quota download is recorded before the
// state is saved: if recording fails the session is left as it was and the
// caller may retry. Parts leave counting to their parent.
func (m *Manager) complete(t *txn, cur download.Session) error {
	next, err := cur.Complete(t.now)
	if err != nil {
		return err
	}
	counted := !next.IsPart()
	if counted && next.SubscriptionID != nil {
		if _, err := m.quota.RecordDownload(t.ctx, *next.SubscriptionID); err != nil {
			return fmt.Errorf("record download on subscription %d: %w", *next.SubscriptionID, err)
		}
	}
	if err := t.step(next, nil); err != nil {
		return err
	}
	if counted {
		m.countDownload(t.ctx, t.cur)
	}
	return nil
}

// countDownload bumps the catalog counter. It runs after the session is
// Completed, so a failure is logged rather than returned.
func (m *Manager) countDownload(ctx context.Context, s *download.Session) {
	if err := m.files.IncrementDownloads(ctx, s.FileID); err != nil {
		log.Error().Err(err).
			Str("session_id", s.ID.String()).
			Int64("file_id", s.FileID).
			Msg("increment file downloads failed")
	}
}

func rejectParent(s *download.Session, verb string) error {
	if s.IsParent() {
		return download.NewStateError(s, download.CodeInvalidTransition, "a multipart parent is "+verb+" through its parts")
	}
	return nil
}
