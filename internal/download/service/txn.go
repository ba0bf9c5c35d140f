package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"downloadgate/internal/download"
	"downloadgate/internal/metrics"
)

type change struct {
	from, to download.Status
	s        download.Session
}

// txn is one locked operation on a session. Status changes are collected and
// reported after the lock is released.
type txn struct {
	m       *Manager
	ctx     context.Context
	now     time.Time
	cur     *download.Session
	changes []change
}

// step persists next when it differs from the current state and returns
// the transition error, if any. A refused transition that still changed
// state (Corrupted, MaxAttemptsExceeded) is persisted too.
func (t *txn) step(next download.Session, opErr error) error {
	if next != *t.cur {
		from := t.cur.Status
		if err := t.m.repo.Update(t.ctx, &next, t.cur.Version); err != nil {
			return fmt.Errorf("save session %s: %w", next.ID, err)
		}
		if next.Status != from {
			t.changes = append(t.changes, change{from: from, to: next.Status, s: next})
		}
		t.cur = &next
	}
	return opErr
}

// viaResumed reports the last Paused → Started change as passing through
// Resumed.
func (t *txn) viaResumed() {
	n := len(t.changes)
	if n == 0 || t.changes[n-1].from != download.StatusPaused {
		return
	}
	c := t.changes[n-1]
	mid := c.s
	mid.Status = download.StatusResumed
	t.changes = append(t.changes[:n-1],
		change{from: download.StatusPaused, to: download.StatusResumed, s: mid},
		change{from: download.StatusResumed, to: c.to, s: c.s},
	)
}

// run loads the session under its lock and applies fn. With guardExpiry set,
// an open session past its expiry is expired instead and the call fails
// with AlreadyTerminal.
func (m *Manager) run(ctx context.Context, id uuid.UUID, guardExpiry bool, fn func(*txn) error) (*download.Session, error) {
	unlock := m.locks.lock(id)
	cur, err := m.repo.GetByID(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	t := &txn{m: m, ctx: ctx, now: m.now(), cur: cur}
	if guardExpiry && !cur.IsTerminal() && cur.PastExpiry(t.now) {
		err = t.step(cur.Expire(t.now))
		if err == nil {
			err = download.NewStateError(t.cur, download.CodeAlreadyTerminal, "session expired")
		}
	} else {
		err = fn(t)
	}
	unlock()

	m.settle(ctx, t.changes)

	var se *download.StateError
	if errors.As(err, &se) {
		log.Warn().
			Str("session_id", id.String()).
			Str("code", string(se.Code)).
			Str("status", string(t.cur.Status)).
			Msg(se.Message)
	}
	return t.cur, err
}

// settle notifies observers and propagates changes between a multipart
// parent and its parts. It runs without any session lock held.
func (m *Manager) settle(ctx context.Context, changes []change) {
	for _, c := range changes {
		for _, o := range m.observers {
			o.OnTransition(c.s, c.from, c.to)
		}
	}

	for _, c := range changes {
		switch {
		case c.s.IsParent():
			if c.s.IsTerminal() && c.to != download.StatusCompleted {
				m.cascadeToParts(ctx, c.s)
			}
		case c.s.IsPart():
			parentID := *c.s.ParentID
			switch {
			case c.to == download.StatusStarted:
				m.startParent(ctx, parentID)
			case c.to == download.StatusCompleted:
				m.completeParent(ctx, parentID)
			case c.s.IsTerminal():
				m.failParent(ctx, parentID, c.s)
			}
		}
	}
}

func (m *Manager) cascadeToParts(ctx context.Context, parent download.Session) {
	parts, err := m.repo.ListChildren(ctx, parent.ID)
	if err != nil {
		log.Error().Err(err).Str("session_id", parent.ID.String()).Msg("list session parts failed")
		return
	}
	for _, p := range parts {
		if p.IsTerminal() {
			continue
		}
		if parent.Status == download.StatusExpired {
			_, err = m.Expire(ctx, p.ID)
		} else {
			_, err = m.Cancel(ctx, p.ID)
		}
		logPropagation(err, p.ID, "close session part")
	}
}

func (m *Manager) startParent(ctx context.Context, parentID uuid.UUID) {
	_, err := m.run(ctx, parentID, true, func(t *txn) error {
		if t.cur.Status != download.StatusPending {
			return nil
		}
		return t.step(t.cur.Start(t.now))
	})
	logPropagation(err, parentID, "start multipart parent")
}

func (m *Manager) completeParent(ctx context.Context, parentID uuid.UUID) {
	_, err := m.run(ctx, parentID, true, func(t *txn) error {
		if t.cur.Status != download.StatusStarted {
			return nil
		}
		_, err := m.finishParent(t)
		return err
	})
	logPropagation(err, parentID, "complete multipart parent")
}

// finishParent completes the locked parent once every part is Completed and
// applies the completion side effects for the whole file. It reports false
// while some part is still open.
func (m *Manager) finishParent(t *txn) (bool, error) {
	if t.cur.Status != download.StatusStarted {
		_, err := t.cur.Complete(t.now)
		return false, err
	}
	parts, err := m.repo.ListChildren(t.ctx, t.cur.ID)
	if err != nil {
		return false, err
	}
	var total int64
	for _, p := range parts {
		if p.Status != download.StatusCompleted {
			return false, nil
		}
		total += p.BytesDownloaded
	}

	next := *t.cur
	next.BytesDownloaded = total
	next.BytesRemaining = next.FileSizeBytes - total
	return true, m.complete(t, next)
}

func (m *Manager) failParent(ctx context.Context, parentID uuid.UUID, part download.Session) {
	_, err := m.run(ctx, parentID, false, func(t *txn) error {
		if t.cur.IsTerminal() {
			return nil
		}
		msg := fmt.Sprintf("part %d ended %s", part.PartIndex, part.Status)
		return t.step(t.cur.Abort(failurePartFailed, msg, t.now))
	})
	logPropagation(err, parentID, "fail multipart parent")
}

func logPropagation(err error, id uuid.UUID, action string) {
	if err == nil || errors.Is(err, download.ErrAlreadyTerminal) {
		return
	}
	log.Error().Err(err).Str("session_id", id.String()).Msg(action + " failed")
}

func sweepResult(result string) {
	metrics.ExpirySweeps.WithLabelValues(result).Inc()
}
