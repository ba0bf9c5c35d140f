package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"downloadgate/internal/download"
	"downloadgate/internal/download/repository"
	"downloadgate/internal/entitlement"
	entitlementservice "downloadgate/internal/entitlement/service"
	"downloadgate/internal/file"
	filerepo "downloadgate/internal/file/repository"
	"downloadgate/internal/subscription"
	subrepo "downloadgate/internal/subscription/repository"
	subscriptionservice "downloadgate/internal/subscription/service"
	"downloadgate/internal/token"
)

const (
	subscriber int64 = 1
	freeUser   int64 = 2

	premiumFile   int64 = 10
	freeFile      int64 = 11
	streamingFile int64 = 12
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) OnTransition(s download.Session, from, to download.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.IsPart() {
		return
	}
	r.steps = append(r.steps, string(from)+">"+string(to))
}

func (r *recorder) Steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type fixture struct {
	m     *Manager
	clock *clock
	rec   *recorder
	subs  *subrepo.MemorySubscriptionRepository
	files *filerepo.MemoryFileRepository
	repo  *repository.MemorySessionRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	subs := subrepo.NewMemorySubscriptionRepository()
	require.NoError(t, subs.Create(ctx, &subscription.Subscription{
		UserID:              subscriber,
		Status:              subscription.StatusActive,
		DailyLimit:          100,
		MonthlyLimit:        1000,
		BandwidthLimitBytes: 1 << 40,
		StartsAt:            start.Add(-time.Hour),
		EndsAt:              start.AddDate(0, 1, 0),
	}))

	files := filerepo.NewMemoryFileRepository()
	for _, f := range []*file.File{
		{ID: premiumFile, Status: file.StatusActive, IsPremium: true, Resumable: true, SizeBytes: 1_000_000},
		{ID: freeFile, Status: file.StatusActive, Resumable: true, SizeBytes: 5000},
		{ID: streamingFile, Status: file.StatusActive, IsPremium: true, SizeBytes: 3000},
	} {
		require.NoError(t, files.Create(ctx, f))
	}

	ledger := subscriptionservice.NewLedger(subs, 50)
	evaluator := entitlementservice.NewEvaluator(files, ledger)
	repo := repository.NewMemorySessionRepository()

	clk := &clock{now: start}
	m := NewManager(repo, evaluator, files, ledger, Config{SessionTTL: time.Hour, MaxAttempts: 3})
	m.now = clk.Now
	rec := &recorder{}
	m.Observe(rec)

	return &fixture{m: m, clock: clk, rec: rec, subs: subs, files: files, repo: repo}
}

func (fx *fixture) subscription(t *testing.T) *subscription.Subscription {
	t.Helper()
	sub, err := fx.subs.GetByID(context.Background(), 1)
	require.NoError(t, err)
	return sub
}

func (fx *fixture) downloads(t *testing.T, fileID int64) int64 {
	t.Helper()
	f, err := fx.files.GetByID(context.Background(), fileID)
	require.NoError(t, err)
	return f.DownloadCount
}

// flakyLedger fails the next n charges or download records with a quota race.
type flakyLedger struct {
	QuotaLedger
	failConsume int
	failRecord  int
}

func (f *flakyLedger) Consume(ctx context.Context, subscriptionID, bytes int64) (*subscription.Subscription, error) {
	if f.failConsume > 0 {
		f.failConsume--
		return nil, fmt.Errorf("subscription %d: %w", subscriptionID, subscriptionservice.ErrQuotaRace)
	}
	return f.QuotaLedger.Consume(ctx, subscriptionID, bytes)
}

func (f *flakyLedger) RecordDownload(ctx context.Context, subscriptionID int64) (*subscription.Subscription, error) {
	if f.failRecord > 0 {
		f.failRecord--
		return nil, fmt.Errorf("subscription %d: %w", subscriptionID, subscriptionservice.ErrQuotaRace)
	}
	return f.QuotaLedger.RecordDownload(ctx, subscriptionID)
}

func TestManager_PauseResumeScenarioCompletes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, premiumFile)
	require.NoError(t, err)
	assert.Equal(t, download.StatusPending, s.Status)
	assert.Equal(t, int64(1_000_000), s.BytesRemaining)
	assert.Len(t, s.Token, token.SessionTokenBytes*2)
	require.NotNil(t, s.SubscriptionID)

	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)
	_, err = fx.m.ReportProgress(ctx, s.ID, 400_000)
	require.NoError(t, err)
	_, err = fx.m.ReportProgress(ctx, s.ID, 400_000)
	require.NoError(t, err)

	paused, err := fx.m.Pause(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(800_000), paused.ResumePosition)

	resumed, err := fx.m.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusStarted, resumed.Status)

	done, err := fx.m.ReportProgress(ctx, s.ID, 200_000)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, done.Status)
	assert.Equal(t, int64(1_000_000), done.BytesDownloaded)
	assert.Zero(t, done.BytesRemaining)

	sub := fx.subscription(t)
	assert.Equal(t, int64(1_000_000), sub.BandwidthUsedBytes)
	assert.Equal(t, 1, sub.DownloadsUsedToday)
	assert.Equal(t, 1, sub.DownloadsUsedMonth)
	assert.Equal(t, int64(1), sub.TotalDownloads)
	assert.Equal(t, int64(1), fx.downloads(t, premiumFile))

	assert.Equal(t, []string{
		"pending>started",
		"started>paused",
		"paused>resumed",
		"resumed>started",
		"started>completed",
	}, fx.rec.Steps())
	assert.Zero(t, fx.m.locks.size())
}

func TestManager_TerminalSessionRejectsEverything(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, freeFile)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)
	_, err = fx.m.ReportProgress(ctx, s.ID, 5000)
	require.NoError(t, err)

	before, err := fx.m.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, download.StatusCompleted, before.Status)

	ops := map[string]func() error{
		"start":    func() error { _, err := fx.m.Start(ctx, s.ID); return err },
		"progress": func() error { _, err := fx.m.ReportProgress(ctx, s.ID, 1); return err },
		"pause":    func() error { _, err := fx.m.Pause(ctx, s.ID); return err },
		"resume":   func() error { _, err := fx.m.Resume(ctx, s.ID); return err },
		"complete": func() error { _, err := fx.m.Complete(ctx, s.ID); return err },
		"fail":     func() error { _, err := fx.m.Fail(ctx, s.ID, "X", "x"); return err },
		"cancel":   func() error { _, err := fx.m.Cancel(ctx, s.ID); return err },
		"expire":   func() error { _, err := fx.m.Expire(ctx, s.ID); return err },
	}
	for name, op := range ops {
		assert.ErrorIs(t, op(), download.ErrAlreadyTerminal, name)
	}

	after, err := fx.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(1), fx.downloads(t, freeFile), "completion side effects ran once")
}

func TestManager_NonPremiumSessionIsUnmetered(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, freeFile)
	require.NoError(t, err)
	assert.Nil(t, s.SubscriptionID)

	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)
	_, err = fx.m.ReportProgress(ctx, s.ID, 5000)
	require.NoError(t, err)

	sub := fx.subscription(t)
	assert.Zero(t, sub.BandwidthUsedBytes)
	assert.Zero(t, sub.DownloadsUsedToday)
	assert.Equal(t, int64(1), fx.downloads(t, freeFile))
}

func TestManager_CreateSessionDenied(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.m.CreateSession(context.Background(), freeUser, premiumFile)
	var denied *entitlement.DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, entitlement.ReasonRequiresSubscription, denied.Decision.Reason)
}

func TestManager_MaxAttemptsAfterFailures(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, streamingFile)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = fx.m.Start(ctx, s.ID)
		require.NoError(t, err, "attempt %d", i+1)
		_, err = fx.m.ReportProgress(ctx, s.ID, 1000)
		require.NoError(t, err)
		failed, err := fx.m.Fail(ctx, s.ID, "ConnectionReset", "peer went away")
		require.NoError(t, err)
		assert.Equal(t, i+1, failed.RetryCount)
	}

	res, err := fx.m.Start(ctx, s.ID)
	assert.ErrorIs(t, err, download.ErrAlreadyTerminal)
	assert.Equal(t, download.StatusFailed, res.Status)
	assert.True(t, res.IsTerminal())
	assert.Equal(t, 3, res.DownloadAttempts)

	_, err = fx.m.Cancel(ctx, s.ID)
	assert.ErrorIs(t, err, download.ErrAlreadyTerminal)

	// every restart of a non-resumable file re-sends the bytes
	assert.Equal(t, int64(3000), fx.subscription(t).BandwidthUsedBytes)
}

func TestManager_MaxAttemptsFromPausedFailsSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, premiumFile)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = fx.m.Start(ctx, s.ID)
		require.NoError(t, err)
		_, err = fx.m.Pause(ctx, s.ID)
		require.NoError(t, err)
	}

	res, err := fx.m.Start(ctx, s.ID)
	assert.ErrorIs(t, err, download.ErrMaxAttemptsExceeded)
	assert.Equal(t, download.StatusFailed, res.Status)
	assert.Equal(t, string(download.CodeMaxAttemptsExceeded), res.FailureCode)
}

func TestManager_CorruptedProgressFailsSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, streamingFile)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)
	_, err = fx.m.ReportProgress(ctx, s.ID, 2000)
	require.NoError(t, err)

	res, err := fx.m.ReportProgress(ctx, s.ID, 2000)
	assert.ErrorIs(t, err, download.ErrCorrupted)
	assert.Equal(t, download.StatusFailed, res.Status)
	assert.Equal(t, int64(2000), res.BytesDownloaded)
	assert.Equal(t, int64(2000), fx.subscription(t).BandwidthUsedBytes, "rejected bytes are not charged")

	restarted, err := fx.m.Start(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, restarted.BytesDownloaded)
	assert.Equal(t, 2, restarted.DownloadAttempts)
}

func TestManager_ResumeRequiresResumableFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, streamingFile)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)
	_, err = fx.m.Pause(ctx, s.ID)
	require.NoError(t, err)

	res, err := fx.m.Resume(ctx, s.ID)
	assert.ErrorIs(t, err, download.ErrInvalidTransition)
	assert.Equal(t, download.StatusPaused, res.Status)
}

func TestManager_ConcurrentProgressOnOneSessionIsSerialized(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, premiumFile)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.m.ReportProgress(ctx, s.ID, 100_000)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := fx.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, res.Status)
	assert.Equal(t, int64(1_000_000), fx.subscription(t).BandwidthUsedBytes)
	assert.Equal(t, 1, fx.subscription(t).DownloadsUsedToday)
}

func TestManager_ConcurrentSessionsChargeExactBandwidth(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	const sessions = 8
	ids := make([]uuid.UUID, 0, sessions)
	for i := 0; i < sessions; i++ {
		s, err := fx.m.CreateSession(ctx, subscriber, premiumFile)
		require.NoError(t, err)
		_, err = fx.m.Start(ctx, s.ID)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_, err := fx.m.ReportProgress(ctx, id, 1000)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, int64(sessions*4*1000), fx.subscription(t).BandwidthUsedBytes)
}

func TestManager_Expiry(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, premiumFile)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)

	_, err = fx.m.Expire(ctx, s.ID)
	assert.ErrorIs(t, err, download.ErrInvalidTransition, "not due yet")

	fx.clock.Advance(2 * time.Hour)

	res, err := fx.m.ReportProgress(ctx, s.ID, 10)
	assert.ErrorIs(t, err, download.ErrAlreadyTerminal)
	assert.Equal(t, download.StatusExpired, res.Status)

	res, err = fx.m.Expire(ctx, s.ID)
	require.NoError(t, err, "expire is idempotent")
	assert.Equal(t, download.StatusExpired, res.Status)
	assert.Zero(t, fx.subscription(t).BandwidthUsedBytes)
}

func TestManager_ExpireStale(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fx.m.CreateSession(ctx, subscriber, freeFile)
		require.NoError(t, err)
	}
	done, err := fx.m.CreateSession(ctx, subscriber, freeFile)
	require.NoError(t, err)
	_, err = fx.m.Cancel(ctx, done.ID)
	require.NoError(t, err)

	n, err := fx.m.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	fx.clock.Advance(61 * time.Minute)
	n, err = fx.m.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = fx.m.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_VerifyToken(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	s, err := fx.m.CreateSession(ctx, subscriber, freeFile)
	require.NoError(t, err)

	assert.NoError(t, fx.m.VerifyToken(ctx, s.ID, s.Token))
	assert.ErrorIs(t, fx.m.VerifyToken(ctx, s.ID, "deadbeef"), token.ErrInvalidToken)

	fx.clock.Advance(2 * time.Hour)
	assert.ErrorIs(t, fx.m.VerifyToken(ctx, s.ID, s.Token), token.ErrExpiredToken)

	assert.ErrorIs(t, fx.m.VerifyToken(ctx, uuid.New(), s.Token), download.ErrNotFound)
}

func TestManager_MultipartCompletesParentOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	parent, parts, err := fx.m.CreateMultipartSession(ctx, subscriber, premiumFile, 3)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, int64(333_333), parts[0].FileSizeBytes)
	assert.Equal(t, int64(333_334), parts[2].FileSizeBytes)
	assert.Equal(t, int64(666_666), parts[2].RangeStart)

	_, err = fx.m.ReportProgress(ctx, parent.ID, 1)
	assert.ErrorIs(t, err, download.ErrInvalidTransition)

	_, err = fx.m.Start(ctx, parts[0].ID)
	require.NoError(t, err)
	p, err := fx.m.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusStarted, p.Status)

	var wg sync.WaitGroup
	for _, part := range parts {
		wg.Add(1)
		go func(part *download.Session) {
			defer wg.Done()
			_, err := fx.m.Start(ctx, part.ID)
			if part.PartIndex == 0 {
				assert.ErrorIs(t, err, download.ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			_, err = fx.m.ReportProgress(ctx, part.ID, part.FileSizeBytes)
			assert.NoError(t, err)
		}(part)
	}
	wg.Wait()

	p, err = fx.m.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, p.Status)
	assert.Equal(t, int64(1_000_000), p.BytesDownloaded)

	sub := fx.subscription(t)
	assert.Equal(t, 1, sub.DownloadsUsedToday)
	assert.Equal(t, int64(1_000_000), sub.BandwidthUsedBytes)
	assert.Equal(t, int64(1), fx.downloads(t, premiumFile))
}

func TestManager_MultipartCancelCascades(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	parent, parts, err := fx.m.CreateMultipartSession(ctx, subscriber, premiumFile, 2)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, parts[0].ID)
	require.NoError(t, err)

	_, err = fx.m.Cancel(ctx, parent.ID)
	require.NoError(t, err)

	children, err := fx.m.Children(ctx, parent.ID)
	require.NoError(t, err)
	for _, c := range children {
		assert.Equal(t, download.StatusCancelled, c.Status)
	}
}

func TestManager_MultipartPartFailureFailsParent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	parent, parts, err := fx.m.CreateMultipartSession(ctx, subscriber, premiumFile, 2)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, parts[0].ID)
	require.NoError(t, err)
	_, err = fx.m.Cancel(ctx, parts[1].ID)
	require.NoError(t, err)

	p, err := fx.m.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusFailed, p.Status)
	assert.Equal(t, failurePartFailed, p.FailureCode)
	assert.True(t, p.IsTerminal())

	other, err := fx.m.Get(ctx, parts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCancelled, other.Status)
}

func TestManager_MultipartValidation(t *testing.T) {
	fx := newFixture(t)

	_, _, err := fx.m.CreateMultipartSession(context.Background(), subscriber, premiumFile, 1)
	assert.Error(t, err)
	_, _, err = fx.m.CreateMultipartSession(context.Background(), subscriber, premiumFile, 17)
	assert.Error(t, err)
}

func TestManager_FailedChargeKeepsProgressRetryable(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.m.quota = &flakyLedger{QuotaLedger: fx.m.quota, failConsume: 1}

	s, err := fx.m.CreateSession(ctx, subscriber, premiumFile)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)

	_, err = fx.m.ReportProgress(ctx, s.ID, 400_000)
	require.ErrorIs(t, err, subscriptionservice.ErrQuotaRace)
	got, err := fx.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, got.BytesDownloaded)
	assert.Equal(t, download.StatusStarted, got.Status)

	_, err = fx.m.ReportProgress(ctx, s.ID, 400_000)
	require.NoError(t, err)
	done, err := fx.m.ReportProgress(ctx, s.ID, 600_000)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, done.Status)

	sub := fx.subscription(t)
	assert.Equal(t, done.BytesDownloaded, sub.BandwidthUsedBytes)
	assert.Equal(t, 1, sub.DownloadsUsedToday)
}

func TestManager_FailedRecordLeavesSessionCompletable(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.m.quota = &flakyLedger{QuotaLedger: fx.m.quota, failRecord: 1}

	s, err := fx.m.CreateSession(ctx, subscriber, premiumFile)
	require.NoError(t, err)
	_, err = fx.m.Start(ctx, s.ID)
	require.NoError(t, err)

	got, err := fx.m.ReportProgress(ctx, s.ID, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, download.StatusStarted, got.Status)
	assert.Zero(t, got.BytesRemaining)
	assert.Zero(t, fx.subscription(t).DownloadsUsedToday)
	assert.Zero(t, fx.downloads(t, premiumFile))

	done, err := fx.m.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, done.Status)

	_, err = fx.m.Complete(ctx, s.ID)
	assert.ErrorIs(t, err, download.ErrAlreadyTerminal)

	sub := fx.subscription(t)
	assert.Equal(t, 1, sub.DownloadsUsedToday)
	assert.Equal(t, int64(1), sub.TotalDownloads)
	assert.Equal(t, int64(1_000_000), sub.BandwidthUsedBytes)
	assert.Equal(t, int64(1), fx.downloads(t, premiumFile))
}

func TestManager_CompleteRetriesMultipartParent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.m.quota = &flakyLedger{QuotaLedger: fx.m.quota, failRecord: 1}

	parent, parts, err := fx.m.CreateMultipartSession(ctx, subscriber, premiumFile, 2)
	require.NoError(t, err)
	for _, part := range parts {
		_, err = fx.m.Start(ctx, part.ID)
		require.NoError(t, err)
	}

	_, err = fx.m.Complete(ctx, parent.ID)
	assert.ErrorIs(t, err, download.ErrInvalidTransition)

	for _, part := range parts {
		_, err = fx.m.ReportProgress(ctx, part.ID, part.FileSizeBytes)
		require.NoError(t, err)
	}
	p, err := fx.m.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusStarted, p.Status)

	done, err := fx.m.Complete(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StatusCompleted, done.Status)
	assert.Equal(t, int64(1_000_000), done.BytesDownloaded)

	sub := fx.subscription(t)
	assert.Equal(t, 1, sub.DownloadsUsedToday)
	assert.Equal(t, int64(1), fx.downloads(t, premiumFile))
}
