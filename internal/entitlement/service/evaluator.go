package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"downloadgate/internal/entitlement"
	"downloadgate/internal/file"
	"downloadgate/internal/metrics"
	"downloadgate/internal/subscription"
	subscriptionservice "downloadgate/internal/subscription/service"
)

type FileCatalog interface {
	GetByID(ctx context.Context, id int64) (*file.File, error)
}

// QuotaReader is the read side of the quota ledger.
type QuotaReader interface {
	ActiveForUser(ctx context.Context, userID int64) (*subscription.Subscription, error)
	CheckAvailable(ctx context.Context, subscriptionID, bytesNeeded int64) (subscriptionservice.Availability, error)
}

// request is the state shared along the check chain.
type request struct {
	userID int64
	file   *file.File
	sub    *subscription.Subscription
	now    time.Time
}

// check returns a non-empty Reason to deny.
type check func(ctx context.Context, req *request) (entitlement.Reason, error)

// Evaluator decides whether a caller may start a download. It never mutates
// counters.
type Evaluator struct {
	files  FileCatalog
	quota  QuotaReader
	checks []check
	now    func() time.Time
}

func NewEvaluator(files FileCatalog, quota QuotaReader) *Evaluator {
	e := &Evaluator{files: files, quota: quota, now: time.Now}
	e.checks = []check{
		e.checkAvailable,
		e.checkLogin,
		e.checkSubscription,
		e.checkQuota,
	}
	return e
}

// Evaluate runs the checks in order; the first failing check fixes the
// reason. userID 0 is an anonymous caller.
func (e *Evaluator) Evaluate(ctx context.Context, userID, fileID int64) (entitlement.Decision, error) {
	f, err := e.files.GetByID(ctx, fileID)
	if errors.Is(err, file.ErrNotFound) {
		return e.record(entitlement.Deny(fileID, entitlement.ReasonUnavailable)), nil
	}
	if err != nil {
		return entitlement.Decision{}, fmt.Errorf("load file %d: %w", fileID, err)
	}

	req := &request{userID: userID, file: f, now: e.now()}
	for _, c := range e.checks {
		reason, err := c(ctx, req)
		if err != nil {
			return entitlement.Decision{}, err
		}
		if reason != "" {
			return e.record(entitlement.Deny(fileID, reason)), nil
		}
	}

	var subID *int64
	if f.IsPremium && req.sub != nil {
		id := req.sub.ID
		subID = &id
	}
	return e.record(entitlement.Allow(fileID, subID)), nil
}

// Authorize is Evaluate returning a DeniedError on denial.
func (e *Evaluator) Authorize(ctx context.Context, userID, fileID int64) (entitlement.Decision, error) {
	d, err := e.Evaluate(ctx, userID, fileID)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, &entitlement.DeniedError{Decision: d}
	}
	return d, nil
}

func (e *Evaluator) checkAvailable(_ context.Context, req *request) (entitlement.Reason, error) {
	if !req.file.Available(req.now) {
		return entitlement.ReasonUnavailable, nil
	}
	return "", nil
}

func (e *Evaluator) checkLogin(_ context.Context, req *request) (entitlement.Reason, error) {
	if !req.file.IsPublic && req.userID == 0 {
		return entitlement.ReasonRequiresLogin, nil
	}
	return "", nil
}

func (e *Evaluator) checkSubscription(ctx context.Context, req *request) (entitlement.Reason, error) {
	if !req.file.IsPremium {
		return "", nil
	}
	if req.userID == 0 {
		return entitlement.ReasonRequiresSubscription, nil
	}
	sub, err := e.quota.ActiveForUser(ctx, req.userID)
	if err != nil {
		return "", fmt.Errorf("load subscription for user %d: %w", req.userID, err)
	}
	if sub == nil {
		return entitlement.ReasonRequiresSubscription, nil
	}
	req.sub = sub
	return "", nil
}

// checkQuota only meters premium files.
func (e *Evaluator) checkQuota(ctx context.Context, req *request) (entitlement.Reason, error) {
	if !req.file.IsPremium || req.sub == nil {
		return "", nil
	}
	avail, err := e.quota.CheckAvailable(ctx, req.sub.ID, req.file.SizeBytes)
	if err != nil {
		return "", fmt.Errorf("check quota for subscription %d: %w", req.sub.ID, err)
	}
	switch {
	case avail.RemainingDaily < 1:
		return entitlement.ReasonDailyLimitReached, nil
	case avail.RemainingMonthly < 1:
		return entitlement.ReasonMonthlyLimitReached, nil
	case avail.RemainingBytes < req.file.SizeBytes:
		return entitlement.ReasonBandwidthExceeded, nil
	}
	return "", nil
}

func (e *Evaluator) record(d entitlement.Decision) entitlement.Decision {
	label := "allowed"
	if !d.Allowed {
		label = string(d.Reason)
		log.Debug().Int64("file_id", d.FileID).Str("reason", label).Msg("entitlement denied")
	}
	metrics.EntitlementDecisions.WithLabelValues(label).Inc()
	return d
}
