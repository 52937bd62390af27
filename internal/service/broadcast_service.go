package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/logger"
)

// Small internal interfaces so we can test without touching real DB/Redis/channel.
type broadcastRepository interface {
	FindDue(ctx context.Context, now time.Time) ([]domain.ScheduledBroadcast, error)
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)
	InsertMessageLog(ctx context.Context, log *domain.MessageLog) (int64, error)
	FinishDispatch(ctx context.Context, id int64, status domain.BroadcastStatus, logID int64, at time.Time) error
	Requeue(ctx context.Context, id int64, attempts int, at time.Time) error
	FailPermanently(ctx context.Context, id int64, attempts int, at time.Time) error
	Cancel(ctx context.Context, id int64) error
	FindStuckProcessing(ctx context.Context, cutoff time.Time) ([]domain.ScheduledBroadcast, error)

	Create(ctx context.Context, b *domain.ScheduledBroadcast) (*domain.ScheduledBroadcast, error)
	GetByID(ctx context.Context, id int64) (*domain.ScheduledBroadcast, error)
	GetAll(ctx context.Context, status *domain.BroadcastStatus, page, pageSize int) ([]domain.ScheduledBroadcast, int64, error)
	GetMessageLog(ctx context.Context, id int64) (*domain.MessageLog, error)
	GetMessageLogs(ctx context.Context, broadcastID int64) ([]domain.MessageLog, error)
	GetStats(ctx context.Context) (map[domain.BroadcastStatus]int64, error)
}

type audienceResolver interface {
	ResolveAudience(ctx context.Context, audience string) ([]domain.Contact, error)
}

type batchDispatcher interface {
	Dispatch(ctx context.Context, subject, body string, recipients []domain.Contact) []domain.RecipientOutcome
}

type reportCache interface {
	CacheDispatchReport(ctx context.Context, report domain.DispatchReport) error
	GetAllDispatchReports(ctx context.Context) (map[int64]*domain.DispatchReport, error)
}

// BroadcastService owns the broadcast lifecycle: it claims due broadcasts,
// drives them through dispatch, persists the audit record and commits the
// resulting state.
type BroadcastService struct {
	repo       broadcastRepository
	contacts   audienceResolver
	dispatcher batchDispatcher
	cache      reportCache
	config     environments.BroadcastConfig
}

func NewBroadcastService(
	repo broadcastRepository,
	contacts audienceResolver,
	dispatcher batchDispatcher,
	cache reportCache,
	config environments.BroadcastConfig,
) *BroadcastService {
	return &BroadcastService{
		repo:       repo,
		contacts:   contacts,
		dispatcher: dispatcher,
		cache:      cache,
		config:     config,
	}
}

// ProcessDueBroadcasts runs one dispatch cycle: every pending broadcast
// whose scheduled time has passed is claimed and dispatched, one at a
// time. A failure on one broadcast is logged and does not stop the rest.
func (s *BroadcastService) ProcessDueBroadcasts(ctx context.Context, now time.Time) ([]domain.DispatchReport, error) {
	due, err := s.repo.FindDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find due broadcasts: %w", err)
	}

	if len(due) == 0 {
		logger.Debugf("No due broadcasts to process")
		return nil, nil
	}

	logger.Infof("Processing %d due broadcasts", len(due))

	reports := make([]domain.DispatchReport, 0, len(due))

	for _, b := range due {
		report, err := s.dispatchBroadcast(ctx, &b, now)
		if err != nil {
			logger.Errorf("Failed to process broadcast %d: %v", b.ID, err)
			continue
		}
		if report != nil {
			reports = append(reports, *report)
		}
	}

	return reports, nil
}

// dispatchBroadcast drives a single broadcast through one dispatch cycle.
// A nil report with nil error means the claim was lost (for example a
// concurrent cancellation) and the cycle was silently abandoned.
func (s *BroadcastService) dispatchBroadcast(
	ctx context.Context,
	b *domain.ScheduledBroadcast,
	now time.Time,
) (*domain.DispatchReport, error) {
	claimed, err := s.repo.Claim(ctx, b.ID, now)
	if err != nil {
		return nil, fmt.Errorf("claim failed: %w", err)
	}
	if !claimed {
		logger.Debugf("Broadcast %d no longer pending, skipping", b.ID)
		return nil, nil
	}

	recipients, err := s.contacts.ResolveAudience(ctx, b.Audience)
	if err != nil {
		logger.Warnf("Broadcast %d: audience %q failed to resolve: %v", b.ID, b.Audience, err)
		return s.retryOrFail(ctx, b, now)
	}

	if len(recipients) == 0 {
		logger.Warnf("Broadcast %d: %v", b.ID, domain.ErrNoRecipients)
		return s.retryOrFail(ctx, b, now)
	}

	outcomes := s.dispatcher.Dispatch(ctx, b.Title, b.Body, recipients)

	return s.completeDispatch(ctx, b, outcomes, now)
}

// completeDispatch persists the audit record and only then commits the
// terminal state, so the audit trail never lags the state it justifies.
func (s *BroadcastService) completeDispatch(
	ctx context.Context,
	b *domain.ScheduledBroadcast,
	outcomes []domain.RecipientOutcome,
	now time.Time,
) (*domain.DispatchReport, error) {
	log := domain.NewMessageLog(b, outcomes, now)

	logID, err := s.repo.InsertMessageLog(ctx, log)
	if err != nil {
		// Without the log the transition must not be committed; the
		// broadcast stays in processing for the reconciliation sweep.
		return nil, fmt.Errorf("failed to persist message log: %w", err)
	}

	terminal := domain.TerminalStatusFor(log.Status)
	if err := s.repo.FinishDispatch(ctx, b.ID, terminal, logID, now); err != nil {
		return nil, fmt.Errorf("failed to commit dispatch result: %w", err)
	}

	sent := 0
	for _, o := range outcomes {
		if o.Status == domain.RecipientSent {
			sent++
		}
	}

	report := domain.DispatchReport{
		BroadcastID:  b.ID,
		Title:        b.Title,
		Result:       terminal,
		MessageLogID: &logID,
		SentCount:    sent,
		FailedCount:  len(outcomes) - sent,
		SendAttempts: b.SendAttempts,
		CompletedAt:  now,
	}

	s.cacheReport(ctx, report)

	logger.Infof("Broadcast %d dispatched: %s (%d sent, %d failed)",
		b.ID, terminal, report.SentCount, report.FailedCount)

	return &report, nil
}

// retryOrFail handles a dispatch-level failure, where nothing was sent to
// anybody: the attempt counts against the retry budget and the broadcast
// either returns to pending or fails permanently.
func (s *BroadcastService) retryOrFail(
	ctx context.Context,
	b *domain.ScheduledBroadcast,
	now time.Time,
) (*domain.DispatchReport, error) {
	attempts := b.SendAttempts + 1

	result := domain.BroadcastPending
	if attempts >= s.maxSendAttempts() {
		result = domain.BroadcastFailed
	}

	switch result {
	case domain.BroadcastFailed:
		if err := s.repo.FailPermanently(ctx, b.ID, attempts, now); err != nil {
			return nil, fmt.Errorf("failed to mark broadcast failed: %w", err)
		}
		logger.Warnf("Broadcast %d failed permanently after %d attempts", b.ID, attempts)
	default:
		if err := s.repo.Requeue(ctx, b.ID, attempts, now); err != nil {
			return nil, fmt.Errorf("failed to requeue broadcast: %w", err)
		}
		logger.Infof("Broadcast %d requeued (attempt %d of %d)", b.ID, attempts, s.maxSendAttempts())
	}

	report := domain.DispatchReport{
		BroadcastID:  b.ID,
		Title:        b.Title,
		Result:       result,
		SendAttempts: attempts,
		CompletedAt:  now,
	}

	s.cacheReport(ctx, report)

	return &report, nil
}

func (s *BroadcastService) maxSendAttempts() int {
	if s.config.MaxSendAttempts <= 0 {
		return 3
	}
	return s.config.MaxSendAttempts
}

func (s *BroadcastService) cacheReport(ctx context.Context, report domain.DispatchReport) {
	if s.cache == nil {
		return
	}
	if err := s.cache.CacheDispatchReport(ctx, report); err != nil {
		logger.Warnf("Failed to cache dispatch report for broadcast %d: %v", report.BroadcastID, err)
	}
}

// CancelBroadcast cancels a pending broadcast. Cancelling a broadcast that
// is processing or terminal is a conflict, never a crash.
func (s *BroadcastService) CancelBroadcast(ctx context.Context, id int64) error {
	return s.repo.Cancel(ctx, id)
}

// ReconcileStuck applies the retry path to broadcasts that have sat in
// processing longer than the configured age. These are dispatches the
// process never finished, typically after a crash between the log write
// and the state commit.
func (s *BroadcastService) ReconcileStuck(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.config.StuckProcessingAge)

	stuck, err := s.repo.FindStuckProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stuck broadcasts: %w", err)
	}

	reconciled := 0
	for _, b := range stuck {
		if _, err := s.retryOrFail(ctx, &b, now); err != nil {
			logger.Errorf("Failed to reconcile broadcast %d: %v", b.ID, err)
			continue
		}
		reconciled++
	}

	if reconciled > 0 {
		logger.Infof("Reconciled %d stuck broadcasts", reconciled)
	}

	return reconciled, nil
}

// CreateBroadcast schedules a new broadcast in the pending state.
func (s *BroadcastService) CreateBroadcast(
	ctx context.Context,
	title, body, channel, audience string,
	scheduledAt time.Time,
) (*domain.ScheduledBroadcast, error) {
	if channel == "" {
		channel = "email"
	}
	if audience == "" {
		audience = "all"
	}

	b := &domain.ScheduledBroadcast{
		Title:       title,
		Body:        body,
		Channel:     channel,
		Audience:    audience,
		ScheduledAt: scheduledAt,
	}

	return s.repo.Create(ctx, b)
}

func (s *BroadcastService) GetBroadcast(ctx context.Context, id int64) (*domain.ScheduledBroadcast, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *BroadcastService) GetBroadcasts(
	ctx context.Context,
	status *domain.BroadcastStatus,
	page, pageSize int,
) ([]domain.ScheduledBroadcast, int64, error) {
	return s.repo.GetAll(ctx, status, page, pageSize)
}

func (s *BroadcastService) GetMessageLog(ctx context.Context, id int64) (*domain.MessageLog, error) {
	return s.repo.GetMessageLog(ctx, id)
}

func (s *BroadcastService) GetMessageLogs(ctx context.Context, broadcastID int64) ([]domain.MessageLog, error) {
	return s.repo.GetMessageLogs(ctx, broadcastID)
}

func (s *BroadcastService) GetStats(ctx context.Context) (map[domain.BroadcastStatus]int64, error) {
	return s.repo.GetStats(ctx)
}

func (s *BroadcastService) GetCachedReports(ctx context.Context) (map[int64]*domain.DispatchReport, error) {
	if s.cache == nil {
		return nil, errors.New("report cache not configured")
	}
	return s.cache.GetAllDispatchReports(ctx)
}
