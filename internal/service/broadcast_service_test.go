package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
)

//
// Test fakes – only for this file.
//

// fakeRepo is an in-memory record store that honors the same conditional
// update semantics as the SQL repository, so claim races behave the same.
type fakeRepo struct {
	mu         sync.Mutex
	broadcasts map[int64]*domain.ScheduledBroadcast
	logs       map[int64]*domain.MessageLog
	nextLogID  int64

	insertLogErr error
	finishErr    error
}

func newFakeRepo(broadcasts ...*domain.ScheduledBroadcast) *fakeRepo {
	r := &fakeRepo{
		broadcasts: make(map[int64]*domain.ScheduledBroadcast),
		logs:       make(map[int64]*domain.MessageLog),
	}
	for _, b := range broadcasts {
		copied := *b
		r.broadcasts[b.ID] = &copied
	}
	return r
}

func (r *fakeRepo) get(id int64) domain.ScheduledBroadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.broadcasts[id]
}

func (r *fakeRepo) FindDue(ctx context.Context, now time.Time) ([]domain.ScheduledBroadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []domain.ScheduledBroadcast
	for _, b := range r.broadcasts {
		if b.Status == domain.BroadcastPending && !b.ScheduledAt.After(now) {
			due = append(due, *b)
		}
	}
	return due, nil
}

func (r *fakeRepo) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.broadcasts[id]
	if !ok || b.Status != domain.BroadcastPending || b.ScheduledAt.After(now) {
		return false, nil
	}
	b.Status = domain.BroadcastProcessing
	b.LastAttempt = &now
	return true, nil
}

func (r *fakeRepo) InsertMessageLog(ctx context.Context, log *domain.MessageLog) (int64, error) {
	if r.insertLogErr != nil {
		return 0, r.insertLogErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextLogID++
	log.ID = r.nextLogID
	copied := *log
	r.logs[log.ID] = &copied
	return log.ID, nil
}

func (r *fakeRepo) FinishDispatch(ctx context.Context, id int64, status domain.BroadcastStatus, logID int64, at time.Time) error {
	if r.finishErr != nil {
		return r.finishErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.broadcasts[id]
	if !ok || b.Status != domain.BroadcastProcessing {
		return domain.ErrNotFound
	}
	b.Status = status
	b.MessageLogID = &logID
	b.LastAttempt = &at
	return nil
}

func (r *fakeRepo) Requeue(ctx context.Context, id int64, attempts int, at time.Time) error {
	return r.leaveProcessing(id, domain.BroadcastPending, attempts, at)
}

func (r *fakeRepo) FailPermanently(ctx context.Context, id int64, attempts int, at time.Time) error {
	return r.leaveProcessing(id, domain.BroadcastFailed, attempts, at)
}

func (r *fakeRepo) leaveProcessing(id int64, status domain.BroadcastStatus, attempts int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.broadcasts[id]
	if !ok || b.Status != domain.BroadcastProcessing {
		return domain.ErrNotFound
	}
	b.Status = status
	b.SendAttempts = attempts
	b.LastAttempt = &at
	return nil
}

func (r *fakeRepo) Cancel(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.broadcasts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if b.Status != domain.BroadcastPending {
		return domain.ErrNotPending
	}
	b.Status = domain.BroadcastCancelled
	return nil
}

func (r *fakeRepo) FindStuckProcessing(ctx context.Context, cutoff time.Time) ([]domain.ScheduledBroadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stuck []domain.ScheduledBroadcast
	for _, b := range r.broadcasts {
		if b.Status == domain.BroadcastProcessing && b.LastAttempt != nil && !b.LastAttempt.After(cutoff) {
			stuck = append(stuck, *b)
		}
	}
	return stuck, nil
}

func (r *fakeRepo) Create(ctx context.Context, b *domain.ScheduledBroadcast) (*domain.ScheduledBroadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b.ID = int64(len(r.broadcasts) + 1)
	b.Status = domain.BroadcastPending
	copied := *b
	r.broadcasts[b.ID] = &copied
	return b, nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id int64) (*domain.ScheduledBroadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.broadcasts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (r *fakeRepo) GetAll(ctx context.Context, status *domain.BroadcastStatus, page, pageSize int) ([]domain.ScheduledBroadcast, int64, error) {
	return nil, 0, nil
}

func (r *fakeRepo) GetMessageLog(ctx context.Context, id int64) (*domain.MessageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, ok := r.logs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *log
	return &copied, nil
}

func (r *fakeRepo) GetMessageLogs(ctx context.Context, broadcastID int64) ([]domain.MessageLog, error) {
	return nil, nil
}

func (r *fakeRepo) GetStats(ctx context.Context) (map[domain.BroadcastStatus]int64, error) {
	return nil, nil
}

// fakeResolver returns a fixed contact list or a fixed error.
type fakeResolver struct {
	contacts []domain.Contact
	err      error
	calls    int
}

func (f *fakeResolver) ResolveAudience(ctx context.Context, audience string) ([]domain.Contact, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.contacts, nil
}

// fakeDispatcher marks the recipient indexes in failIdx as failed and
// everything else as sent.
type fakeDispatcher struct {
	failIdx map[int]bool
	calls   int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, subject, body string, recipients []domain.Contact) []domain.RecipientOutcome {
	f.calls++

	outcomes := make([]domain.RecipientOutcome, len(recipients))
	for i, r := range recipients {
		outcomes[i] = domain.RecipientOutcome{
			RecipientID: r.ID,
			Address:     r.Address,
			DisplayName: r.DisplayName,
			Status:      domain.RecipientSent,
		}
		if f.failIdx[i] {
			outcomes[i].Status = domain.RecipientFailed
			outcomes[i].Error = "channel rejected"
		}
	}
	return outcomes
}

type fakeCache struct {
	mu      sync.Mutex
	reports map[int64]*domain.DispatchReport
}

func (c *fakeCache) CacheDispatchReport(ctx context.Context, report domain.DispatchReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reports == nil {
		c.reports = make(map[int64]*domain.DispatchReport)
	}
	copied := report
	c.reports[report.BroadcastID] = &copied
	return nil
}

func (c *fakeCache) GetAllDispatchReports(ctx context.Context) (map[int64]*domain.DispatchReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reports, nil
}

func testConfig() environments.BroadcastConfig {
	return environments.BroadcastConfig{
		PollInterval:       time.Minute,
		BatchSize:          100,
		MaxSendAttempts:    3,
		StuckProcessingAge: 30 * time.Minute,
	}
}

func contacts(n int) []domain.Contact {
	out := make([]domain.Contact, n)
	for i := range out {
		out[i] = domain.Contact{
			ID:          int64(i + 1),
			Address:     fmt.Sprintf("user%d@example.com", i+1),
			DisplayName: fmt.Sprintf("User %d", i+1),
		}
	}
	return out
}

func pendingBroadcast(id int64, scheduledAt time.Time) *domain.ScheduledBroadcast {
	return &domain.ScheduledBroadcast{
		ID:          id,
		Title:       "Release notes",
		Body:        "We shipped something",
		Channel:     "email",
		Audience:    "all",
		ScheduledAt: scheduledAt,
		Status:      domain.BroadcastPending,
	}
}

//
// Tests
//

// Scenario: 3 recipients, every send succeeds.
func TestProcessDueBroadcasts_AllSent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(pendingBroadcast(1, now.Add(-time.Minute)))
	resolver := &fakeResolver{contacts: contacts(3)}
	dispatcher := &fakeDispatcher{}
	cache := &fakeCache{}

	svc := NewBroadcastService(repo, resolver, dispatcher, cache, testConfig())

	reports, err := svc.ProcessDueBroadcasts(ctx, now)
	if err != nil {
		t.Fatalf("ProcessDueBroadcasts returned error: %v", err)
	}

	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].Result != domain.BroadcastSent {
		t.Fatalf("expected result %q, got %q", domain.BroadcastSent, reports[0].Result)
	}
	if reports[0].SentCount != 3 || reports[0].FailedCount != 0 {
		t.Fatalf("expected 3 sent + 0 failed, got %d + %d", reports[0].SentCount, reports[0].FailedCount)
	}

	b := repo.get(1)
	if b.Status != domain.BroadcastSent {
		t.Fatalf("expected broadcast status %q, got %q", domain.BroadcastSent, b.Status)
	}
	if b.SendAttempts != 0 {
		t.Fatalf("expected sendAttempts unchanged (0), got %d", b.SendAttempts)
	}
	if b.MessageLogID == nil {
		t.Fatalf("expected resultRef to be set")
	}

	log, err := repo.GetMessageLog(ctx, *b.MessageLogID)
	if err != nil {
		t.Fatalf("GetMessageLog returned error: %v", err)
	}
	if log.Status != domain.LogComplete {
		t.Fatalf("expected log status %q, got %q", domain.LogComplete, log.Status)
	}
	if len(log.Recipients) != 3 {
		t.Fatalf("expected 3 outcomes in log, got %d", len(log.Recipients))
	}
}

// Scenario: 5 recipients, #2 and #4 fail. Partial success is terminal and
// does not consume the retry budget.
func TestProcessDueBroadcasts_PartialSend(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(pendingBroadcast(1, now.Add(-time.Minute)))
	resolver := &fakeResolver{contacts: contacts(5)}
	dispatcher := &fakeDispatcher{failIdx: map[int]bool{1: true, 3: true}}

	svc := NewBroadcastService(repo, resolver, dispatcher, &fakeCache{}, testConfig())

	reports, err := svc.ProcessDueBroadcasts(ctx, now)
	if err != nil {
		t.Fatalf("ProcessDueBroadcasts returned error: %v", err)
	}

	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].SentCount != 3 || reports[0].FailedCount != 2 {
		t.Fatalf("expected 3 sent + 2 failed, got %d + %d", reports[0].SentCount, reports[0].FailedCount)
	}

	b := repo.get(1)
	if b.Status != domain.BroadcastPartiallySent {
		t.Fatalf("expected status %q, got %q", domain.BroadcastPartiallySent, b.Status)
	}
	if b.SendAttempts != 0 {
		t.Fatalf("partial success must not touch sendAttempts, got %d", b.SendAttempts)
	}

	log, err := repo.GetMessageLog(ctx, *b.MessageLogID)
	if err != nil {
		t.Fatalf("GetMessageLog returned error: %v", err)
	}
	if log.Status != domain.LogPartial {
		t.Fatalf("expected log status %q, got %q", domain.LogPartial, log.Status)
	}
}

// Scenario: audience resolution fails before any send. Three cycles exhaust
// the retry budget and the broadcast lands in failed permanently.
func TestProcessDueBroadcasts_ResolutionFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(pendingBroadcast(1, now.Add(-time.Minute)))
	resolver := &fakeResolver{err: errors.New("contacts table unavailable")}
	dispatcher := &fakeDispatcher{}

	svc := NewBroadcastService(repo, resolver, dispatcher, nil, testConfig())

	for cycle := 1; cycle <= 2; cycle++ {
		if _, err := svc.ProcessDueBroadcasts(ctx, now); err != nil {
			t.Fatalf("cycle %d returned error: %v", cycle, err)
		}

		b := repo.get(1)
		if b.Status != domain.BroadcastPending {
			t.Fatalf("cycle %d: expected status %q, got %q", cycle, domain.BroadcastPending, b.Status)
		}
		if b.SendAttempts != cycle {
			t.Fatalf("cycle %d: expected sendAttempts=%d, got %d", cycle, cycle, b.SendAttempts)
		}
	}

	if _, err := svc.ProcessDueBroadcasts(ctx, now); err != nil {
		t.Fatalf("final cycle returned error: %v", err)
	}

	b := repo.get(1)
	if b.Status != domain.BroadcastFailed {
		t.Fatalf("expected status %q after exhausting retries, got %q", domain.BroadcastFailed, b.Status)
	}
	if b.SendAttempts != 3 {
		t.Fatalf("expected sendAttempts=3, got %d", b.SendAttempts)
	}
	if dispatcher.calls != 0 {
		t.Fatalf("expected no dispatch attempts, got %d", dispatcher.calls)
	}

	// A failed broadcast is terminal: a later tick must not pick it up.
	if _, err := svc.ProcessDueBroadcasts(ctx, now); err != nil {
		t.Fatalf("post-terminal cycle returned error: %v", err)
	}
	if got := repo.get(1).SendAttempts; got != 3 {
		t.Fatalf("sendAttempts must never exceed maxSendAttempts, got %d", got)
	}
}

// An empty audience is a dispatch-level failure, not a successful dispatch.
func TestProcessDueBroadcasts_EmptyAudienceRetries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(pendingBroadcast(1, now.Add(-time.Minute)))
	resolver := &fakeResolver{contacts: nil}
	dispatcher := &fakeDispatcher{}

	svc := NewBroadcastService(repo, resolver, dispatcher, nil, testConfig())

	if _, err := svc.ProcessDueBroadcasts(ctx, now); err != nil {
		t.Fatalf("ProcessDueBroadcasts returned error: %v", err)
	}

	b := repo.get(1)
	if b.Status != domain.BroadcastPending {
		t.Fatalf("expected status %q, got %q", domain.BroadcastPending, b.Status)
	}
	if b.SendAttempts != 1 {
		t.Fatalf("expected sendAttempts=1, got %d", b.SendAttempts)
	}
	if dispatcher.calls != 0 {
		t.Fatalf("expected no dispatch for empty audience, got %d calls", dispatcher.calls)
	}
}

// A broadcast scheduled in the future is not picked up until due.
func TestProcessDueBroadcasts_FutureBroadcastNotDue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(pendingBroadcast(1, now.Add(10*time.Minute)))
	resolver := &fakeResolver{contacts: contacts(2)}
	dispatcher := &fakeDispatcher{}

	svc := NewBroadcastService(repo, resolver, dispatcher, nil, testConfig())

	reports, err := svc.ProcessDueBroadcasts(ctx, now)
	if err != nil {
		t.Fatalf("ProcessDueBroadcasts returned error: %v", err)
	}
	if reports != nil {
		t.Fatalf("expected no reports before scheduled time, got %d", len(reports))
	}

	// Once due, it is dispatched exactly once.
	reports, err = svc.ProcessDueBroadcasts(ctx, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ProcessDueBroadcasts returned error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report once due, got %d", len(reports))
	}
	if dispatcher.calls != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", dispatcher.calls)
	}
}

// Two overlapping cycles race for the same broadcast; the atomic claim lets
// only one of them dispatch.
func TestProcessDueBroadcasts_ConcurrentCyclesDispatchOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(pendingBroadcast(1, now.Add(-time.Minute)))
	resolver := &fakeResolver{contacts: contacts(2)}

	dispatcher := &countingDispatcher{}
	svc := NewBroadcastService(repo, resolver, dispatcher, nil, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.ProcessDueBroadcasts(ctx, now)
		}()
	}
	wg.Wait()

	if got := dispatcher.count(); got != 1 {
		t.Fatalf("expected exactly 1 dispatch across overlapping cycles, got %d", got)
	}
	if status := repo.get(1).Status; status != domain.BroadcastSent {
		t.Fatalf("expected final status %q, got %q", domain.BroadcastSent, status)
	}
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDispatcher) Dispatch(ctx context.Context, subject, body string, recipients []domain.Contact) []domain.RecipientOutcome {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	outcomes := make([]domain.RecipientOutcome, len(recipients))
	for i, r := range recipients {
		outcomes[i] = domain.RecipientOutcome{RecipientID: r.ID, Address: r.Address, Status: domain.RecipientSent}
	}
	return outcomes
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// If the message log cannot be persisted, the state transition must not be
// committed: the broadcast stays in processing for reconciliation.
func TestProcessDueBroadcasts_LogPersistenceFailureLeavesProcessing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(pendingBroadcast(1, now.Add(-time.Minute)))
	repo.insertLogErr = errors.New("disk full")

	resolver := &fakeResolver{contacts: contacts(2)}
	svc := NewBroadcastService(repo, resolver, &fakeDispatcher{}, nil, testConfig())

	// The per-broadcast error is absorbed; the cycle itself succeeds.
	reports, err := svc.ProcessDueBroadcasts(ctx, now)
	if err != nil {
		t.Fatalf("ProcessDueBroadcasts returned error: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no reports, got %d", len(reports))
	}

	b := repo.get(1)
	if b.Status != domain.BroadcastProcessing {
		t.Fatalf("expected status %q, got %q", domain.BroadcastProcessing, b.Status)
	}
	if b.MessageLogID != nil {
		t.Fatalf("expected no resultRef after failed log write")
	}
}

func TestCancelBroadcast(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo(
		pendingBroadcast(1, now.Add(time.Hour)),
		pendingBroadcast(2, now.Add(-time.Minute)),
	)
	resolver := &fakeResolver{contacts: contacts(1)}
	svc := NewBroadcastService(repo, resolver, &fakeDispatcher{}, nil, testConfig())

	// Cancelling a pending broadcast succeeds and is terminal.
	if err := svc.CancelBroadcast(ctx, 1); err != nil {
		t.Fatalf("expected cancellation to succeed, got %v", err)
	}
	if status := repo.get(1).Status; status != domain.BroadcastCancelled {
		t.Fatalf("expected status %q, got %q", domain.BroadcastCancelled, status)
	}

	// A cancelled broadcast is never picked up again.
	if _, err := svc.ProcessDueBroadcasts(ctx, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("ProcessDueBroadcasts returned error: %v", err)
	}
	if status := repo.get(1).Status; status != domain.BroadcastCancelled {
		t.Fatalf("cancelled broadcast was touched by a later tick: %q", status)
	}

	// Cancelling a terminal broadcast is a conflict.
	if _, err := svc.ProcessDueBroadcasts(ctx, now); err != nil {
		t.Fatalf("ProcessDueBroadcasts returned error: %v", err)
	}
	err := svc.CancelBroadcast(ctx, 2)
	if !errors.Is(err, domain.ErrNotPending) {
		t.Fatalf("expected ErrNotPending for terminal broadcast, got %v", err)
	}

	// Cancelling an unknown broadcast reports not found.
	if err := svc.CancelBroadcast(ctx, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcileStuck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	stuckSince := now.Add(-2 * time.Hour)
	stuck := pendingBroadcast(1, stuckSince)
	stuck.Status = domain.BroadcastProcessing
	stuck.LastAttempt = &stuckSince

	recent := pendingBroadcast(2, now)
	recent.Status = domain.BroadcastProcessing
	recent.LastAttempt = &now

	repo := newFakeRepo(stuck, recent)
	svc := NewBroadcastService(repo, &fakeResolver{}, &fakeDispatcher{}, nil, testConfig())

	count, err := svc.ReconcileStuck(ctx, now)
	if err != nil {
		t.Fatalf("ReconcileStuck returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reconciled broadcast, got %d", count)
	}

	if status := repo.get(1).Status; status != domain.BroadcastPending {
		t.Fatalf("expected stuck broadcast back in %q, got %q", domain.BroadcastPending, status)
	}
	if attempts := repo.get(1).SendAttempts; attempts != 1 {
		t.Fatalf("expected sendAttempts=1 after reconcile, got %d", attempts)
	}
	if status := repo.get(2).Status; status != domain.BroadcastProcessing {
		t.Fatalf("recent processing broadcast must be untouched, got %q", status)
	}
}

func TestGetCachedReports_NoCacheConfigured(t *testing.T) {
	svc := NewBroadcastService(newFakeRepo(), &fakeResolver{}, &fakeDispatcher{}, nil, testConfig())

	if _, err := svc.GetCachedReports(context.Background()); err == nil {
		t.Fatalf("expected error when cache is nil, got nil")
	}
}

func TestCreateBroadcast_AppliesDefaults(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := NewBroadcastService(repo, &fakeResolver{}, &fakeDispatcher{}, nil, testConfig())

	b, err := svc.CreateBroadcast(ctx, "Title", "Body", "", "", time.Now())
	if err != nil {
		t.Fatalf("CreateBroadcast returned error: %v", err)
	}

	if b.Channel != "email" {
		t.Errorf("expected default channel %q, got %q", "email", b.Channel)
	}
	if b.Audience != "all" {
		t.Errorf("expected default audience %q, got %q", "all", b.Audience)
	}
	if b.Status != domain.BroadcastPending {
		t.Errorf("expected status %q, got %q", domain.BroadcastPending, b.Status)
	}
}
