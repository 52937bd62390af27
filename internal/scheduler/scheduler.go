package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/logger"
)

// broadcastProcessor is a minimal internal interface for the scheduler.
// It matches ProcessDueBroadcasts of BroadcastService and lets us unit
// test the scheduler with a small fake implementation.
type broadcastProcessor interface {
	ProcessDueBroadcasts(ctx context.Context, now time.Time) ([]domain.DispatchReport, error)
}

// Scheduler drives the dispatch engine: one immediate run shortly after
// start, then a fixed-interval tick. Ticks never overlap — a tick that
// would fire while the previous one is still processing is skipped, not
// queued, so the same due broadcast is never picked up twice by this
// process.
type Scheduler struct {
	processor      broadcastProcessor
	interval       time.Duration
	initialDelay   time.Duration
	now            func() time.Time
	alertWebhook   string
	alertThreshold int // Number of consecutive all-fail ticks before alert

	// Internal state
	running  bool
	ticking  bool
	stopChan chan struct{}
	doneChan chan struct{}
	mu       sync.RWMutex

	// Statistics
	lastTickAt      time.Time
	ticksCount      int64
	dispatchedCount int64
	lastAlertSentAt time.Time

	consecutiveAllFailCount int
}

func NewScheduler(processor broadcastProcessor, cfg environments.BroadcastConfig, alert environments.AlertConfig) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}

	return &Scheduler{
		processor:      processor,
		interval:       interval,
		initialDelay:   cfg.InitialDelay,
		now:            time.Now,
		alertWebhook:   alert.WebhookURL,
		alertThreshold: alert.IterationCount,
	}
}

// SetInterval overrides the tick interval. Takes effect on the next Start.
func (s *Scheduler) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.running {
		s.mu.Unlock()
		logger.Warnf("Scheduler is already running")
		return nil
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	interval := s.interval
	s.mu.Unlock()

	logger.Infof("Starting scheduler with interval %v (initial delay %v)", interval, s.initialDelay)

	go s.run(ctx)

	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneChan)

	// One immediate run shortly after start, so due broadcasts don't wait
	// a full interval after a restart.
	if s.initialDelay > 0 {
		delay := time.NewTimer(s.initialDelay)
		select {
		case <-delay.C:
		case <-s.stopChan:
			delay.Stop()
			return
		case <-ctx.Done():
			delay.Stop()
			return
		}
	}

	s.RunOnce(ctx)

	s.mu.RLock()
	interval := s.interval
	s.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)

		case <-s.stopChan:
			logger.Warnf("Scheduler received stop signal")
			return

		case <-ctx.Done():
			logger.Warnf("Scheduler context cancelled")
			return
		}
	}
}

// RunOnce executes a single tick. It returns false when a tick is already
// in progress and this one was skipped.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		logger.Warnf("Previous tick still running, skipping this tick")
		return false
	}
	s.ticking = true
	now := s.now()
	s.lastTickAt = now
	s.ticksCount++
	tickNumber := s.ticksCount
	alertWebhook := s.alertWebhook
	alertThreshold := s.alertThreshold
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	logger.Infof("[Tick #%d] Scanning for due broadcasts at %s", tickNumber, now.Format(time.RFC3339))

	reports, err := s.processor.ProcessDueBroadcasts(ctx, now)
	if err != nil {
		logger.Errorf("[Tick #%d] Error processing broadcasts: %v", tickNumber, err)
		return true
	}

	if len(reports) == 0 {
		logger.Debugf("[Tick #%d] No due broadcasts", tickNumber)
		return true
	}

	delivered := 0
	for _, r := range reports {
		if r.Delivered() {
			delivered++
		}
	}

	s.mu.Lock()
	s.dispatchedCount += int64(len(reports))

	if delivered == 0 {
		s.consecutiveAllFailCount++
		logger.Warnf("[Tick #%d] All %d broadcasts failed to deliver (consecutive count: %d/%d)",
			tickNumber, len(reports), s.consecutiveAllFailCount, alertThreshold)

		if s.consecutiveAllFailCount >= alertThreshold && alertThreshold > 0 && alertWebhook != "" {
			go s.sendAlert(alertWebhook, tickNumber, s.consecutiveAllFailCount, len(reports))
		}
	} else {
		if s.consecutiveAllFailCount > 0 {
			logger.Debugf("[Tick #%d] Resetting consecutive failure count (was: %d)",
				tickNumber, s.consecutiveAllFailCount)
		}
		s.consecutiveAllFailCount = 0
	}
	s.mu.Unlock()

	logger.Infof("[Tick #%d] Processed %d broadcasts, %d delivered to at least one recipient",
		tickNumber, len(reports), delivered)

	return true
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		logger.Warnf("Scheduler is not running")
		return nil
	}

	s.running = false
	stopChan := s.stopChan
	doneChan := s.doneChan
	s.mu.Unlock()

	close(stopChan)

	// Wait for the run loop (and any in-flight tick) to finish.
	<-doneChan

	logger.Infof("Scheduler stopped")
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		Running:                 s.running,
		TickInProgress:          s.ticking,
		LastTickAt:              s.lastTickAt,
		TicksCount:              s.ticksCount,
		BroadcastsDispatched:    s.dispatchedCount,
		Interval:                s.interval,
		ConsecutiveAllFailCount: s.consecutiveAllFailCount,
		LastAlertSentAt:         s.lastAlertSentAt,
	}

	if s.running && !s.lastTickAt.IsZero() {
		status.NextTickAt = s.lastTickAt.Add(s.interval)
	}

	return status
}

func (s *Scheduler) sendAlert(webhookURL string, tickNumber int64, consecutiveFailures, broadcastsInTick int) {
	alertPayload := map[string]any{
		"alert":               "consecutive_all_fail",
		"tickNumber":          tickNumber,
		"consecutiveFailures": consecutiveFailures,
		"broadcastsInTick":    broadcastsInTick,
		"timestamp":           time.Now().Format(time.RFC3339),
		"message": fmt.Sprintf(
			"All %d broadcasts failed to deliver for %d consecutive ticks",
			broadcastsInTick,
			consecutiveFailures,
		),
	}

	jsonData, err := json.Marshal(alertPayload)
	if err != nil {
		logger.Errorf("Failed to marshal alert payload: %v", err)
		return
	}

	resp, err := http.Post(webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		logger.Errorf("Failed to send alert to webhook: %v", err)
		return
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warnf("Failed to close alert webhook response body: %v", err)
		}
	}()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		s.mu.Lock()
		s.lastAlertSentAt = time.Now()
		s.mu.Unlock()
		logger.Infof("Alert sent successfully to %s (consecutive failures: %d)", webhookURL, consecutiveFailures)
	} else {
		logger.Warnf("Alert webhook returned status %d", resp.StatusCode)
	}
}

type SchedulerStatus struct {
	Running                 bool          `json:"running"`
	TickInProgress          bool          `json:"tickInProgress"`
	LastTickAt              time.Time     `json:"lastTickAt,omitempty"`
	NextTickAt              time.Time     `json:"nextTickAt,omitempty"`
	TicksCount              int64         `json:"ticksCount"`
	BroadcastsDispatched    int64         `json:"broadcastsDispatched"`
	Interval                time.Duration `json:"interval"`
	ConsecutiveAllFailCount int           `json:"consecutiveAllFailCount"`
	LastAlertSentAt         time.Time     `json:"lastAlertSentAt,omitempty"`
}
