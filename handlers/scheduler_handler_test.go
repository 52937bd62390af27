package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
	"github.com/atlasworks/broadcast-dispatch-service/internal/scheduler"
	validatorpkg "github.com/atlasworks/broadcast-dispatch-service/pkg/validator"
)

// trackingProcessor records every cycle and the context it ran under.
type trackingProcessor struct {
	mu      sync.Mutex
	calls   int
	lastCtx context.Context
}

func (p *trackingProcessor) ProcessDueBroadcasts(ctx context.Context, now time.Time) ([]domain.DispatchReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastCtx = ctx
	return nil, nil
}

func (p *trackingProcessor) snapshot() (int, context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.lastCtx
}

func testSchedulerConfig() environments.BroadcastConfig {
	return environments.BroadcastConfig{
		PollInterval: 10 * time.Millisecond,
		InitialDelay: 0,
	}
}

// TestStart_SurvivesRequestCompletion verifies that the poll loop keeps
// ticking after the request that started it completes. Echo cancels the
// request context at end-of-request, so the handler must start the
// scheduler with the application context instead.
func TestStart_SurvivesRequestCompletion(t *testing.T) {
	e := echo.New()
	e.Validator = validatorpkg.New()

	processor := &trackingProcessor{}
	sched := scheduler.NewScheduler(processor, testSchedulerConfig(), environments.AlertConfig{})
	handler := NewSchedulerHandler(sched, nil, context.Background())

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/start", strings.NewReader(`{}`))
	req = req.WithContext(reqCtx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.Start(c); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	// The request is over now.
	cancelReq()

	time.Sleep(100 * time.Millisecond)

	if err := sched.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	calls, _ := processor.snapshot()
	if calls == 0 {
		t.Fatalf("expected ticks to continue after the request completed, got none")
	}
}

// TestTrigger_UsesApplicationContext verifies that a manual dispatch cycle
// is not bound to the request context: a client disconnect must not cancel
// in-flight sends mid-batch.
func TestTrigger_UsesApplicationContext(t *testing.T) {
	e := echo.New()

	processor := &trackingProcessor{}
	sched := scheduler.NewScheduler(processor, testSchedulerConfig(), environments.AlertConfig{})
	handler := NewSchedulerHandler(sched, nil, context.Background())

	// The client is already gone before the cycle runs.
	reqCtx, cancelReq := context.WithCancel(context.Background())
	cancelReq()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/trigger", nil)
	req = req.WithContext(reqCtx)

	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.Trigger(c); err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	calls, gotCtx := processor.snapshot()
	if calls != 1 {
		t.Fatalf("expected exactly 1 cycle, got %d", calls)
	}
	if gotCtx == nil {
		t.Fatalf("expected the cycle to receive a context")
	}
	if err := gotCtx.Err(); err != nil {
		t.Fatalf("expected the cycle's context to stay live after client disconnect, got %v", err)
	}
}
