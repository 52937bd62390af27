package domain

import (
	"math/rand"
	"testing"
	"time"
)

func outcome(status RecipientStatus) RecipientOutcome {
	return RecipientOutcome{Address: "user@example.com", Status: status}
}

func TestAggregateOutcomes_EmptyIsFailed(t *testing.T) {
	if got := AggregateOutcomes(nil); got != LogFailed {
		t.Fatalf("expected %q for empty outcomes, got %q", LogFailed, got)
	}
	if got := AggregateOutcomes([]RecipientOutcome{}); got != LogFailed {
		t.Fatalf("expected %q for empty outcomes, got %q", LogFailed, got)
	}
}

func TestAggregateOutcomes_AllSentIsComplete(t *testing.T) {
	outcomes := []RecipientOutcome{outcome(RecipientSent), outcome(RecipientSent)}
	if got := AggregateOutcomes(outcomes); got != LogComplete {
		t.Fatalf("expected %q, got %q", LogComplete, got)
	}
}

func TestAggregateOutcomes_AllFailedIsFailed(t *testing.T) {
	outcomes := []RecipientOutcome{outcome(RecipientFailed), outcome(RecipientFailed)}
	if got := AggregateOutcomes(outcomes); got != LogFailed {
		t.Fatalf("expected %q, got %q", LogFailed, got)
	}
}

func TestAggregateOutcomes_MixedIsPartial(t *testing.T) {
	outcomes := []RecipientOutcome{outcome(RecipientSent), outcome(RecipientFailed)}
	if got := AggregateOutcomes(outcomes); got != LogPartial {
		t.Fatalf("expected %q, got %q", LogPartial, got)
	}
}

// TestAggregateOutcomes_Law checks the aggregate status law against random
// outcome vectors: complete iff zero failed and N > 0, failed iff zero sent
// or N = 0, partial otherwise.
func TestAggregateOutcomes_Law(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		n := rng.Intn(20)
		outcomes := make([]RecipientOutcome, n)

		sent := 0
		for j := range outcomes {
			if rng.Intn(2) == 0 {
				outcomes[j] = outcome(RecipientSent)
				sent++
			} else {
				outcomes[j] = outcome(RecipientFailed)
			}
		}

		var want LogStatus
		switch {
		case n > 0 && sent == n:
			want = LogComplete
		case sent == 0:
			want = LogFailed
		default:
			want = LogPartial
		}

		if got := AggregateOutcomes(outcomes); got != want {
			t.Fatalf("n=%d sent=%d: expected %q, got %q", n, sent, want, got)
		}
	}
}

func TestTerminalStatusFor(t *testing.T) {
	cases := map[LogStatus]BroadcastStatus{
		LogComplete: BroadcastSent,
		LogPartial:  BroadcastPartiallySent,
		LogFailed:   BroadcastFailed,
	}

	for in, want := range cases {
		got := TerminalStatusFor(in)
		if got != want {
			t.Errorf("TerminalStatusFor(%q): expected %q, got %q", in, want, got)
		}
		if !got.IsTerminal() {
			t.Errorf("TerminalStatusFor(%q) must be terminal", in)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []BroadcastStatus{BroadcastSent, BroadcastPartiallySent, BroadcastFailed, BroadcastCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	for _, s := range []BroadcastStatus{BroadcastPending, BroadcastProcessing} {
		if s.IsTerminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestNewMessageLog_CopiesContentAndAggregates(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &ScheduledBroadcast{
		ID:      9,
		Title:   "Spring update",
		Body:    "Hello everyone",
		Channel: "email",
	}

	outcomes := []RecipientOutcome{outcome(RecipientSent), outcome(RecipientFailed)}
	log := NewMessageLog(b, outcomes, now)

	if log.BroadcastID != 9 {
		t.Errorf("expected BroadcastID=9, got %d", log.BroadcastID)
	}
	if log.Title != b.Title || log.Content != b.Body || log.Channel != b.Channel {
		t.Errorf("log content does not match broadcast: %+v", log)
	}
	if log.Status != LogPartial {
		t.Errorf("expected status %q, got %q", LogPartial, log.Status)
	}
	if !log.SentAt.Equal(now) {
		t.Errorf("expected SentAt=%v, got %v", now, log.SentAt)
	}
	if len(log.Recipients) != 2 {
		t.Errorf("expected 2 recipients, got %d", len(log.Recipients))
	}
}
