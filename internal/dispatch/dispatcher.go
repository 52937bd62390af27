package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/channel"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/logger"
)

const (
	DefaultBatchSize       = 100
	DefaultInterBatchDelay = time.Second
)

// messageChannel is the one capability the dispatcher needs from the
// transport: send one message to one address.
type messageChannel interface {
	Send(ctx context.Context, address, subject, body string) (*channel.SendReceipt, error)
}

// Dispatcher delivers a message to every recipient of a broadcast with
// bounded concurrency. Recipients are partitioned into sequential batches;
// sends within a batch run concurrently and the batch settles before the
// next one starts. A failed send becomes a failed outcome, never an error
// out of Dispatch.
type Dispatcher struct {
	channel         messageChannel
	batchSize       int
	interBatchDelay time.Duration
}

func NewDispatcher(ch messageChannel, batchSize int, interBatchDelay time.Duration) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if interBatchDelay < 0 {
		interBatchDelay = DefaultInterBatchDelay
	}

	return &Dispatcher{
		channel:         ch,
		batchSize:       batchSize,
		interBatchDelay: interBatchDelay,
	}
}

// Dispatch sends (subject, body) to every recipient and returns exactly one
// outcome per recipient, in recipient order.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	subject, body string,
	recipients []domain.Contact,
) []domain.RecipientOutcome {
	outcomes := make([]domain.RecipientOutcome, len(recipients))
	if len(recipients) == 0 {
		return outcomes
	}

	for start := 0; start < len(recipients); start += d.batchSize {
		end := start + d.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		d.dispatchBatch(ctx, subject, body, recipients[start:end], outcomes[start:end])

		if end < len(recipients) {
			d.waitBetweenBatches(ctx)
		}
	}

	return outcomes
}

// dispatchBatch sends to every recipient of one batch concurrently and
// waits for all attempts to settle. Each goroutine owns one slot of the
// outcomes slice, so no locking is needed.
func (d *Dispatcher) dispatchBatch(
	ctx context.Context,
	subject, body string,
	recipients []domain.Contact,
	outcomes []domain.RecipientOutcome,
) {
	var wg sync.WaitGroup

	for i, recipient := range recipients {
		wg.Add(1)

		go func(i int, recipient domain.Contact) {
			defer wg.Done()
			outcomes[i] = d.sendOne(ctx, subject, body, recipient)
		}(i, recipient)
	}

	wg.Wait()
}

func (d *Dispatcher) sendOne(ctx context.Context, subject, body string, recipient domain.Contact) domain.RecipientOutcome {
	outcome := domain.RecipientOutcome{
		RecipientID: recipient.ID,
		Address:     recipient.Address,
		DisplayName: recipient.DisplayName,
	}

	_, err := d.channel.Send(ctx, recipient.Address, subject, body)
	if err != nil {
		logger.Warnf("Send to %s failed: %v", recipient.Address, err)
		outcome.Status = domain.RecipientFailed
		outcome.Error = err.Error()
		return outcome
	}

	deliveredAt := time.Now()
	outcome.Status = domain.RecipientSent
	outcome.DeliveredAt = &deliveredAt

	return outcome
}

// waitBetweenBatches applies the fixed delay that keeps the channel within
// its rate limits. A cancelled context cuts the wait short; the remaining
// batches then settle quickly as failed sends.
func (d *Dispatcher) waitBetweenBatches(ctx context.Context) {
	if d.interBatchDelay == 0 {
		return
	}

	timer := time.NewTimer(d.interBatchDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
