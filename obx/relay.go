package obx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriptionInterval = 10 * time.Second

type relay struct {
	id         uuid.UUID
	settings   Settings
	logger     Logger
	emitter    Emitter
	repository Repository
	successCtr Counter
	errorCtr   Counter
}

// run drives a subscription loop that attempts the registration of this relay
// within the 'outbox_relay_subscription' table. Only subscribed relays can
// deliver outbox entries to the configured emitter. The loop also keeps the
// "alive_at" column fresh to avoid losing the subscription, and exits when
// the context is cancelled.
func (r *relay) run(ctx context.Context) {
	ticker := time.NewTicker(subscriptionInterval)
	defer ticker.Stop()
	subscribed := false
	var pollDone chan struct{}
	for {
		if !subscribed {
			if success, subscription, err := r.repository.SubscribeRelay(ctx, r.id, r.settings.MaxRelays); success {
				r.logger.Debug(fmt.Sprintf("subscription '%d' assigned to relay '%s'", subscription, r.id))
				pollDone = make(chan struct{})
				go func() {
					defer close(pollDone)
					r.pollLoop(ctx)
				}()
				subscribed = true
			} else if err != nil {
				r.logger.Error(fmt.Sprintf("trying to subscribe relay '%s'", r.id), err)
			}
		} else {
			updated, err := r.repository.UpdateSubscription(ctx, r.id)
			if err != nil {
				r.logger.Error("updating subscription", err)
			} else if !updated {
				r.logger.Warn("the subscription was stolen by another relay")
				subscribed = false
			}
		}

		select {
		case <-ctx.Done():
			if pollDone != nil {
				<-pollDone
			}
			return
		case <-ticker.C:
		}
	}
}

// pollLoop implements the main relay loop. Ticks never overlap: a new poll is
// not started until the previous one has finished.
func (r *relay) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.settings.PollingInterval)
	defer ticker.Stop()
	for {
		if acquired, err := r.repository.AcquireLock(ctx, r.id); acquired {
			r.processOutbox(ctx)
			if err := r.repository.ReleaseLock(ctx, r.id); err != nil {
				r.logger.Error("releasing the outbox lock", err)
			}
		} else if err != nil {
			r.logger.Error("unable to get the lock", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processOutbox scans the 'outbox' table within the limits defined by
// Settings.MaxEventsPerInterval and delivers the unpublished entries in
// batches (defined by Settings.MaxEventsPerBatch). Every delivery attempt is
// settled independently: a failing record never blocks or fails the others,
// and the tick itself never fails as a whole.
func (r *relay) processOutbox(ctx context.Context) {
	records, err := r.repository.FindUnpublished(ctx, r.settings.MaxEventsPerInterval)
	if err != nil {
		r.logger.Error("when trying to get unpublished outbox rows", err)
		return
	}
	if len(records) == 0 {
		return
	}

	r.logger.Debug(fmt.Sprintf("processing %d outbox records", len(records)))

	// Outcome bookkeeping must survive a Stop in the middle of a tick, so
	// already dispatched attempts are settled with an uncancellable context.
	markCtx := context.WithoutCancel(ctx)

	var published, failed, total int
	deliveryChan := make(chan *DeliveryReport, r.settings.MaxEventsPerBatch)
	collectorDone := make(chan struct{})
	var wg sync.WaitGroup

	go func() {
		defer close(collectorDone)
		for dr := range deliveryChan {
			if r.settle(markCtx, dr) {
				published++
			} else {
				failed++
			}
			total++
			wg.Done()
		}
	}()

	for start := 0; start < len(records); start += r.settings.MaxEventsPerBatch {
		end := start + r.settings.MaxEventsPerBatch
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		r.logger.Debug(fmt.Sprintf("emitting a batch of %d records", len(batch)))
		for _, rec := range batch {
			wg.Add(1)
			if err := r.emitter.Emit(rec, deliveryChan); err != nil {
				// The emitter rejected the record synchronously, so no report
				// will arrive for it. Settle the failure here.
				deliveryChan <- &DeliveryReport{Record: rec, Error: err}
			}
		}
	}

	// Wait until every dispatched attempt got its delivery report.
	wg.Wait()

	// We can safely close the channel because it is dedicated to this tick
	// and receives exactly one report per dispatched record.
	close(deliveryChan)
	<-collectorDone

	r.logger.Info(fmt.Sprintf("%d records were successfully published (with %d failed) from a total of %d processed from outbox", published, failed, total))
}

// settle records the outcome of a single delivery attempt. It reports whether
// the record ended up published.
func (r *relay) settle(ctx context.Context, dr *DeliveryReport) bool {
	if dr.Error != nil {
		r.logger.Error(fmt.Sprintf("delivery problem for record '%s'", dr.Record.ID), dr.Error)
		r.errorCtr.Inc(1)
		if err := r.repository.RecordFailure(ctx, dr.Record.ID, dr.Error.Error()); err != nil {
			r.logger.Error("recording a delivery failure", err)
			return false
		}
		if max := r.settings.MaxDeliveryAttempts; max > 0 && dr.Record.RetryCount+1 >= max {
			r.logger.Warn(fmt.Sprintf("record '%s' exhausted its %d delivery attempts and is moved to the dead letter state", dr.Record.ID, max))
			if err := r.repository.MarkDeadLettered(ctx, dr.Record.ID); err != nil {
				r.logger.Error("dead lettering a record", err)
			}
		}
		return false
	}

	if dr.Details != "" {
		r.logger.Debug(dr.Details)
	}
	if err := r.repository.MarkPublished(ctx, dr.Record.ID); err != nil {
		// The record stays unpublished and will be delivered again on a
		// later tick; duplicates are allowed by the at-least-once contract.
		r.logger.Error("marking a record as published", err)
		return false
	}
	r.successCtr.Inc(1)
	return true
}
