// Package obx implements the polling publisher variant of the Transactional
// Outbox pattern: domain events are durably recorded in the same business
// transaction as the aggregate state change that produced them, and a
// background relay delivers them to a message broker with at-least-once
// semantics. Consumers must deduplicate by event identifier.
package obx

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Outboxer is the facade of the module. Instances are explicitly constructed
// with New and wired by the caller; the relay lifecycle is controlled with
// Start and Stop.
type Outboxer struct {
	settings   Settings
	logger     Logger
	emitter    Emitter
	repository Repository
	successCtr Counter
	errorCtr   Counter

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option allows optional configuration.
type Option func(o *Outboxer)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) Option {
	return func(o *Outboxer) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional success and error
// counters for observability.
func WithCounters(success Counter, error Counter) Option {
	return func(o *Outboxer) {
		if success != nil {
			o.successCtr = success
		}
		if error != nil {
			o.errorCtr = error
		}
	}
}

// New creates an Outboxer using the provided settings and options and the
// provided Repository and Emitter implementations.
func New(s Settings, r Repository, e Emitter, options ...Option) (*Outboxer, error) {
	if r == nil {
		return nil, errors.New("a repository is mandatory")
	}
	if e == nil {
		return nil, errors.New("an emitter is mandatory")
	}
	validateSettings(&s)

	o := &Outboxer{
		settings:   s,
		logger:     &NopLogger{},
		emitter:    e,
		repository: r,
		successCtr: &NopCounter{},
		errorCtr:   &NopCounter{},
	}

	for _, opt := range options {
		opt(o)
	}

	for _, a := range []any{e, r} {
		if l, ok := a.(Loggable); ok {
			l.SetLogger(o.logger)
		}
	}

	return o, nil
}

// Publish records a domain event reliably within the business transaction
// present in the context. The event becomes visible to the relay only after
// the surrounding transaction commits; if it rolls back, the event is never
// recorded.
func (o *Outboxer) Publish(ctx context.Context, e *Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	return o.repository.Save(ctx, e)
}

// Start launches the relay if it is enabled in the settings. Calling Start
// more than once has no effect.
func (o *Outboxer) Start() {
	o.startOnce.Do(func() {
		if !o.settings.EnableRelay {
			return
		}
		o.logger.Debug("the polling publisher relay is enabled")
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		o.done = make(chan struct{})
		r := &relay{
			id:         uuid.New(),
			settings:   o.settings,
			logger:     o.logger,
			emitter:    o.emitter,
			repository: o.repository,
			successCtr: o.successCtr,
			errorCtr:   o.errorCtr,
		}
		go func() {
			defer close(o.done)
			r.run(ctx)
		}()
	})
}

// Stop shuts the relay down and waits until it exits. A tick in flight is
// allowed to finish its already dispatched delivery attempts.
func (o *Outboxer) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel == nil {
			return
		}
		o.cancel()
		<-o.done
	})
}

// validateEvent checks the producer-supplied fields the outbox depends on.
// The payload itself is opaque and is not inspected.
func validateEvent(e *Event) error {
	switch {
	case e == nil:
		return errors.New("an event is mandatory")
	case e.EventID == uuid.Nil:
		return errors.New("the event identifier is mandatory")
	case e.AggregateID == "":
		return errors.New("the aggregate identifier is mandatory")
	case e.EventType == "":
		return errors.New("the event type is mandatory")
	case strings.ContainsAny(e.EventType, ".- "):
		return errors.New("the event type must be a topic-safe name without dots, hyphens or spaces")
	case e.OccurredOn.IsZero():
		return errors.New("the event occurrence time is mandatory")
	}
	return nil
}
