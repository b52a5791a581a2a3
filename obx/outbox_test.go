package obx

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/svilares/outboxr/test"
)

var nopLogger *NopLogger = &NopLogger{}
var nopCounter *NopCounter = &NopCounter{}
var testLogger *test.TestLogger = &test.TestLogger{}
var testCounter *test.TestCounter = &test.TestCounter{}

func TestWithLogger(t *testing.T) {
	type args struct {
		l Logger
	}
	testcases := []struct {
		name       string
		args       args
		wantLogger Logger
	}{
		{
			name: "with nil logger",
			args: args{
				l: nil,
			},
			wantLogger: nopLogger,
		},
		{
			name: "with a logger instance",
			args: args{
				l: testLogger,
			},
			wantLogger: testLogger,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			o := &Outboxer{
				logger:     nopLogger,
				emitter:    nil,
				repository: nil,
				successCtr: nopCounter,
				errorCtr:   nopCounter,
			}
			opt := WithLogger(tc.args.l)
			opt(o)
			assert.Equal(t, tc.wantLogger, o.logger)
		})
	}
}

func TestWithCounters(t *testing.T) {
	type args struct {
		success Counter
		error   Counter
	}
	testcases := []struct {
		name           string
		args           args
		wantSuccessCtr Counter
		wantErrorCtr   Counter
	}{
		{
			name: "both counters to nil",
			args: args{
				success: nil,
				error:   nil,
			},
			wantSuccessCtr: nopCounter,
			wantErrorCtr:   nopCounter,
		},
		{
			name: "error counter to nil",
			args: args{
				success: testCounter,
				error:   nil,
			},
			wantSuccessCtr: testCounter,
			wantErrorCtr:   nopCounter,
		},
		{
			name: "success counter to nil",
			args: args{
				success: nil,
				error:   testCounter,
			},
			wantSuccessCtr: nopCounter,
			wantErrorCtr:   testCounter,
		},
		{
			name: "both counters to valid instances",
			args: args{
				success: testCounter,
				error:   testCounter,
			},
			wantSuccessCtr: testCounter,
			wantErrorCtr:   testCounter,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			o := &Outboxer{
				logger:     nopLogger,
				emitter:    nil,
				repository: nil,
				successCtr: nopCounter,
				errorCtr:   nopCounter,
			}
			opt := WithCounters(tc.args.success, tc.args.error)
			opt(o)
			assert.Equal(t, tc.wantSuccessCtr, o.successCtr)
			assert.Equal(t, tc.wantErrorCtr, o.errorCtr)
		})
	}
}

func TestNew(t *testing.T) {
	type args struct {
		repository Repository
		emitter    Emitter
	}
	testcases := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{
			name: "valid repository and emitter",
			args: args{
				repository: newMemRepository(),
				emitter:    &scriptedEmitter{},
			},
			wantErr: false,
		},
		{
			name: "repository is nil",
			args: args{
				repository: nil,
				emitter:    &scriptedEmitter{},
			},
			wantErr: true,
		},
		{
			name: "emitter is nil",
			args: args{
				repository: newMemRepository(),
				emitter:    nil,
			},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			o, err := New(Settings{}, tc.args.repository, tc.args.emitter)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, o)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, o)
			}
		})
	}
}

func TestPublish(t *testing.T) {
	validEvent := func() *Event {
		return &Event{
			EventID:     uuid.New(),
			AggregateID: "conv-1",
			EventType:   "MessageAdded",
			Payload:     []byte(`{"text":"hi"}`),
			OccurredOn:  time.Now(),
		}
	}
	testcases := []struct {
		name    string
		mutate  func(e *Event) *Event
		wantErr string
	}{
		{
			name:   "a valid event is saved",
			mutate: func(e *Event) *Event { return e },
		},
		{
			name:    "a nil event is rejected",
			mutate:  func(e *Event) *Event { return nil },
			wantErr: "an event is mandatory",
		},
		{
			name:    "a missing event identifier is rejected",
			mutate:  func(e *Event) *Event { e.EventID = uuid.Nil; return e },
			wantErr: "the event identifier is mandatory",
		},
		{
			name:    "a missing aggregate identifier is rejected",
			mutate:  func(e *Event) *Event { e.AggregateID = ""; return e },
			wantErr: "the aggregate identifier is mandatory",
		},
		{
			name:    "a missing event type is rejected",
			mutate:  func(e *Event) *Event { e.EventType = ""; return e },
			wantErr: "the event type is mandatory",
		},
		{
			name:    "an event type with dots is rejected",
			mutate:  func(e *Event) *Event { e.EventType = "Message.Added"; return e },
			wantErr: "the event type must be a topic-safe name without dots, hyphens or spaces",
		},
		{
			name:    "an event type with hyphens is rejected",
			mutate:  func(e *Event) *Event { e.EventType = "message-added"; return e },
			wantErr: "the event type must be a topic-safe name without dots, hyphens or spaces",
		},
		{
			name:    "a missing occurrence time is rejected",
			mutate:  func(e *Event) *Event { e.OccurredOn = time.Time{}; return e },
			wantErr: "the event occurrence time is mandatory",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepository()
			o, err := New(Settings{}, repo, &scriptedEmitter{})
			assert.NoError(t, err)

			err = o.Publish(context.Background(), tc.mutate(validEvent()))
			if tc.wantErr != "" {
				assert.EqualError(t, err, tc.wantErr)
				assert.Empty(t, repo.all())
			} else {
				assert.NoError(t, err)
				assert.Len(t, repo.all(), 1)
			}
		})
	}
}
