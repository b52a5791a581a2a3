package gorm

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/svilares/outboxr/obx"
	"github.com/svilares/outboxr/test"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("unable to start the postgres container: %v", err)
		os.Exit(1)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("unable to get the connection string: %v", err)
		os.Exit(1)
	}
	db, err = gorm.Open(postgres.Open(connStr), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		fmt.Printf("unable to open the gorm connection: %v", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

func resetDatabase(t *testing.T) {
	t.Helper()
	require.NoError(t, db.Exec("TRUNCATE outbox").Error)
	require.NoError(t, db.Exec("TRUNCATE outbox_relay_subscription").Error)
	require.NoError(t, db.Exec("UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null, version=1 WHERE id=1").Error)
}

func insertOutboxRow(t *testing.T, aggregateID string, eventType string, createdAt time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := db.Exec("INSERT INTO outbox (id, event_id, aggregate_id, event_type, payload, occurred_on, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, uuid.New(), aggregateID, eventType, []byte(`{}`), createdAt, createdAt).Error
	require.NoError(t, err)
	return id
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() {
		New(nil, db)
	})
	assert.Panics(t, func() {
		New(test.DefaultCtxKey, nil)
	})
	assert.NotPanics(t, func() {
		New(test.DefaultCtxKey, db)
	})
}

func TestSave(t *testing.T) {
	repository := New(test.DefaultCtxKey, db)

	t.Run("the outbox entry is committed with the business transaction", func(t *testing.T) {
		resetDatabase(t)
		ctx := context.Background()
		tx := db.Begin()
		require.NoError(t, tx.Error)

		err := repository.Save(context.WithValue(ctx, test.DefaultCtxKey, tx), &obx.Event{
			EventID:     uuid.New(),
			AggregateID: "conv-1",
			EventType:   "MessageAdded",
			Payload:     []byte(`{"text":"hi"}`),
			OccurredOn:  time.Now(),
		})
		assert.NoError(t, err)
		assert.NoError(t, tx.Commit().Error)

		records, err := repository.FindUnpublished(ctx, 10)
		assert.NoError(t, err)
		if assert.Len(t, records, 1) {
			assert.Equal(t, "conv-1", records[0].AggregateID)
			assert.Equal(t, "MessageAdded", records[0].EventType)
			assert.Nil(t, records[0].AggregateVersion)
			assert.Empty(t, records[0].CausedBy)
		}
	})

	t.Run("the outbox entry vanishes with a rolled back transaction", func(t *testing.T) {
		resetDatabase(t)
		ctx := context.Background()
		tx := db.Begin()
		require.NoError(t, tx.Error)

		err := repository.Save(context.WithValue(ctx, test.DefaultCtxKey, tx), &obx.Event{
			EventID:     uuid.New(),
			AggregateID: "conv-2",
			EventType:   "MessageAdded",
			Payload:     []byte(`{}`),
			OccurredOn:  time.Now(),
		})
		assert.NoError(t, err)
		assert.NoError(t, tx.Rollback().Error)

		records, err := repository.FindUnpublished(ctx, 10)
		assert.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("the context has no transaction", func(t *testing.T) {
		err := repository.Save(context.Background(), &obx.Event{
			EventID:     uuid.New(),
			AggregateID: "conv-3",
			EventType:   "MessageAdded",
			Payload:     []byte(`{}`),
			OccurredOn:  time.Now(),
		})
		assert.EqualError(t, err, "a *gorm.DB transaction was expected")
	})
}

func TestFindUnpublished(t *testing.T) {
	resetDatabase(t)
	repository := New(test.DefaultCtxKey, db)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	oldest := insertOutboxRow(t, "conv-1", "MessageAdded", base)
	newest := insertOutboxRow(t, "conv-1", "MessageAdded", base.Add(time.Minute))
	published := insertOutboxRow(t, "conv-2", "MessageAdded", base.Add(2*time.Minute))
	require.NoError(t, repository.MarkPublished(ctx, published))

	records, err := repository.FindUnpublished(ctx, 10)

	assert.NoError(t, err)
	if assert.Len(t, records, 2) {
		assert.Equal(t, oldest, records[0].ID)
		assert.Equal(t, newest, records[1].ID)
	}
}

func TestMarkPublished(t *testing.T) {
	resetDatabase(t)
	repository := New(test.DefaultCtxKey, db)
	ctx := context.Background()
	id := insertOutboxRow(t, "conv-1", "MessageAdded", time.Now())

	assert.NoError(t, repository.MarkPublished(ctx, id))

	sqlDB, err := db.DB()
	require.NoError(t, err)

	var publishedAt *time.Time
	require.NoError(t, sqlDB.QueryRow("SELECT published_at FROM outbox WHERE id=$1", id).Scan(&publishedAt))
	require.NotNil(t, publishedAt)

	// marking again must not move the publication timestamp
	assert.NoError(t, repository.MarkPublished(ctx, id))

	var publishedAtAfter *time.Time
	require.NoError(t, sqlDB.QueryRow("SELECT published_at FROM outbox WHERE id=$1", id).Scan(&publishedAtAfter))
	require.NotNil(t, publishedAtAfter)
	assert.True(t, publishedAt.Equal(*publishedAtAfter))
}

func TestRecordFailureAndDeadLetter(t *testing.T) {
	resetDatabase(t)
	repository := New(test.DefaultCtxKey, db)
	ctx := context.Background()
	id := insertOutboxRow(t, "conv-1", "MessageAdded", time.Now())

	assert.NoError(t, repository.RecordFailure(ctx, id, "broker unreachable"))
	assert.NoError(t, repository.RecordFailure(ctx, id, "timeout"))

	sqlDB, err := db.DB()
	require.NoError(t, err)

	var retryCount int
	var lastError *string
	require.NoError(t, sqlDB.QueryRow("SELECT retry_count, last_error FROM outbox WHERE id=$1", id).Scan(&retryCount, &lastError))
	assert.Equal(t, 2, retryCount)
	if assert.NotNil(t, lastError) {
		assert.Equal(t, "timeout", *lastError)
	}

	assert.NoError(t, repository.MarkDeadLettered(ctx, id))

	records, err := repository.FindUnpublished(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestAcquireAndReleaseLock(t *testing.T) {
	resetDatabase(t)
	repository := New(test.DefaultCtxKey, db)
	ctx := context.Background()
	relayA := uuid.New()
	relayB := uuid.New()

	acquired, err := repository.AcquireLock(ctx, relayA)
	assert.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = repository.AcquireLock(ctx, relayB)
	assert.NoError(t, err)
	assert.False(t, acquired)

	assert.Error(t, repository.ReleaseLock(ctx, relayB))
	assert.NoError(t, repository.ReleaseLock(ctx, relayA))
}

func TestSubscribeRelay(t *testing.T) {
	resetDatabase(t)
	repository := New(test.DefaultCtxKey, db)
	ctx := context.Background()
	relayA := uuid.New()
	relayB := uuid.New()

	subscribed, subscription, err := repository.SubscribeRelay(ctx, relayA, 1)
	assert.NoError(t, err)
	assert.True(t, subscribed)
	assert.Equal(t, 1, subscription)

	subscribed, _, err = repository.SubscribeRelay(ctx, relayB, 1)
	assert.NoError(t, err)
	assert.False(t, subscribed)

	updated, err := repository.UpdateSubscription(ctx, relayA)
	assert.NoError(t, err)
	assert.True(t, updated)

	updated, err = repository.UpdateSubscription(ctx, uuid.New())
	assert.NoError(t, err)
	assert.False(t, updated)
}
