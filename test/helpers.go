// Package test contains helpers and mocks shared by the package tests of
// this module.
package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using
// Testcontainers, with the outbox schema applied.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_outbox.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

func MockUnlockedOutboxLock(mock sqlmock.Sqlmock, relayID uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, false, relayID, nil, nil, 1)
	mock.ExpectQuery("SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, relayID uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, true, relayID, time.Now(), time.Now().Add(time.Minute), 1)
	mock.ExpectQuery("SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockUnpublishedOutboxRows(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "event_id", "aggregate_id", "event_type", "payload", "aggregate_version", "caused_by", "occurred_on", "retry_count", "created_at"}).
		AddRow(uuid.New(), uuid.New(), "conv-1", "MessageAdded", []byte(`{"text":"hi"}`), 1, nil, time.Now(), 0, time.Now()).
		AddRow(uuid.New(), uuid.New(), "conv-1", "MessageAdded", []byte(`{"text":"there"}`), 2, "req-42", time.Now(), 0, time.Now()).
		AddRow(uuid.New(), uuid.New(), "conv-2", "ConversationArchived", []byte(`{}`), nil, nil, time.Now(), 1, time.Now())
	mock.ExpectQuery("SELECT (.+) FROM outbox WHERE published=false AND dead_lettered_at IS NULL (.+)").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsWithOneExpired(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "relay_id", "alive_at", "version"}).
		AddRow(1, uuid.New(), time.Now(), 1).
		AddRow(2, uuid.New(), time.Now(), 1).
		AddRow(3, uuid.New(), time.Now().Add(time.Minute*-1), 1)
	mock.ExpectQuery("SELECT id, relay_id, alive_at, version FROM outbox_relay_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}

func MockSubscriptionRowsAllActive(mock sqlmock.Sqlmock) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "relay_id", "alive_at", "version"}).
		AddRow(1, uuid.New(), time.Now(), 1).
		AddRow(2, uuid.New(), time.Now(), 1)
	mock.ExpectQuery("SELECT id, relay_id, alive_at, version FROM outbox_relay_subscription ORDER BY id ASC").WillReturnRows(rows)
	return rows
}
