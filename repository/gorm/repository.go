// Package gorm provides a GORM implementation of obx.Repository backed by a
// PostgreSQL outbox table.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/svilares/outboxr/obx"
	"github.com/svilares/outboxr/repository"
	"gorm.io/gorm"
)

const (
	getSubscriptionsSql   = "SELECT id, relay_id, alive_at, version FROM outbox_relay_subscription ORDER BY id ASC"
	getOutboxLockRowSql   = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1"
	findUnpublishedSql    = "SELECT id, event_id, aggregate_id, event_type, payload, aggregate_version, caused_by, occurred_on, retry_count, created_at FROM outbox WHERE published=false AND dead_lettered_at IS NULL ORDER BY created_at ASC LIMIT ?"
	findAllUnpublishedSql = "SELECT id, event_id, aggregate_id, event_type, payload, aggregate_version, caused_by, occurred_on, retry_count, created_at FROM outbox WHERE published=false AND dead_lettered_at IS NULL ORDER BY created_at ASC"
	insertOutboxSql       = "INSERT INTO outbox (id, event_id, aggregate_id, event_type, payload, aggregate_version, caused_by, occurred_on) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	markPublishedSql      = "UPDATE outbox SET published=true, published_at=NOW() WHERE id=? AND published=false"
	recordFailureSql      = "UPDATE outbox SET retry_count=retry_count+1, last_error=? WHERE id=? AND published=false"
	markDeadLetteredSql   = "UPDATE outbox SET dead_lettered_at=NOW() WHERE id=? AND published=false AND dead_lettered_at IS NULL"
	subscribeInsertSql    = "INSERT INTO outbox_relay_subscription (id, relay_id, alive_at, version) VALUES (?, ?, ?, 1)"
	subscribeUpdateSql    = "UPDATE outbox_relay_subscription SET relay_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	acquireLockSql        = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql        = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1"
	updateSubscriptionSql = "UPDATE outbox_relay_subscription SET alive_at=NOW() WHERE relay_id=?"
)

type Repository struct {
	txKey  obx.TxKey
	db     *gorm.DB
	logger obx.Logger
}

var _ obx.Loggable = (*Repository)(nil)
var _ obx.Repository = (*Repository)(nil)

func New(txKey obx.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &obx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l obx.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should be
// a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, e *obx.Event) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	err := tx.WithContext(ctx).Exec(insertOutboxSql,
		uuid.New(),
		e.EventID,
		e.AggregateID,
		e.EventType,
		e.Payload,
		e.AggregateVersion,
		nullableString(e.CausedBy),
		e.OccurredOn).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FindUnpublished retrieves the oldest unpublished outbox entries, excluding
// dead lettered ones.
func (r *Repository) FindUnpublished(ctx context.Context, limit int) ([]*obx.Record, error) {
	var rows *sql.Rows
	var err error

	if limit == -1 {
		rows, err = r.db.WithContext(ctx).Raw(findAllUnpublishedSql).Rows()
	} else {
		rows, err = r.db.WithContext(ctx).Raw(findUnpublishedSql, limit).Rows()
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*obx.Record
	for rows.Next() {
		var rec obx.Record
		var aggregateVersion sql.NullInt64
		var causedBy sql.NullString
		err := rows.Scan(&rec.ID, &rec.EventID, &rec.AggregateID, &rec.EventType, &rec.Payload,
			&aggregateVersion, &causedBy, &rec.OccurredOn, &rec.RetryCount, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		if aggregateVersion.Valid {
			rec.AggregateVersion = &aggregateVersion.Int64
		}
		if causedBy.Valid {
			rec.CausedBy = causedBy.String
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// MarkPublished marks an outbox entry as published. The update is guarded by
// the published flag, so repeated calls are no-ops.
func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Exec(markPublishedSql, id).Error
}

// RecordFailure increments the retry counter of an outbox entry and stores
// the last known delivery error.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, cause string) error {
	return r.db.WithContext(ctx).Exec(recordFailureSql, cause, id).Error
}

// MarkDeadLettered moves an unpublished outbox entry to the dead letter
// state.
func (r *Repository) MarkDeadLettered(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Exec(markDeadLetteredSql, id).Error
}

// AcquireLock obtains a lease on the 'outbox' table by employing a database
// lock strategy through the use of the auxiliary table 'outbox_lock'.
func (r *Repository) AcquireLock(ctx context.Context, relayID uuid.UUID) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	if lock.Locked && lock.LockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(repository.LockMaxDuration)
	res := r.db.WithContext(ctx).Exec(acquireLockSql, relayID, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}
	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", relayID.String()))
	return true, nil
}

// ReleaseLock releases the lease on the 'outbox' table that was acquired by
// the specified relay.
func (r *Repository) ReleaseLock(ctx context.Context, relayID uuid.UUID) error {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return err
	}
	if !lock.Locked || lock.LockedBy.String() != relayID.String() {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, relayID)
	}
	err = r.db.WithContext(ctx).Exec(releaseLockSql).Error
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", relayID.String()))
	return nil
}

// SubscribeRelay tries to subscribe a relay in the 'outbox_relay_subscription'
// table taking into account the max number of allowed relays. If the
// subscription is successful the function returns the assigned subscription
// to the caller.
func (r *Repository) SubscribeRelay(ctx context.Context, relayID uuid.UUID, maxRelays int) (bool, int, error) {
	rows, err := r.db.WithContext(ctx).Raw(getSubscriptionsSql).Rows()
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var subs []relaySubscription
	for rows.Next() {
		var sub relaySubscription
		err := rows.Scan(&sub.ID, &sub.RelayID, &sub.AliveAt, &sub.Version)
		if err != nil {
			return false, 0, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return false, 0, err
	}

	subscriptionID, sub := allocateSubscription(subs)
	if subscriptionID > maxRelays {
		r.logger.Debug("unable to subscribe due to maximum number of relays reached")
		return false, 0, nil
	}
	now := time.Now()
	if sub != nil {
		res := r.db.WithContext(ctx).Exec(subscribeUpdateSql, relayID, now, sub.Version+1, sub.ID, sub.Version)
		if res.Error != nil {
			return false, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		res := r.db.WithContext(ctx).Exec(subscribeInsertSql, subscriptionID, relayID, now)
		if res.Error != nil {
			return false, 0, res.Error
		}
	}

	return true, subscriptionID, nil
}

// UpdateSubscription updates the 'alive_at' column with current time to
// prevent other relays from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, relayID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(updateSubscriptionSql, relayID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("the relay '%s' has no active subscription!", relayID.String()))
		return false, nil
	}
	return true, nil
}

// allocateSubscription analyzes the current subscriptions and determines the
// next subscription identifier that can be used for a new relay. If there is
// an expired subscription (determined by aliveAt) it is reused instead of
// allocating a new subscription entry in the 'outbox_relay_subscription'
// table.
func allocateSubscription(subs []relaySubscription) (int, *relaySubscription) {
	for _, sub := range subs {
		if isExpired(sub) {
			sub := sub
			return sub.ID, &sub
		}
	}
	return len(subs) + 1, nil
}

// isExpired considers expired the subscriptions whose relay last aliveAt mark
// is older than the configured expiration.
func isExpired(sub relaySubscription) bool {
	return sub.AliveAt.Time.Add(repository.SubsExpirationAfter).Before(time.Now())
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	var lock outboxLock
	result := r.db.WithContext(ctx).Raw(getOutboxLockRowSql).Scan(&lock)
	if result.Error != nil {
		return nil, result.Error
	}
	return &lock, nil
}

// nullableString maps the empty string to a database NULL.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
