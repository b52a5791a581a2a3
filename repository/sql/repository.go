// Package sql provides a database/sql implementation of obx.Repository. It
// supports both '?' and '$n' placeholder dialects.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/svilares/outboxr/obx"
	"github.com/svilares/outboxr/repository"
)

const raNotSupported string = "RowsAffected not supported"

// statements holds the SQL of a Repository instance, converted to the
// configured placeholder dialect.
type statements struct {
	getSubscriptions   string
	getOutboxLockRow   string
	findUnpublished    string
	findAllUnpublished string
	insertOutbox       string
	markPublished      string
	recordFailure      string
	markDeadLettered   string
	subscribeInsert    string
	subscribeUpdate    string
	acquireLock        string
	releaseLock        string
	updateSubscription string
}

func prepareStatements(useDollar bool) statements {
	s := statements{
		getSubscriptions:   "SELECT id, relay_id, alive_at, version FROM outbox_relay_subscription ORDER BY id ASC",
		getOutboxLockRow:   "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1",
		findUnpublished:    "SELECT id, event_id, aggregate_id, event_type, payload, aggregate_version, caused_by, occurred_on, retry_count, created_at FROM outbox WHERE published=false AND dead_lettered_at IS NULL ORDER BY created_at ASC LIMIT ?",
		findAllUnpublished: "SELECT id, event_id, aggregate_id, event_type, payload, aggregate_version, caused_by, occurred_on, retry_count, created_at FROM outbox WHERE published=false AND dead_lettered_at IS NULL ORDER BY created_at ASC",
		insertOutbox:       "INSERT INTO outbox (id, event_id, aggregate_id, event_type, payload, aggregate_version, caused_by, occurred_on) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		markPublished:      "UPDATE outbox SET published=true, published_at=NOW() WHERE id=? AND published=false",
		recordFailure:      "UPDATE outbox SET retry_count=retry_count+1, last_error=? WHERE id=? AND published=false",
		markDeadLettered:   "UPDATE outbox SET dead_lettered_at=NOW() WHERE id=? AND published=false AND dead_lettered_at IS NULL",
		subscribeInsert:    "INSERT INTO outbox_relay_subscription (id, relay_id, alive_at, version) VALUES (?, ?, ?, 1)",
		subscribeUpdate:    "UPDATE outbox_relay_subscription SET relay_id=?, alive_at=?, version=? WHERE id=? AND version=?",
		acquireLock:        "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?",
		releaseLock:        "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1",
		updateSubscription: "UPDATE outbox_relay_subscription SET alive_at=NOW() WHERE relay_id=?",
	}
	if useDollar {
		s.findUnpublished = convertToDollarPlaceholder(s.findUnpublished)
		s.insertOutbox = convertToDollarPlaceholder(s.insertOutbox)
		s.markPublished = convertToDollarPlaceholder(s.markPublished)
		s.recordFailure = convertToDollarPlaceholder(s.recordFailure)
		s.markDeadLettered = convertToDollarPlaceholder(s.markDeadLettered)
		s.subscribeInsert = convertToDollarPlaceholder(s.subscribeInsert)
		s.subscribeUpdate = convertToDollarPlaceholder(s.subscribeUpdate)
		s.acquireLock = convertToDollarPlaceholder(s.acquireLock)
		s.updateSubscription = convertToDollarPlaceholder(s.updateSubscription)
	}
	return s
}

// convertToDollarPlaceholder rewrites '?' placeholders as positional '$n'
// placeholders.
func convertToDollarPlaceholder(query string) string {
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

type Repository struct {
	txKey  obx.TxKey
	db     *sql.DB
	stmts  statements
	logger obx.Logger
}

var _ obx.Loggable = (*Repository)(nil)
var _ obx.Repository = (*Repository)(nil)

func New(txKey obx.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		stmts:  prepareStatements(useDollar),
		logger: &obx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l obx.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should be
// a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, e *obx.Event) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return errors.New("an *sql.Tx transaction was expected")
	}
	_, err := tx.ExecContext(ctx, r.stmts.insertOutbox,
		uuid.New(),
		e.EventID,
		e.AggregateID,
		e.EventType,
		e.Payload,
		nullableInt64(e.AggregateVersion),
		nullableString(e.CausedBy),
		e.OccurredOn)
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
		rows, err = r.db.QueryContext(ctx, r.stmts.findAllUnpublished)
	} else {
		rows, err = r.db.QueryContext(ctx, r.stmts.findUnpublished, limit)
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
	_, err := r.db.ExecContext(ctx, r.stmts.markPublished, id)
	return err
}

// RecordFailure increments the retry counter of an outbox entry and stores
// the last known delivery error.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, cause string) error {
	_, err := r.db.ExecContext(ctx, r.stmts.recordFailure, cause, id)
	return err
}

// MarkDeadLettered moves an unpublished outbox entry to the dead letter
// state.
func (r *Repository) MarkDeadLettered(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, r.stmts.markDeadLettered, id)
	return err
}

// AcquireLock obtains a lease on the 'outbox' table by employing a database
// lock strategy through the use of the auxiliary table 'outbox_lock'.
func (r *Repository) AcquireLock(ctx context.Context, relayID uuid.UUID) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	if lock.locked && lock.lockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(repository.LockMaxDuration)
	res, err := r.db.ExecContext(ctx, r.stmts.acquireLock, relayID, lockedAt, lockedUntil, lock.version+1, lock.version)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
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
	if !lock.locked || lock.lockedBy.String() != relayID.String() {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, relayID)
	}
	_, err = r.db.ExecContext(ctx, r.stmts.releaseLock)
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
	rows, err := r.db.QueryContext(ctx, r.stmts.getSubscriptions)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var subs []relaySubscription
	for rows.Next() {
		var sub relaySubscription
		err := rows.Scan(&sub.id, &sub.relayID, &sub.aliveAt, &sub.version)
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
		res, err := r.db.ExecContext(ctx, r.stmts.subscribeUpdate, relayID, now, sub.version+1, sub.id, sub.version)
		if err != nil {
			return false, 0, err
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return false, 0, errors.New(raNotSupported)
		}
		if ra == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		_, err := r.db.ExecContext(ctx, r.stmts.subscribeInsert, subscriptionID, relayID, now)
		if err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionID, nil
}

// UpdateSubscription updates the 'alive_at' column with current time to
// prevent other relays from stealing the subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, relayID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.stmts.updateSubscription, relayID)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
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
			return sub.id, &sub
		}
	}
	return len(subs) + 1, nil
}

// isExpired considers expired the subscriptions whose relay last aliveAt mark
// is older than the configured expiration.
func isExpired(sub relaySubscription) bool {
	return sub.aliveAt.Time.Add(repository.SubsExpirationAfter).Before(time.Now())
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	row := r.db.QueryRowContext(ctx, r.stmts.getOutboxLockRow)
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
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

// nullableInt64 maps a nil pointer to a database NULL.
func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
